package integrity

import (
	"fmt"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

// Seal fills in the integrity fields of evt, which must already carry its
// scope, sequence and final timestamp. prevChainHash is the chain hash of the
// preceding event, or empty for the first. A nil keyring leaves the event
// unsigned.
func Seal(ring *Keyring, evt event.Event, prevChainHash string) (event.Event, error) {
	hash, err := event.EventHash(evt)
	if err != nil {
		return event.Event{}, fmt.Errorf("compute event hash: %w", err)
	}
	evt.Hash = hash
	evt.PrevHash = prevChainHash

	chainHash, err := event.ChainHash(evt, prevChainHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("compute chain hash: %w", err)
	}
	evt.ChainHash = chainHash

	if ring == nil {
		evt.Signature, evt.SignatureKeyID = "", ""
		return evt, nil
	}
	signature, keyID, err := ring.Sign(evt.ScopeID, chainHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("sign chain hash: %w", err)
	}
	evt.Signature = signature
	evt.SignatureKeyID = keyID
	return evt, nil
}

// ChainError reports the first event of a scope that failed verification.
type ChainError struct {
	ScopeID string
	Seq     uint64
	Code    apperrors.Code
	Reason  string
}

// Error implements error.
func (e *ChainError) Error() string {
	return fmt.Sprintf("scope %s seq %d: %s", e.ScopeID, e.Seq, e.Reason)
}

// Unwrap exposes the domain code so errors.Is matches by code.
func (e *ChainError) Unwrap() error {
	return apperrors.WithMetadata(e.Code, e.Reason, map[string]string{
		"scope_id": e.ScopeID,
		"seq":      fmt.Sprint(e.Seq),
	})
}

// ChainVerifier checks a scope's events one at a time, in sequence order.
type ChainVerifier struct {
	ring          *Keyring
	scopeID       string
	lastSeq       uint64
	lastChainHash string
	lastEvent     event.Event
	verified      int
}

// NewChainVerifier verifies a scope from its first event. A nil keyring
// skips signature checks.
func NewChainVerifier(ring *Keyring, scopeID string) *ChainVerifier {
	return &ChainVerifier{ring: ring, scopeID: scopeID}
}

// NewChainVerifierFrom resumes verification after a trusted head.
func NewChainVerifierFrom(ring *Keyring, scopeID string, seq uint64, chainHash string) *ChainVerifier {
	return &ChainVerifier{ring: ring, scopeID: scopeID, lastSeq: seq, lastChainHash: chainHash}
}

// Verify checks evt against the previously verified event.
func (v *ChainVerifier) Verify(evt event.Event) error {
	fail := func(code apperrors.Code, format string, args ...any) error {
		return &ChainError{ScopeID: v.scopeID, Seq: evt.Seq, Code: code, Reason: fmt.Sprintf(format, args...)}
	}

	if evt.ScopeID != v.scopeID {
		return fail(apperrors.CodeIntegrityChainBroken, "event belongs to scope %s", evt.ScopeID)
	}
	if evt.Seq != v.lastSeq+1 {
		return fail(apperrors.CodeIntegritySequenceGap, "expected seq %d", v.lastSeq+1)
	}
	if v.verified > 0 && evt.Timestamp.Before(v.lastEvent.Timestamp) {
		return fail(apperrors.CodeIntegrityChainBroken, "timestamp precedes seq %d", v.lastSeq)
	}

	hash, err := event.EventHash(evt)
	if err != nil {
		return fail(apperrors.CodeIntegrityHashMismatch, "compute event hash: %v", err)
	}
	if hash != evt.Hash {
		return fail(apperrors.CodeIntegrityHashMismatch, "event hash mismatch")
	}
	if evt.PrevHash != v.lastChainHash {
		return fail(apperrors.CodeIntegrityChainBroken, "prev hash does not match seq %d chain hash", v.lastSeq)
	}
	chainHash, err := event.ChainHash(evt, v.lastChainHash)
	if err != nil {
		return fail(apperrors.CodeIntegrityChainBroken, "compute chain hash: %v", err)
	}
	if chainHash != evt.ChainHash {
		return fail(apperrors.CodeIntegrityChainBroken, "chain hash mismatch")
	}
	if v.ring != nil {
		if err := v.ring.Verify(evt.ScopeID, evt.ChainHash, evt.Signature, evt.SignatureKeyID); err != nil {
			return fail(apperrors.CodeIntegritySignatureInvalid, "%v", err)
		}
	}

	v.lastSeq = evt.Seq
	v.lastChainHash = evt.ChainHash
	v.lastEvent = evt
	v.verified++
	return nil
}

// Head returns the sequence and chain hash of the last verified event.
func (v *ChainVerifier) Head() (uint64, string) {
	return v.lastSeq, v.lastChainHash
}

// Verified returns how many events passed verification.
func (v *ChainVerifier) Verified() int {
	return v.verified
}
