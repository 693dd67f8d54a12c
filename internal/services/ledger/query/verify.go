package query

import (
	"context"
	"errors"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

// ScopeVerifier recomputes a scope's hash chain.
type ScopeVerifier interface {
	VerifyScope(ctx context.Context, scopeID string) (sqlite.ScopeIntegrity, error)
}

// IntegrityView is the JSON form of a verification report. A broken chain is
// a report, not an error.
type IntegrityView struct {
	ScopeID   string `json:"scope_id"`
	Valid     bool   `json:"valid"`
	Events    int    `json:"events"`
	HeadSeq   uint64 `json:"head_seq"`
	ChainHash string `json:"chain_hash,omitempty"`
	BrokenSeq uint64 `json:"broken_seq,omitempty"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// VerifyScope verifies one scope. Only failures to read the journal are
// returned as errors.
func VerifyScope(ctx context.Context, verifier ScopeVerifier, scopeID string) (IntegrityView, error) {
	report, err := verifier.VerifyScope(ctx, scopeID)
	view := IntegrityView{
		ScopeID:   report.ScopeID,
		Valid:     err == nil,
		Events:    report.Events,
		HeadSeq:   report.HeadSeq,
		ChainHash: report.ChainHash,
	}
	var chainErr *integrity.ChainError
	if errors.As(err, &chainErr) {
		view.BrokenSeq = chainErr.Seq
		view.Code = string(chainErr.Code)
		view.Reason = chainErr.Reason
		return view, nil
	}
	if err != nil {
		return IntegrityView{}, err
	}
	if view.HeadSeq == 0 {
		return IntegrityView{}, apperrors.WithMetadata(apperrors.CodeScopeNotFound,
			"scope "+view.ScopeID+" not found", map[string]string{"scope_id": view.ScopeID})
	}
	return view, nil
}
