package compliance

import (
	"context"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
)

// Posture summarizes a scope at point. The latest posture judges exception
// expiry at the current time. A seq point without a time judges it at the
// time of its last event.
func (s *Service) Posture(ctx context.Context, scopeID string, point snapshot.Point) (posture.Summary, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return posture.Summary{}, err
	}
	result, err := s.states.StateAt(ctx, scopeID, point)
	if err != nil {
		return posture.Summary{}, err
	}
	at := point.Time
	if point.Latest() {
		at = s.now().UTC()
	}
	return result.State.Summary(at), nil
}

// Attest signs the posture of a scope at point.
func (s *Service) Attest(ctx context.Context, scopeID string, point snapshot.Point) (string, attest.Claims, error) {
	if s.attestor == nil {
		return "", attest.Claims{}, apperrors.New(apperrors.CodeAttestationNotConfigured, "attestation signing is not configured")
	}
	summary, err := s.Posture(ctx, scopeID, point)
	if err != nil {
		return "", attest.Claims{}, err
	}
	return s.attestor.Issue(summary)
}
