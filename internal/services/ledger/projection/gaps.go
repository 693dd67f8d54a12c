package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

// ProjectionGap describes a scope whose read models trail its journal.
type ProjectionGap struct {
	ScopeID      string
	WatermarkSeq uint64
	JournalSeq   uint64
}

// JournalHeads reports the journal head of every scope.
type JournalHeads interface {
	ListScopeIDs(ctx context.Context) ([]string, error)
	GetLatestEventSeq(ctx context.Context, scopeID string) (uint64, error)
}

// DetectProjectionGaps compares each scope's watermark with its journal head.
// A scope with events and no watermark is a gap from zero.
func DetectProjectionGaps(ctx context.Context, watermarks storage.WatermarkStore, journal JournalHeads) ([]ProjectionGap, error) {
	if watermarks == nil || journal == nil {
		return nil, fmt.Errorf("watermark store and journal are required")
	}
	scopeIDs, err := journal.ListScopeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scope ids: %w", err)
	}

	var gaps []ProjectionGap
	for _, scopeID := range scopeIDs {
		head, err := journal.GetLatestEventSeq(ctx, scopeID)
		if err != nil {
			return nil, fmt.Errorf("latest seq scope_id=%s: %w", scopeID, err)
		}
		var applied uint64
		wm, err := watermarks.GetProjectionWatermark(ctx, scopeID)
		switch {
		case err == nil:
			applied = wm.AppliedSeq
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, fmt.Errorf("get watermark scope_id=%s: %w", scopeID, err)
		}
		if applied < head {
			gaps = append(gaps, ProjectionGap{ScopeID: scopeID, WatermarkSeq: applied, JournalSeq: head})
		}
	}
	return gaps, nil
}
