package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

// ExactlyOnceStore applies an event to projections at most once per (scope, seq).
type ExactlyOnceStore interface {
	ApplyProjectionEventExactlyOnce(
		ctx context.Context,
		evt event.Event,
		apply func(context.Context, event.Event, storage.ProjectionStore) error,
	) (bool, error)
}

// Processor applies events exactly once and keeps per-scope watermarks.
type Processor struct {
	Applier    Applier
	Store      ExactlyOnceStore
	Watermarks storage.WatermarkStore
	Now        func() time.Time
}

// Apply projects evt inside an exactly-once transaction and advances the
// scope watermark. An event that was already applied still advances the
// watermark so a replay can close a gap.
func (p Processor) Apply(ctx context.Context, evt event.Event) error {
	if p.Store == nil {
		return fmt.Errorf("projection exactly-once store is not configured")
	}
	if _, err := p.Store.ApplyProjectionEventExactlyOnce(ctx, evt,
		func(ctx context.Context, evt event.Event, projections storage.ProjectionStore) error {
			return p.Applier.WithStore(projections).Apply(ctx, evt)
		},
	); err != nil {
		return fmt.Errorf("apply %s %s/%d: %w", evt.Type, evt.ScopeID, evt.Seq, err)
	}
	return p.advanceWatermark(ctx, evt.ScopeID, evt.Seq)
}

// advanceWatermark moves applied_seq forward only across contiguous
// sequences. An event past expected_next_seq leaves the watermark waiting for
// the missing events.
func (p Processor) advanceWatermark(ctx context.Context, scopeID string, seq uint64) error {
	if p.Watermarks == nil {
		return nil
	}
	wm, err := p.Watermarks.GetProjectionWatermark(ctx, scopeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get projection watermark: %w", err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		wm = storage.ProjectionWatermark{ScopeID: scopeID, ExpectedNextSeq: 1}
	}
	if seq != wm.ExpectedNextSeq {
		return nil
	}
	wm.AppliedSeq = seq
	wm.ExpectedNextSeq = seq + 1
	wm.UpdatedAt = p.now()
	if err := p.Watermarks.SaveProjectionWatermark(ctx, wm); err != nil {
		return fmt.Errorf("save projection watermark: %w", err)
	}
	return nil
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
