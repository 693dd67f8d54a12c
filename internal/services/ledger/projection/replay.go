package projection

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/checkpoint"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/replay"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

// EventApplier applies one journal event to read models.
type EventApplier interface {
	Apply(ctx context.Context, evt event.Event) error
}

// ReplayOptions bounds a projection replay.
type ReplayOptions struct {
	AfterSeq uint64
	UntilSeq uint64
	Filter   func(event.Event) bool
}

// ReplayScope replays a scope's journal through applier. Progress is recorded
// in checkpoints, so an interrupted replay resumes where it stopped.
func ReplayScope(
	ctx context.Context,
	events replay.EventStore,
	checkpoints replay.CheckpointStore,
	applier EventApplier,
	scopeID string,
	options ReplayOptions,
) (uint64, error) {
	if applier == nil {
		return 0, replay.ErrApplierRequired
	}
	result, err := replay.Replay(ctx, events, checkpoints,
		replay.ApplierFunc(func(ctx context.Context, state any, evt event.Event) (any, error) {
			return state, applier.Apply(ctx, evt)
		}),
		scopeID, nil,
		replay.Options{AfterSeq: options.AfterSeq, UntilSeq: options.UntilSeq, Filter: options.Filter},
	)
	return result.LastSeq, err
}

// WatermarkCheckpoints exposes projection watermarks as replay checkpoints.
type WatermarkCheckpoints struct {
	Watermarks storage.WatermarkStore
}

// Get returns the applied sequence of the scope watermark.
func (c WatermarkCheckpoints) Get(ctx context.Context, scopeID string) (replay.Checkpoint, error) {
	wm, err := c.Watermarks.GetProjectionWatermark(ctx, scopeID)
	if errors.Is(err, storage.ErrNotFound) {
		return replay.Checkpoint{}, replay.ErrCheckpointNotFound
	}
	if err != nil {
		return replay.Checkpoint{}, err
	}
	return replay.Checkpoint{ScopeID: wm.ScopeID, LastSeq: wm.AppliedSeq, UpdatedAt: wm.UpdatedAt}, nil
}

// Save records checkpoint as the scope watermark.
func (c WatermarkCheckpoints) Save(ctx context.Context, checkpoint replay.Checkpoint) error {
	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return c.Watermarks.SaveProjectionWatermark(ctx, storage.ProjectionWatermark{
		ScopeID:         checkpoint.ScopeID,
		AppliedSeq:      checkpoint.LastSeq,
		ExpectedNextSeq: checkpoint.LastSeq + 1,
		UpdatedAt:       updatedAt,
	})
}

// RebuildStore drops and reapplies read models for one scope.
type RebuildStore interface {
	ResetScopeProjections(ctx context.Context, scopeID string) error
}

// RebuildScope resets a scope's read models and replays its whole journal
// through processor.
func RebuildScope(ctx context.Context, events replay.EventStore, reset RebuildStore, processor Processor, scopeID string) (uint64, error) {
	if err := reset.ResetScopeProjections(ctx, scopeID); err != nil {
		return 0, err
	}
	return ReplayScope(ctx, events, processor.checkpoints(), processor, scopeID, ReplayOptions{})
}

// RepairGap replays the events a scope's read models are missing. Events
// already applied are skipped by the exactly-once checkpoints.
func RepairGap(ctx context.Context, events replay.EventStore, processor Processor, gap ProjectionGap) (uint64, error) {
	return ReplayScope(ctx, events, processor.checkpoints(), processor, gap.ScopeID,
		ReplayOptions{AfterSeq: gap.WatermarkSeq})
}

func (p Processor) checkpoints() replay.CheckpointStore {
	if p.Watermarks == nil {
		return checkpoint.NewNoop()
	}
	return WatermarkCheckpoints{Watermarks: p.Watermarks}
}
