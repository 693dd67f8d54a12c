package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

// Outbox worker defaults.
const (
	defaultOutboxInterval = time.Second
	defaultOutboxBatch    = 64
)

// projectionApplyOutboxProcessor claims due outbox rows and runs apply for
// each stored event, recording retries and dead letters.
type projectionApplyOutboxProcessor interface {
	ProcessProjectionApplyOutbox(context.Context, time.Time, int, func(context.Context, event.Event) error) (int, error)
}

type projectionApplier interface {
	Apply(ctx context.Context, evt event.Event) error
}

type eventPublisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

type snapshotCapturer interface {
	MaybeCapture(ctx context.Context, scopeID string, seq uint64) (bool, error)
}

// buildOutboxApply returns the per-event outbox callback. Only projection
// failures are returned; the row is retried and the processor skips events
// it already applied. Publishing and snapshot capture are best effort.
func buildOutboxApply(projections projectionApplier, publisher eventPublisher, snapshots snapshotCapturer, logger *zap.Logger) func(context.Context, event.Event) error {
	logger = logging.OrNop(logger)
	return func(ctx context.Context, evt event.Event) error {
		if err := projections.Apply(ctx, evt); err != nil {
			return err
		}
		if publisher != nil {
			if err := publisher.Publish(ctx, evt); err != nil {
				logger.Warn("publish event",
					zap.String("scope_id", evt.ScopeID),
					zap.Uint64("seq", evt.Seq),
					zap.Error(err),
				)
			}
		}
		if snapshots != nil {
			if _, err := snapshots.MaybeCapture(ctx, evt.ScopeID, evt.Seq); err != nil {
				logger.Warn("capture snapshot",
					zap.String("scope_id", evt.ScopeID),
					zap.Uint64("seq", evt.Seq),
					zap.Error(err),
				)
			}
		}
		return nil
	}
}

// outboxWorker drains the projection apply outbox on a fixed interval.
type outboxWorker struct {
	outbox   projectionApplyOutboxProcessor
	apply    func(context.Context, event.Event) error
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger
}

func newOutboxWorker(outbox projectionApplyOutboxProcessor, apply func(context.Context, event.Event) error, interval time.Duration, batch int, logger *zap.Logger) *outboxWorker {
	if interval <= 0 {
		interval = defaultOutboxInterval
	}
	if batch <= 0 {
		batch = defaultOutboxBatch
	}
	return &outboxWorker{
		outbox:   outbox,
		apply:    apply,
		interval: interval,
		batch:    batch,
		now:      time.Now,
		logger:   logging.OrNop(logger),
	}
}

// Run drains once immediately and then on every tick until ctx ends.
func (w *outboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes full batches back to back so a backlog clears within one
// tick.
func (w *outboxWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.outbox.ProcessProjectionApplyOutbox(ctx, w.now().UTC(), w.batch, w.apply)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("process projection apply outbox", zap.Error(err))
			}
			return
		}
		if processed > 0 {
			w.logger.Debug("processed projection apply outbox", zap.Int("rows", processed))
		}
		if processed < w.batch {
			return
		}
	}
}
