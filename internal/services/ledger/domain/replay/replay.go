// Package replay folds a scope's journal through an applier, resuming from
// stored checkpoints.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

const defaultPageSize = 200

var (
	// ErrEventStoreRequired indicates a missing event store.
	ErrEventStoreRequired = errors.New("event store is required")
	// ErrCheckpointStoreRequired indicates a missing checkpoint store.
	ErrCheckpointStoreRequired = errors.New("checkpoint store is required")
	// ErrApplierRequired indicates a missing applier.
	ErrApplierRequired = errors.New("applier is required")
	// ErrScopeIDRequired indicates a missing scope id.
	ErrScopeIDRequired = errors.New("scope id is required")
	// ErrCheckpointNotFound indicates no checkpoint exists yet.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// EventStore lists events for replay.
type EventStore interface {
	ListEvents(ctx context.Context, scopeID string, afterSeq uint64, limit int) ([]event.Event, error)
}

// CheckpointStore manages replay checkpoints.
type CheckpointStore interface {
	Get(ctx context.Context, scopeID string) (Checkpoint, error)
	Save(ctx context.Context, checkpoint Checkpoint) error
}

// Applier applies one event to replay state and returns the next state.
type Applier interface {
	Apply(ctx context.Context, state any, evt event.Event) (any, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, state any, evt event.Event) (any, error)

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, state any, evt event.Event) (any, error) {
	return f(ctx, state, evt)
}

// Checkpoint captures the last applied sequence for a scope.
type Checkpoint struct {
	ScopeID   string
	LastSeq   uint64
	UpdatedAt time.Time
}

// Options configures replay behavior.
//
// Filter skips events without breaking the sequence check; skipped events
// still advance LastSeq.
type Options struct {
	AfterSeq uint64
	UntilSeq uint64
	PageSize int
	Filter   func(event.Event) bool
}

// Result captures replay outcomes.
type Result struct {
	State   any
	LastSeq uint64
	Applied int
}

// GapError reports a hole in the journal found during replay.
type GapError struct {
	ScopeID  string
	Expected uint64
	Got      uint64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("scope %s: event sequence gap: expected %d got %d", e.ScopeID, e.Expected, e.Got)
}

// Replay replays events in order and updates checkpoints after each apply.
func Replay(ctx context.Context, store EventStore, checkpoints CheckpointStore, applier Applier, scopeID string, state any, options Options) (Result, error) {
	if store == nil {
		return Result{}, ErrEventStoreRequired
	}
	if checkpoints == nil {
		return Result{}, ErrCheckpointStoreRequired
	}
	if applier == nil {
		return Result{}, ErrApplierRequired
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return Result{}, ErrScopeIDRequired
	}

	checkpointSeq := uint64(0)
	checkpoint, err := checkpoints.Get(ctx, scopeID)
	if err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			return Result{}, err
		}
	} else {
		checkpointSeq = checkpoint.LastSeq
	}

	lastSeq := max(options.AfterSeq, checkpointSeq)
	pageSize := options.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	result := Result{State: state, LastSeq: lastSeq}
	if options.UntilSeq > 0 && result.LastSeq >= options.UntilSeq {
		return result, nil
	}
	for {
		events, err := store.ListEvents(ctx, scopeID, result.LastSeq, pageSize)
		if err != nil {
			return result, err
		}
		if len(events) == 0 {
			return result, nil
		}
		for _, evt := range events {
			if options.UntilSeq > 0 && evt.Seq > options.UntilSeq {
				return result, nil
			}
			expectedSeq := result.LastSeq + 1
			if evt.Seq != expectedSeq {
				return result, &GapError{ScopeID: scopeID, Expected: expectedSeq, Got: evt.Seq}
			}
			if options.Filter == nil || options.Filter(evt) {
				nextState, err := applier.Apply(ctx, result.State, evt)
				if err != nil {
					return result, err
				}
				result.State = nextState
				result.Applied++
			}
			result.LastSeq = evt.Seq
			if err := checkpoints.Save(ctx, Checkpoint{ScopeID: scopeID, LastSeq: result.LastSeq, UpdatedAt: time.Now().UTC()}); err != nil {
				return result, err
			}
		}
	}
}
