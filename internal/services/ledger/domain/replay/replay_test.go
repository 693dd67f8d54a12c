package replay_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/checkpoint"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/journal"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/replay"
)

type sliceStore struct {
	events []event.Event
	calls  int
}

func (s *sliceStore) ListEvents(_ context.Context, _ string, afterSeq uint64, limit int) ([]event.Event, error) {
	s.calls++
	var out []event.Event
	for _, evt := range s.events {
		if evt.Seq > afterSeq {
			out = append(out, evt)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func seedJournal(t *testing.T, n int) *journal.Memory {
	t.Helper()
	registry, err := facts.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := journal.NewMemory(registry)
	start := time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		_, err := store.AppendEvent(context.Background(), event.Event{
			ScopeID:     "acct-1",
			Type:        facts.EventTypeResourceObserved,
			Timestamp:   start.Add(time.Duration(i) * time.Second),
			ActorType:   event.ActorTypeCollector,
			ActorID:     "scanner",
			PayloadJSON: []byte(fmt.Sprintf(`{"resource_id":"vm-%d","kind":"vm"}`, i)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return store
}

var foldApplier = replay.ApplierFunc(func(_ context.Context, state any, evt event.Event) (any, error) {
	return posture.Fold(state.(posture.State), evt)
})

func TestReplay_FoldsAllEventsAcrossPages(t *testing.T) {
	store := seedJournal(t, 5)
	result, err := replay.Replay(context.Background(), store, checkpoint.NewNoop(), foldApplier, "acct-1", posture.New("acct-1"), replay.Options{PageSize: 2})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.LastSeq != 5 || result.Applied != 5 {
		t.Fatalf("result = %+v", result)
	}
	state := result.State.(posture.State)
	if len(state.Resources) != 5 || state.LastSeq != 5 {
		t.Fatalf("state resources = %d, last seq = %d", len(state.Resources), state.LastSeq)
	}
}

func TestReplay_StopsAtUntilSeq(t *testing.T) {
	store := seedJournal(t, 5)
	result, err := replay.Replay(context.Background(), store, checkpoint.NewNoop(), foldApplier, "acct-1", posture.New("acct-1"), replay.Options{UntilSeq: 3})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.LastSeq != 3 || result.State.(posture.State).LastSeq != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestReplay_ResumesFromCheckpoint(t *testing.T) {
	store := seedJournal(t, 4)
	checkpoints := checkpoint.NewMemory()
	ctx := context.Background()
	if err := checkpoints.Save(ctx, replay.Checkpoint{ScopeID: "acct-1", LastSeq: 2}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	var seen []uint64
	applier := replay.ApplierFunc(func(_ context.Context, state any, evt event.Event) (any, error) {
		seen = append(seen, evt.Seq)
		return state, nil
	})
	result, err := replay.Replay(ctx, store, checkpoints, applier, "acct-1", nil, replay.Options{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Applied != 2 || len(seen) != 2 || seen[0] != 3 {
		t.Fatalf("applied = %d, seen = %v", result.Applied, seen)
	}
	saved, err := checkpoints.Get(ctx, "acct-1")
	if err != nil || saved.LastSeq != 4 {
		t.Fatalf("checkpoint = %+v, %v", saved, err)
	}
}

func TestReplay_DetectsSequenceGap(t *testing.T) {
	store := &sliceStore{events: []event.Event{{ScopeID: "acct-1", Seq: 1}, {ScopeID: "acct-1", Seq: 3}}}
	applier := replay.ApplierFunc(func(_ context.Context, state any, _ event.Event) (any, error) { return state, nil })

	result, err := replay.Replay(context.Background(), store, checkpoint.NewNoop(), applier, "acct-1", nil, replay.Options{})
	var gap *replay.GapError
	if !errors.As(err, &gap) {
		t.Fatalf("error = %v, want gap error", err)
	}
	if gap.Expected != 2 || gap.Got != 3 || result.LastSeq != 1 {
		t.Fatalf("gap = %+v, last seq = %d", gap, result.LastSeq)
	}
}

func TestReplay_FilterSkipsButAdvances(t *testing.T) {
	store := seedJournal(t, 3)
	applier := replay.ApplierFunc(func(_ context.Context, state any, _ event.Event) (any, error) { return state, nil })
	result, err := replay.Replay(context.Background(), store, checkpoint.NewNoop(), applier, "acct-1", nil, replay.Options{
		Filter: func(evt event.Event) bool { return evt.Seq%2 == 1 },
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if result.Applied != 2 || result.LastSeq != 3 {
		t.Fatalf("result = %+v", result)
	}
}

func TestReplay_PropagatesApplyError(t *testing.T) {
	store := seedJournal(t, 2)
	boom := errors.New("boom")
	applier := replay.ApplierFunc(func(_ context.Context, state any, evt event.Event) (any, error) {
		if evt.Seq == 2 {
			return state, boom
		}
		return state, nil
	})
	result, err := replay.Replay(context.Background(), store, checkpoint.NewNoop(), applier, "acct-1", nil, replay.Options{})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if result.LastSeq != 1 {
		t.Fatalf("last seq = %d, want 1", result.LastSeq)
	}
}

func TestReplay_ValidatesArguments(t *testing.T) {
	store := &sliceStore{}
	applier := replay.ApplierFunc(func(_ context.Context, state any, _ event.Event) (any, error) { return state, nil })
	tests := []struct {
		name    string
		store   replay.EventStore
		cps     replay.CheckpointStore
		applier replay.Applier
		scope   string
		want    error
	}{
		{"store", nil, checkpoint.NewNoop(), applier, "acct-1", replay.ErrEventStoreRequired},
		{"checkpoints", store, nil, applier, "acct-1", replay.ErrCheckpointStoreRequired},
		{"applier", store, checkpoint.NewNoop(), nil, "acct-1", replay.ErrApplierRequired},
		{"scope", store, checkpoint.NewNoop(), applier, "  ", replay.ErrScopeIDRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := replay.Replay(context.Background(), tt.store, tt.cps, tt.applier, tt.scope, nil, replay.Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}
