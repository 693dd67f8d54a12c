package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

func outboxRow(t *testing.T, store *Store, scopeID string, seq uint64) ProjectionApplyOutboxEntry {
	t.Helper()
	entries, err := store.ListProjectionApplyOutboxRows(context.Background(), "", 100)
	if err != nil {
		t.Fatalf("list outbox rows: %v", err)
	}
	for _, entry := range entries {
		if entry.ScopeID == scopeID && entry.Seq == seq {
			return entry
		}
	}
	t.Fatalf("outbox row %s/%d not found", scopeID, seq)
	return ProjectionApplyOutboxEntry{}
}

func TestAppendEvent_EnqueuesOutboxOnlyWhenEnabled(t *testing.T) {
	disabled := openTestEventsStore(t)
	appendObserved(t, disabled, "acct-1", 1)
	summary, err := disabled.GetProjectionApplyOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.PendingCount != 0 {
		t.Fatalf("pending = %d with outbox disabled", summary.PendingCount)
	}

	enabled := openTestEventsStoreWithOutbox(t)
	appendObserved(t, enabled, "acct-1", 2)
	summary, err = enabled.GetProjectionApplyOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.PendingCount != 2 || summary.OldestPendingScopeID != "acct-1" || summary.OldestPendingSeq != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	entry := outboxRow(t, enabled, "acct-1", 2)
	if entry.Status != OutboxStatusPending || entry.EventType != "resource.observed" {
		t.Fatalf("unexpected outbox row %+v", entry)
	}
}

func TestProcessProjectionApplyOutbox_AppliesInOrderAndDeletesRows(t *testing.T) {
	store := openTestEventsStoreWithOutbox(t)
	appendObserved(t, store, "acct-1", 3)

	var applied []uint64
	processed, err := store.ProcessProjectionApplyOutbox(context.Background(), testNow.Add(time.Second), 10,
		func(_ context.Context, evt event.Event) error {
			applied = append(applied, evt.Seq)
			return nil
		})
	if err != nil {
		t.Fatalf("process outbox: %v", err)
	}
	if processed != 3 || len(applied) != 3 || applied[0] != 1 || applied[2] != 3 {
		t.Fatalf("processed %d applied %v", processed, applied)
	}
	entries, err := store.ListProjectionApplyOutboxRows(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("list outbox rows: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty outbox, got %+v", entries)
	}
}

func TestProcessProjectionApplyOutbox_RetriesWithBackoffThenDeadLetters(t *testing.T) {
	store := openTestEventsStoreWithOutbox(t)
	appendObserved(t, store, "acct-1", 1)
	failing := func(context.Context, event.Event) error { return errors.New("projection offline") }

	now := testNow.Add(time.Second)
	processed, err := store.ProcessProjectionApplyOutbox(context.Background(), now, 10, failing)
	if err != nil || processed != 1 {
		t.Fatalf("first attempt processed %d, %v", processed, err)
	}
	entry := outboxRow(t, store, "acct-1", 1)
	if entry.Status != OutboxStatusFailed || entry.AttemptCount != 1 || !strings.Contains(entry.LastError, "projection offline") {
		t.Fatalf("unexpected row after failure %+v", entry)
	}
	if !entry.NextAttemptAt.Equal(now.Add(time.Second)) {
		t.Fatalf("next attempt = %v, want %v", entry.NextAttemptAt, now.Add(time.Second))
	}

	// Not due yet.
	processed, err = store.ProcessProjectionApplyOutbox(context.Background(), now, 10, failing)
	if err != nil || processed != 0 {
		t.Fatalf("early attempt processed %d, %v", processed, err)
	}

	for attempt := 2; attempt <= outboxDeadLetterThreshold; attempt++ {
		now = now.Add(outboxMaxBackoff)
		if _, err := store.ProcessProjectionApplyOutbox(context.Background(), now, 10, failing); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}
	entry = outboxRow(t, store, "acct-1", 1)
	if entry.Status != OutboxStatusDead || entry.AttemptCount != outboxDeadLetterThreshold {
		t.Fatalf("expected dead row after %d attempts, got %+v", outboxDeadLetterThreshold, entry)
	}
	processed, err = store.ProcessProjectionApplyOutbox(context.Background(), now.Add(time.Hour), 10, failing)
	if err != nil || processed != 0 {
		t.Fatalf("dead row was reprocessed: %d, %v", processed, err)
	}

	summary, err := store.GetProjectionApplyOutboxSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.DeadCount != 1 || summary.PendingCount != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	requeued, err := store.RequeueProjectionApplyOutboxRow(context.Background(), "acct-1", 1, now)
	if err != nil || !requeued {
		t.Fatalf("requeue = %v, %v", requeued, err)
	}
	entry = outboxRow(t, store, "acct-1", 1)
	if entry.Status != OutboxStatusPending || entry.AttemptCount != 0 || entry.LastError != "" {
		t.Fatalf("unexpected requeued row %+v", entry)
	}
	requeued, err = store.RequeueProjectionApplyOutboxRow(context.Background(), "acct-1", 1, now)
	if err != nil || requeued {
		t.Fatalf("requeue of pending row = %v, %v; want false", requeued, err)
	}
}

func TestProcessProjectionApplyOutbox_ReclaimsExpiredLease(t *testing.T) {
	store := openTestEventsStoreWithOutbox(t)
	appendObserved(t, store, "acct-1", 1)

	claimed, err := store.claimProjectionApplyOutboxDue(context.Background(), testNow, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim = %v, %v", claimed, err)
	}
	processed, err := store.ProcessProjectionApplyOutbox(context.Background(), testNow.Add(time.Minute), 10,
		func(context.Context, event.Event) error { return nil })
	if err != nil || processed != 0 {
		t.Fatalf("row under lease was processed: %d, %v", processed, err)
	}
	processed, err = store.ProcessProjectionApplyOutbox(context.Background(), testNow.Add(outboxProcessingLease), 10,
		func(context.Context, event.Event) error { return nil })
	if err != nil || processed != 1 {
		t.Fatalf("expired lease processed %d, %v", processed, err)
	}
}

func TestRequeueProjectionApplyOutboxDeadRows(t *testing.T) {
	store := openTestEventsStoreWithOutbox(t)
	appendObserved(t, store, "acct-1", 3)
	if _, err := store.sqlDB.ExecContext(context.Background(),
		`UPDATE projection_apply_outbox SET status = 'dead', attempt_count = 8`); err != nil {
		t.Fatalf("mark dead: %v", err)
	}

	moved, err := store.RequeueProjectionApplyOutboxDeadRows(context.Background(), 2, testNow)
	if err != nil || moved != 2 {
		t.Fatalf("requeue dead rows = %d, %v; want 2", moved, err)
	}
	dead, err := store.ListProjectionApplyOutboxRows(context.Background(), "DEAD", 10)
	if err != nil || len(dead) != 1 {
		t.Fatalf("remaining dead rows = %+v, %v", dead, err)
	}
	if _, err := store.ListProjectionApplyOutboxRows(context.Background(), "stuck", 10); err == nil {
		t.Fatal("expected invalid status error")
	}
	if _, err := store.RequeueProjectionApplyOutboxDeadRows(context.Background(), 0, testNow); err == nil {
		t.Fatal("expected limit error")
	}
}

func TestOutboxRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 8, want: 128 * time.Second},
		{attempt: 9, want: 256 * time.Second},
		{attempt: 10, want: outboxMaxBackoff},
		{attempt: 40, want: outboxMaxBackoff},
	}
	for _, tt := range tests {
		if got := outboxRetryBackoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
