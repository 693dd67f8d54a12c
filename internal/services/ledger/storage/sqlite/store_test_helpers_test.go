package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

var testNow = time.Date(2026, 2, 16, 2, 0, 0, 0, time.UTC)

func testKeyring(t *testing.T) *integrity.Keyring {
	t.Helper()
	keyring, err := integrity.NewKeyring(
		map[string][]byte{"test-key-1": []byte("0123456789abcdef0123456789abcdef")},
		"test-key-1",
	)
	if err != nil {
		t.Fatalf("create test keyring: %v", err)
	}
	return keyring
}

func openTestEventsStore(t *testing.T, opts ...OpenEventsOption) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.sqlite")
	registry, err := facts.NewRegistry()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	opts = append([]OpenEventsOption{WithClock(func() time.Time { return testNow })}, opts...)
	store, err := OpenEvents(context.Background(), path, testKeyring(t), registry, opts...)
	if err != nil {
		t.Fatalf("open events store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close events store: %v", err)
		}
	})
	return store
}

func openTestEventsStoreWithOutbox(t *testing.T) *Store {
	t.Helper()
	return openTestEventsStore(t, WithProjectionApplyOutboxEnabled(true))
}

func openTestProjectionsStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projections.sqlite")
	store, err := OpenProjections(context.Background(), path)
	if err != nil {
		t.Fatalf("open projections store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close projections store: %v", err)
		}
	})
	return store
}

func observedEvent(scopeID, resourceID string, at time.Time) event.Event {
	return event.Event{
		ScopeID:     scopeID,
		Type:        facts.EventTypeResourceObserved,
		Timestamp:   at,
		ActorType:   event.ActorTypeCollector,
		ActorID:     "scanner",
		PayloadJSON: []byte(fmt.Sprintf(`{"resource_id":%q,"kind":"vm"}`, resourceID)),
	}
}

func appendObserved(t *testing.T, store *Store, scopeID string, n int) []event.Event {
	t.Helper()
	stored := make([]event.Event, 0, n)
	for i := range n {
		evt, err := store.AppendEvent(context.Background(),
			observedEvent(scopeID, fmt.Sprintf("vm-%d", i+1), testNow.Add(time.Duration(i)*time.Minute)))
		if err != nil {
			t.Fatalf("append event %d: %v", i+1, err)
		}
		stored = append(stored, evt)
	}
	return stored
}
