package projection

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/journal"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

var testEpoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func openTestProjections(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.OpenProjections(context.Background(), filepath.Join(t.TempDir(), "projections.sqlite"))
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

func newTestJournal(t *testing.T) *journal.Memory {
	t.Helper()
	registry, err := facts.NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return journal.NewMemory(registry)
}

// history appends events to one scope of a journal with increasing timestamps.
type history struct {
	t       *testing.T
	journal *journal.Memory
	scope   string
	events  []event.Event
}

func newHistory(t *testing.T, j *journal.Memory, scope string) *history {
	return &history{t: t, journal: j, scope: scope}
}

func (h *history) add(typ event.Type, payload any) *history {
	h.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal payload: %v", err)
	}
	stored, err := h.journal.AppendEvent(context.Background(), event.Event{
		ScopeID:     h.scope,
		Type:        typ,
		Timestamp:   testEpoch.Add(time.Duration(len(h.events)+1) * time.Minute),
		ActorType:   event.ActorTypeUser,
		ActorID:     "auditor",
		PayloadJSON: data,
	})
	if err != nil {
		h.t.Fatalf("append %s: %v", typ, err)
	}
	h.events = append(h.events, stored)
	return h
}

func (h *history) at(seq int) time.Time {
	return testEpoch.Add(time.Duration(seq) * time.Minute)
}

// seedScope records one of every event type for scope.
func seedScope(t *testing.T, j *journal.Memory, scope string) *history {
	t.Helper()
	expires := testEpoch.Add(30 * 24 * time.Hour)
	return newHistory(t, j, scope).
		add(facts.EventTypeScopeCreated, facts.ScopeCreatedPayload{Name: "Production", Frameworks: []string{"soc2"}}).
		add(facts.EventTypeControlRegistered, facts.ControlRegisteredPayload{ControlID: "cc6.1", Title: "MFA", ResourceKinds: []string{"account"}}).
		add(facts.EventTypeControlRegistered, facts.ControlRegisteredPayload{ControlID: "cc7.2", Title: "Logging"}).
		add(facts.EventTypeResourceObserved, facts.ResourceObservedPayload{ResourceID: "user-1", Kind: "account", Attributes: map[string]any{"mfa": false}}).
		add(facts.EventTypeResourceObserved, facts.ResourceObservedPayload{ResourceID: "user-2", Kind: "account"}).
		add(facts.EventTypeEvidenceAttached, facts.EvidenceAttachedPayload{EvidenceID: "ev-1", ControlID: "cc6.1", Digest: strings.Repeat("cd", 32)}).
		add(facts.EventTypeControlEvaluated, facts.ControlEvaluatedPayload{ControlID: "cc6.1", ResourceID: "user-1", Result: facts.ResultFail, EvidenceIDs: []string{"ev-1"}}).
		add(facts.EventTypeExceptionGranted, facts.ExceptionGrantedPayload{ExceptionID: "ex-1", ControlID: "cc6.1", ResourceID: "user-1", Justification: "rollout", Approver: "ciso", ExpiresAt: &expires}).
		add(facts.EventTypeExceptionRevoked, facts.ExceptionRevokedPayload{ExceptionID: "ex-1", Reason: "fixed"}).
		add(facts.EventTypeResourceRemoved, facts.ResourceRemovedPayload{ResourceID: "user-2"}).
		add(facts.EventTypeControlRetired, facts.ControlRetiredPayload{ControlID: "cc7.2", Reason: "merged"})
}
