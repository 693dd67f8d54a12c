package journal

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
)

// Memory is a mutex-guarded journal kept entirely in memory.
type Memory struct {
	mu       sync.Mutex
	registry *event.Registry
	keyring  *integrity.Keyring
	now      func() time.Time
	scopes   map[string][]event.Event
	byHash   map[string]event.Event
}

// MemoryOption configures a Memory journal.
type MemoryOption func(*Memory)

// WithKeyring signs appended events.
func WithKeyring(ring *integrity.Keyring) MemoryOption {
	return func(m *Memory) { m.keyring = ring }
}

// WithClock overrides the clock used for events without a timestamp.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty journal validating against registry.
func NewMemory(registry *event.Registry, opts ...MemoryOption) *Memory {
	m := &Memory{
		registry: registry,
		now:      time.Now,
		scopes:   make(map[string][]event.Event),
		byHash:   make(map[string]event.Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AppendEvent validates, sequences and seals evt.
func (m *Memory) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.appendLocked(evt)
	if err != nil {
		return event.Event{}, err
	}
	return stored, nil
}

// BatchAppendEvents appends events of one scope atomically.
func (m *Memory) BatchAppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	scopeID := event.NormalizeID(events[0].ScopeID)
	for _, evt := range events[1:] {
		if event.NormalizeID(evt.ScopeID) != scopeID {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "batch events must share one scope")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	savedScope := slices.Clone(m.scopes[scopeID])
	var added []string
	rollback := func() {
		if savedScope == nil {
			delete(m.scopes, scopeID)
		} else {
			m.scopes[scopeID] = savedScope
		}
		for _, hash := range added {
			delete(m.byHash, hash)
		}
	}

	stored := make([]event.Event, 0, len(events))
	for _, evt := range events {
		before := len(m.scopes[scopeID])
		out, err := m.appendLocked(evt)
		if err != nil {
			rollback()
			return nil, err
		}
		if len(m.scopes[scopeID]) > before {
			added = append(added, out.Hash)
		}
		stored = append(stored, out)
	}
	return stored, nil
}

func (m *Memory) appendLocked(evt event.Event) (event.Event, error) {
	validated, err := m.registry.ValidateForAppend(evt)
	if err != nil {
		return event.Event{}, err
	}
	hash, err := ResubmissionHash(validated)
	if err != nil {
		return event.Event{}, err
	}
	if existing, ok := m.byHash[hash]; ok && hash != "" {
		return existing, nil
	}

	head := Head{}
	if scoped := m.scopes[validated.ScopeID]; len(scoped) > 0 {
		head = HeadOf(scoped[len(scoped)-1])
	}
	next, err := Next(m.keyring, validated, head, m.now())
	if err != nil {
		return event.Event{}, err
	}
	if existing, ok := m.byHash[next.Hash]; ok {
		return existing, nil
	}
	m.scopes[next.ScopeID] = append(m.scopes[next.ScopeID], next)
	m.byHash[next.Hash] = next
	return next, nil
}

// GetEventByHash returns the event stored under a content hash.
func (m *Memory) GetEventByHash(ctx context.Context, hash string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	evt, ok := m.byHash[strings.TrimSpace(hash)]
	if !ok {
		return event.Event{}, storage.ErrNotFound
	}
	return evt, nil
}

// GetEventBySeq returns one event of a scope.
func (m *Memory) GetEventBySeq(ctx context.Context, scopeID string, seq uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scoped := m.scopes[event.NormalizeID(scopeID)]
	if seq == 0 || seq > uint64(len(scoped)) {
		return event.Event{}, storage.ErrNotFound
	}
	return scoped[seq-1], nil
}

// ListEvents returns up to limit events after afterSeq.
func (m *Memory) ListEvents(ctx context.Context, scopeID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scoped := m.scopes[event.NormalizeID(scopeID)]
	if afterSeq >= uint64(len(scoped)) {
		return []event.Event{}, nil
	}
	end := min(int(afterSeq)+limit, len(scoped))
	return slices.Clone(scoped[afterSeq:end]), nil
}

// GetLatestEventSeq returns the head sequence of a scope.
func (m *Memory) GetLatestEventSeq(ctx context.Context, scopeID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.scopes[event.NormalizeID(scopeID)])), nil
}

// ListScopeIDs returns every scope with at least one event.
func (m *Memory) ListScopeIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.scopes))
	for id := range m.scopes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

var _ storage.EventStore = (*Memory)(nil)
