// Package checkpoint provides replay checkpoint stores.
package checkpoint

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/replay"
)

var (
	// ErrScopeIDRequired indicates a missing scope id.
	ErrScopeIDRequired = errors.New("scope id is required")
)

// Memory stores checkpoints in memory, with an optional folded posture state
// per scope.
type Memory struct {
	mu          sync.Mutex
	checkpoints map[string]replay.Checkpoint
	states      map[string]posture.State
}

// NewMemory creates a new in-memory checkpoint store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string]replay.Checkpoint),
		states:      make(map[string]posture.State),
	}
}

// Get retrieves a checkpoint by scope id.
func (m *Memory) Get(ctx context.Context, scopeID string) (replay.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return replay.Checkpoint{}, err
	}
	if m == nil {
		return replay.Checkpoint{}, replay.ErrCheckpointStoreRequired
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return replay.Checkpoint{}, ErrScopeIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint, ok := m.checkpoints[scopeID]
	if !ok {
		return replay.Checkpoint{}, replay.ErrCheckpointNotFound
	}
	return checkpoint, nil
}

// Save persists a checkpoint.
func (m *Memory) Save(ctx context.Context, checkpoint replay.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return replay.ErrCheckpointStoreRequired
	}
	scopeID := strings.TrimSpace(checkpoint.ScopeID)
	if scopeID == "" {
		return ErrScopeIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint.ScopeID = scopeID
	m.checkpoints[scopeID] = checkpoint
	return nil
}

// GetState returns a copy of the stored state of a scope and the sequence it
// was folded to.
func (m *Memory) GetState(ctx context.Context, scopeID string) (posture.State, uint64, error) {
	if err := ctx.Err(); err != nil {
		return posture.State{}, 0, err
	}
	if m == nil {
		return posture.State{}, 0, replay.ErrCheckpointStoreRequired
	}
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return posture.State{}, 0, ErrScopeIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[scopeID]
	if !ok {
		return posture.State{}, 0, replay.ErrCheckpointNotFound
	}
	return state.Clone(), state.LastSeq, nil
}

// SaveState stores a copy of state and moves the checkpoint to its sequence.
func (m *Memory) SaveState(ctx context.Context, state posture.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m == nil {
		return replay.ErrCheckpointStoreRequired
	}
	scopeID := strings.TrimSpace(state.ScopeID)
	if scopeID == "" {
		return ErrScopeIDRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[scopeID] = state.Clone()
	m.checkpoints[scopeID] = replay.Checkpoint{ScopeID: scopeID, LastSeq: state.LastSeq, UpdatedAt: state.LastEventAt}
	return nil
}
