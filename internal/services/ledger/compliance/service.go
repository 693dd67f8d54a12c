// Package compliance is the write side of the ledger: it checks commands
// against the folded state of a scope and appends the resulting facts.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"go.uber.org/zap"
)

// Journal appends events.
type Journal interface {
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	BatchAppendEvents(ctx context.Context, events []event.Event) ([]event.Event, error)
}

// StateReader reconstructs scope state.
type StateReader interface {
	StateAt(ctx context.Context, scopeID string, point snapshot.Point) (snapshot.Result, error)
}

// Actor identifies who issues a command and the request it belongs to.
type Actor struct {
	Type          event.ActorType
	ID            string
	RequestID     string
	CorrelationID string
}

// Deps wires a Service.
type Deps struct {
	Journal Journal
	States  StateReader
	// Attestor signs posture summaries; nil disables Attest.
	Attestor *attest.Issuer
	Logger   *zap.Logger
	Now      func() time.Time
}

// Service executes compliance commands.
//
// Commands on one scope are serialized within the process so preconditions
// are checked against the state the new events extend.
type Service struct {
	journal  Journal
	states   StateReader
	attestor *attest.Issuer
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService builds a Service from deps.
func NewService(deps Deps) (*Service, error) {
	if deps.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if deps.States == nil {
		return nil, fmt.Errorf("state reader is required")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		journal:  deps.Journal,
		states:   deps.States,
		attestor: deps.Attestor,
		logger:   logging.OrNop(deps.Logger),
		now:      now,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// lockScope serializes commands for scopeID and returns the unlock func.
func (s *Service) lockScope(scopeID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[scopeID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[scopeID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// current returns the head state of a scope. A scope without events folds
// to the empty state.
func (s *Service) current(ctx context.Context, scopeID string) (posture.State, error) {
	result, err := s.states.StateAt(ctx, scopeID, snapshot.Point{})
	if apperrors.HasCode(err, apperrors.CodeScopeNotFound) {
		return posture.New(scopeID), nil
	}
	if err != nil {
		return posture.State{}, err
	}
	return result.State, nil
}

// existing returns the head state of a scope that must have been created.
func (s *Service) existing(ctx context.Context, scopeID string) (posture.State, error) {
	state, err := s.current(ctx, scopeID)
	if err != nil {
		return posture.State{}, err
	}
	if !state.Created {
		return posture.State{}, notFound(apperrors.CodeScopeNotFound, "scope", scopeID)
	}
	return state, nil
}

func (s *Service) newEvent(actor Actor, scopeID string, typ event.Type, payload any) (event.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return event.Event{
		ScopeID:       scopeID,
		Type:          typ,
		Timestamp:     s.now().UTC(),
		ActorType:     actor.Type,
		ActorID:       actor.ID,
		RequestID:     actor.RequestID,
		CorrelationID: actor.CorrelationID,
		PayloadJSON:   data,
	}, nil
}

// commandActor gives a command without a caller request id one of its own.
// The journal only returns an earlier event for a resubmission under the same
// request id, so separate commands never collapse into one event.
func commandActor(actor Actor) (Actor, error) {
	requestID, err := entityID(actor.RequestID)
	if err != nil {
		return Actor{}, fmt.Errorf("generate request id: %w", err)
	}
	actor.RequestID = requestID
	return actor, nil
}

// emit appends one event for a command that passed its preconditions.
func (s *Service) emit(ctx context.Context, actor Actor, scopeID string, typ event.Type, payload any) (event.Event, error) {
	actor, err := commandActor(actor)
	if err != nil {
		return event.Event{}, err
	}
	evt, err := s.newEvent(actor, scopeID, typ, payload)
	if err != nil {
		return event.Event{}, err
	}
	stored, err := s.journal.AppendEvent(ctx, evt)
	if err != nil {
		return event.Event{}, err
	}
	s.logger.Debug("event appended",
		zap.String("scope_id", stored.ScopeID),
		zap.Uint64("seq", stored.Seq),
		zap.String("type", string(stored.Type)),
	)
	return stored, nil
}

func scopeArg(scopeID string) (string, error) {
	scopeID = event.NormalizeID(scopeID)
	if scopeID == "" {
		return "", event.ErrScopeRequired
	}
	return scopeID, nil
}

func notFound(code apperrors.Code, entity, id string) error {
	return apperrors.WithMetadata(code, fmt.Sprintf("%s %s not found", entity, id), map[string]string{entity + "_id": id})
}

func invalid(message string) error {
	return apperrors.New(apperrors.CodeInvalidArgument, message)
}
