package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
)

var (
	// ErrScopeRequired indicates an event without a scope id.
	ErrScopeRequired = apperrors.New(apperrors.CodeEventScopeRequired, "scope id is required")
	// ErrTypeUnknown indicates an event type that was never registered.
	ErrTypeUnknown = apperrors.New(apperrors.CodeEventTypeUnknown, "event type is not registered")
	// ErrActorTypeInvalid indicates an unsupported actor type.
	ErrActorTypeInvalid = apperrors.New(apperrors.CodeEventActorInvalid, "actor type is invalid")
	// ErrActorIDRequired indicates a non-system actor without an id.
	ErrActorIDRequired = apperrors.New(apperrors.CodeEventActorInvalid, "actor id is required")
	// ErrEntityMismatch indicates envelope addressing that disagrees with the payload.
	ErrEntityMismatch = apperrors.New(apperrors.CodeEventEntityMismatch, "event entity does not match payload")
	// ErrPayloadInvalid indicates a payload that failed decoding or validation.
	ErrPayloadInvalid = apperrors.New(apperrors.CodeEventPayloadInvalid, "event payload is invalid")
)

// PayloadValidator decodes and checks a payload, returning the id of the
// entity it addresses.
type PayloadValidator func(payload json.RawMessage) (entityID string, err error)

// Definition describes one registered event type.
type Definition struct {
	Type       Type
	EntityType string
	// ScopeEntity marks types whose entity id is the scope id itself.
	ScopeEntity bool
	Validate    PayloadValidator
}

// Registry holds the set of event types the journal accepts.
// It is populated at startup and read-only afterwards.
type Registry struct {
	definitions map[Type]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[Type]Definition)}
}

// Register adds an event definition. Types may only be registered once.
func (r *Registry) Register(def Definition) error {
	if r == nil {
		return fmt.Errorf("registry is required")
	}
	name := Type(strings.TrimSpace(string(def.Type)))
	if name == "" {
		return fmt.Errorf("event type is required")
	}
	if _, exists := r.definitions[name]; exists {
		return fmt.Errorf("event type %s already registered", name)
	}
	def.Type = name
	r.definitions[name] = def
	return nil
}

// Definition returns the definition registered for t.
func (r *Registry) Definition(t Type) (Definition, bool) {
	if r == nil {
		return Definition{}, false
	}
	def, ok := r.definitions[t]
	return def, ok
}

// Types lists registered types in lexical order.
func (r *Registry) Types() []Type {
	if r == nil {
		return nil
	}
	types := make([]Type, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ValidateForAppend normalizes an event and checks it against its definition.
//
// Identifiers are trimmed and NFC-normalized, the timestamp is truncated to
// milliseconds in UTC, the payload is re-encoded canonically, and missing
// entity addressing is filled in from the payload.
func (r *Registry) ValidateForAppend(evt Event) (Event, error) {
	evt = normalizeEnvelope(evt)
	if evt.ScopeID == "" {
		return Event{}, ErrScopeRequired
	}
	def, ok := r.Definition(evt.Type)
	if !ok {
		return Event{}, apperrors.Wrap(apperrors.CodeEventTypeUnknown,
			fmt.Sprintf("event type %q is not registered", evt.Type), ErrTypeUnknown)
	}

	if evt.ActorType == "" {
		evt.ActorType = ActorTypeSystem
	}
	if !evt.ActorType.Valid() {
		return Event{}, apperrors.Wrap(apperrors.CodeEventActorInvalid,
			fmt.Sprintf("actor type %q is invalid", evt.ActorType), ErrActorTypeInvalid)
	}
	if evt.ActorType != ActorTypeSystem && evt.ActorID == "" {
		return Event{}, ErrActorIDRequired
	}

	payload := bytes.TrimSpace(evt.PayloadJSON)
	if len(payload) == 0 || payload[0] != '{' {
		return Event{}, apperrors.Wrap(apperrors.CodeEventPayloadInvalid,
			fmt.Sprintf("%s payload must be a JSON object", evt.Type), ErrPayloadInvalid)
	}
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return Event{}, apperrors.Wrap(apperrors.CodeEventPayloadInvalid,
			fmt.Sprintf("%s payload: %v", evt.Type, err), ErrPayloadInvalid)
	}
	evt.PayloadJSON = canonical

	var entityID string
	if def.Validate != nil {
		entityID, err = def.Validate(evt.PayloadJSON)
		if err != nil {
			return Event{}, apperrors.Wrap(apperrors.CodeEventPayloadInvalid,
				fmt.Sprintf("%s payload: %v", evt.Type, err), ErrPayloadInvalid)
		}
	}
	if def.ScopeEntity {
		entityID = evt.ScopeID
	}
	entityID = NormalizeID(entityID)

	if evt.EntityType == "" {
		evt.EntityType = def.EntityType
	} else if def.EntityType != "" && evt.EntityType != def.EntityType {
		return Event{}, apperrors.Wrap(apperrors.CodeEventEntityMismatch,
			fmt.Sprintf("%s addresses entity type %q, got %q", evt.Type, def.EntityType, evt.EntityType), ErrEntityMismatch)
	}
	if evt.EntityID == "" {
		evt.EntityID = entityID
	} else if entityID != "" && evt.EntityID != entityID {
		return Event{}, apperrors.Wrap(apperrors.CodeEventEntityMismatch,
			fmt.Sprintf("%s entity id %q does not match payload id %q", evt.Type, evt.EntityID, entityID), ErrEntityMismatch)
	}
	return evt, nil
}

func normalizeEnvelope(evt Event) Event {
	evt.ScopeID = NormalizeID(evt.ScopeID)
	evt.Type = Type(strings.TrimSpace(string(evt.Type)))
	evt.ActorType = ActorType(strings.TrimSpace(string(evt.ActorType)))
	evt.ActorID = NormalizeID(evt.ActorID)
	evt.EntityType = strings.TrimSpace(evt.EntityType)
	evt.EntityID = NormalizeID(evt.EntityID)
	evt.RequestID = NormalizeID(evt.RequestID)
	evt.CorrelationID = NormalizeID(evt.CorrelationID)
	evt.CausationID = NormalizeID(evt.CausationID)
	if !evt.Timestamp.IsZero() {
		evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
	}
	return evt
}

// NormalizeID trims and NFC-normalizes an identifier.
func NormalizeID(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}
