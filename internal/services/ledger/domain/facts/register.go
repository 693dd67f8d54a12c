package facts

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

type validatable interface {
	validate() (string, error)
}

func validator[P validatable]() event.PayloadValidator {
	return func(payload json.RawMessage) (string, error) {
		decoded, err := decodeStrict[P](payload)
		if err != nil {
			return "", err
		}
		return decoded.validate()
	}
}

// Definitions lists every ledger event definition.
func Definitions() []event.Definition {
	return []event.Definition{
		{Type: EventTypeScopeCreated, EntityType: EntityScope, ScopeEntity: true, Validate: validator[ScopeCreatedPayload]()},
		{Type: EventTypeControlRegistered, EntityType: EntityControl, Validate: validator[ControlRegisteredPayload]()},
		{Type: EventTypeControlRetired, EntityType: EntityControl, Validate: validator[ControlRetiredPayload]()},
		{Type: EventTypeResourceObserved, EntityType: EntityResource, Validate: validator[ResourceObservedPayload]()},
		{Type: EventTypeResourceRemoved, EntityType: EntityResource, Validate: validator[ResourceRemovedPayload]()},
		{Type: EventTypeControlEvaluated, EntityType: EntityEvaluation, Validate: validator[ControlEvaluatedPayload]()},
		{Type: EventTypeEvidenceAttached, EntityType: EntityEvidence, Validate: validator[EvidenceAttachedPayload]()},
		{Type: EventTypeExceptionGranted, EntityType: EntityException, Validate: validator[ExceptionGrantedPayload]()},
		{Type: EventTypeExceptionRevoked, EntityType: EntityException, Validate: validator[ExceptionRevokedPayload]()},
	}
}

// RegisterEvents adds every ledger event definition to registry.
func RegisterEvents(registry *event.Registry) error {
	for _, def := range Definitions() {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding every ledger event type.
func NewRegistry() (*event.Registry, error) {
	registry := event.NewRegistry()
	if err := RegisterEvents(registry); err != nil {
		return nil, fmt.Errorf("register ledger events: %w", err)
	}
	return registry, nil
}

// Decode unmarshals an event payload into P.
func Decode[P any](evt event.Event) (P, error) {
	var payload P
	if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload at seq %d: %w", evt.Type, evt.Seq, err)
	}
	return payload, nil
}

func decodeStrict[P any](data []byte) (P, error) {
	var payload P
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}
