package compliance

import (
	"context"
	"slices"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/platform/id"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/policy"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
)

// CreateScope opens a new compliance scope.
func (s *Service) CreateScope(ctx context.Context, actor Actor, scopeID string, p facts.ScopeCreatedPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	defer s.lockScope(scopeID)()

	state, err := s.current(ctx, scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if state.Created {
		return event.Event{}, apperrors.WithMetadata(apperrors.CodeScopeAlreadyExists,
			"scope "+scopeID+" already exists", map[string]string{"scope_id": scopeID})
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeScopeCreated, p)
}

// RegisterControl defines a control or redefines an existing one. A policy,
// when present, must compile.
func (s *Service) RegisterControl(ctx context.Context, actor Actor, scopeID string, p facts.ControlRegisteredPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	p.ControlID = event.NormalizeID(p.ControlID)
	if p.Policy != "" {
		if _, err := policy.Compile(p.ControlID, p.Policy); err != nil {
			return event.Event{}, err
		}
	}
	defer s.lockScope(scopeID)()

	if _, err := s.existing(ctx, scopeID); err != nil {
		return event.Event{}, err
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeControlRegistered, p)
}

// RetireControl removes an active control from posture.
func (s *Service) RetireControl(ctx context.Context, actor Actor, scopeID string, p facts.ControlRetiredPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	p.ControlID = event.NormalizeID(p.ControlID)
	defer s.lockScope(scopeID)()

	state, err := s.existing(ctx, scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if _, err := activeControl(state, p.ControlID); err != nil {
		return event.Event{}, err
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeControlRetired, p)
}

// ObserveResource records the current shape of a resource.
func (s *Service) ObserveResource(ctx context.Context, actor Actor, scopeID string, p facts.ResourceObservedPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	p.ResourceID = event.NormalizeID(p.ResourceID)
	defer s.lockScope(scopeID)()

	if _, err := s.existing(ctx, scopeID); err != nil {
		return event.Event{}, err
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeResourceObserved, p)
}

// RemoveResource records that a known resource no longer exists.
func (s *Service) RemoveResource(ctx context.Context, actor Actor, scopeID string, p facts.ResourceRemovedPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	p.ResourceID = event.NormalizeID(p.ResourceID)
	defer s.lockScope(scopeID)()

	state, err := s.existing(ctx, scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if _, err := activeResource(state, p.ResourceID); err != nil {
		return event.Event{}, err
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeResourceRemoved, p)
}

// RecordEvaluation records a control result for a resource.
func (s *Service) RecordEvaluation(ctx context.Context, actor Actor, scopeID string, p facts.ControlEvaluatedPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	p.ControlID = event.NormalizeID(p.ControlID)
	p.ResourceID = event.NormalizeID(p.ResourceID)
	for i, id := range p.EvidenceIDs {
		p.EvidenceIDs[i] = event.NormalizeID(id)
	}
	defer s.lockScope(scopeID)()

	state, err := s.existing(ctx, scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if _, err := activeControl(state, p.ControlID); err != nil {
		return event.Event{}, err
	}
	if _, err := activeResource(state, p.ResourceID); err != nil {
		return event.Event{}, err
	}
	for _, id := range p.EvidenceIDs {
		if _, ok := state.Evidence[id]; !ok {
			return event.Event{}, invalid("evidence " + id + " is not attached to scope " + scopeID)
		}
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeControlEvaluated, p)
}

// AttachEvidence references an evidence artifact. An empty evidence id is
// generated.
func (s *Service) AttachEvidence(ctx context.Context, actor Actor, scopeID string, p facts.EvidenceAttachedPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if p.EvidenceID, err = entityID(p.EvidenceID); err != nil {
		return event.Event{}, err
	}
	p.ControlID = event.NormalizeID(p.ControlID)
	p.ResourceID = event.NormalizeID(p.ResourceID)
	defer s.lockScope(scopeID)()

	state, err := s.existing(ctx, scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if _, ok := state.Evidence[p.EvidenceID]; ok {
		return event.Event{}, invalid("evidence " + p.EvidenceID + " is already attached")
	}
	if p.ControlID != "" {
		if _, ok := state.Controls[p.ControlID]; !ok {
			return event.Event{}, notFound(apperrors.CodeControlNotFound, "control", p.ControlID)
		}
	}
	if p.ResourceID != "" {
		if _, ok := state.Resources[p.ResourceID]; !ok {
			return event.Event{}, notFound(apperrors.CodeResourceNotFound, "resource", p.ResourceID)
		}
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeEvidenceAttached, p)
}

// GrantException accepts the risk of a failing control. An empty exception
// id is generated.
func (s *Service) GrantException(ctx context.Context, actor Actor, scopeID string, p facts.ExceptionGrantedPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if p.ExceptionID, err = entityID(p.ExceptionID); err != nil {
		return event.Event{}, err
	}
	p.ControlID = event.NormalizeID(p.ControlID)
	p.ResourceID = event.NormalizeID(p.ResourceID)
	if p.ExpiresAt != nil && !p.ExpiresAt.After(s.now()) {
		return event.Event{}, invalid("exception expires_at must be in the future")
	}
	defer s.lockScope(scopeID)()

	state, err := s.existing(ctx, scopeID)
	if err != nil {
		return event.Event{}, err
	}
	if _, ok := state.Exceptions[p.ExceptionID]; ok {
		return event.Event{}, invalid("exception " + p.ExceptionID + " already exists")
	}
	if _, err := activeControl(state, p.ControlID); err != nil {
		return event.Event{}, err
	}
	if p.ResourceID != "" {
		if _, err := activeResource(state, p.ResourceID); err != nil {
			return event.Event{}, err
		}
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeExceptionGranted, p)
}

// RevokeException ends an active exception.
func (s *Service) RevokeException(ctx context.Context, actor Actor, scopeID string, p facts.ExceptionRevokedPayload) (event.Event, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return event.Event{}, err
	}
	p.ExceptionID = event.NormalizeID(p.ExceptionID)
	defer s.lockScope(scopeID)()

	state, err := s.existing(ctx, scopeID)
	if err != nil {
		return event.Event{}, err
	}
	exception, ok := state.Exceptions[p.ExceptionID]
	if !ok {
		return event.Event{}, notFound(apperrors.CodeExceptionNotFound, "exception", p.ExceptionID)
	}
	if exception.Revoked {
		return event.Event{}, apperrors.WithMetadata(apperrors.CodeExceptionRevoked,
			"exception "+p.ExceptionID+" is already revoked", map[string]string{"exception_id": p.ExceptionID})
	}
	return s.emit(ctx, actor, scopeID, facts.EventTypeExceptionRevoked, p)
}

func activeControl(state posture.State, controlID string) (posture.Control, error) {
	control, ok := state.Controls[controlID]
	if !ok || controlID == "" {
		return posture.Control{}, notFound(apperrors.CodeControlNotFound, "control", controlID)
	}
	if control.Retired {
		return posture.Control{}, apperrors.WithMetadata(apperrors.CodeControlRetired,
			"control "+controlID+" is retired", map[string]string{"control_id": controlID})
	}
	return control, nil
}

func activeResource(state posture.State, resourceID string) (posture.Resource, error) {
	resource, ok := state.Resources[resourceID]
	if !ok || resource.Removed || resourceID == "" {
		return posture.Resource{}, notFound(apperrors.CodeResourceNotFound, "resource", resourceID)
	}
	return resource, nil
}

// evidenceIDsFor returns evidence attached to controlID and either the whole
// control or resourceID, ordered by id.
func evidenceIDsFor(state posture.State, controlID, resourceID string) []string {
	var ids []string
	for id, ev := range state.Evidence {
		if ev.ControlID == controlID && (ev.ResourceID == "" || ev.ResourceID == resourceID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// entityID normalizes a caller-supplied id or generates one when empty.
func entityID(value string) (string, error) {
	if value = event.NormalizeID(value); value != "" {
		return value, nil
	}
	return id.NewID()
}
