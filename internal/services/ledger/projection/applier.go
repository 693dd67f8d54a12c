package projection

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

// Applier applies journal events to the projection store.
type Applier struct {
	// Projections receives the read model writes.
	Projections storage.ProjectionStore
}

var coreRouter = newCoreRouter()

func newCoreRouter() *Router {
	r := NewRouter()
	HandleProjection(r, facts.EventTypeScopeCreated, Applier.applyScopeCreated)
	HandleProjection(r, facts.EventTypeControlRegistered, Applier.applyControlRegistered)
	HandleProjection(r, facts.EventTypeControlRetired, Applier.applyControlRetired)
	HandleProjection(r, facts.EventTypeResourceObserved, Applier.applyResourceObserved)
	HandleProjection(r, facts.EventTypeResourceRemoved, Applier.applyResourceRemoved)
	HandleProjection(r, facts.EventTypeControlEvaluated, Applier.applyControlEvaluated)
	HandleProjection(r, facts.EventTypeEvidenceAttached, Applier.applyEvidenceAttached)
	HandleProjection(r, facts.EventTypeExceptionGranted, Applier.applyExceptionGranted)
	HandleProjection(r, facts.EventTypeExceptionRevoked, Applier.applyExceptionRevoked)
	return r
}

// Apply routes one event into the read models.
func (a Applier) Apply(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return coreRouter.Route(a, ctx, evt)
}

// WithStore returns a copy of a writing to store.
func (a Applier) WithStore(store storage.ProjectionStore) Applier {
	a.Projections = store
	return a
}

// HandledTypes lists the event types the applier projects.
func HandledTypes() []event.Type {
	return coreRouter.HandledTypes()
}

func (a Applier) applyScopeCreated(ctx context.Context, evt event.Event, p facts.ScopeCreatedPayload) error {
	return a.Projections.PutScope(ctx, storage.ScopeRecord{
		ID:         evt.ScopeID,
		Name:       p.Name,
		Frameworks: slices.Clone(p.Frameworks),
		CreatedAt:  evt.Timestamp,
		UpdatedAt:  evt.Timestamp,
		LastSeq:    evt.Seq,
	})
}

func (a Applier) applyControlRegistered(ctx context.Context, evt event.Event, p facts.ControlRegisteredPayload) error {
	existing, found, err := lookup(a.Projections.GetControl(ctx, evt.ScopeID, p.ControlID))
	if err != nil {
		return fmt.Errorf("get control: %w", err)
	}
	registeredAt := evt.Timestamp
	if found {
		registeredAt = existing.RegisteredAt
	}
	severity := p.Severity
	if severity == "" {
		severity = facts.SeverityMedium
	}
	return a.Projections.PutControl(ctx, storage.ControlRecord{
		ScopeID:       evt.ScopeID,
		ID:            p.ControlID,
		Title:         p.Title,
		Framework:     p.Framework,
		Requirement:   p.Requirement,
		Severity:      string(severity),
		ResourceKinds: slices.Clone(p.ResourceKinds),
		Policy:        p.Policy,
		RegisteredAt:  registeredAt,
		UpdatedAt:     evt.Timestamp,
		LastSeq:       evt.Seq,
	})
}

func (a Applier) applyControlRetired(ctx context.Context, evt event.Event, p facts.ControlRetiredPayload) error {
	control, found, err := lookup(a.Projections.GetControl(ctx, evt.ScopeID, p.ControlID))
	if err != nil {
		return fmt.Errorf("get control: %w", err)
	}
	if !found {
		control = storage.ControlRecord{ScopeID: evt.ScopeID, ID: p.ControlID, RegisteredAt: evt.Timestamp}
	}
	control.Retired = true
	control.RetiredReason = p.Reason
	control.UpdatedAt = evt.Timestamp
	control.LastSeq = evt.Seq
	return a.Projections.PutControl(ctx, control)
}

func (a Applier) applyResourceObserved(ctx context.Context, evt event.Event, p facts.ResourceObservedPayload) error {
	existing, found, err := lookup(a.Projections.GetResource(ctx, evt.ScopeID, p.ResourceID))
	if err != nil {
		return fmt.Errorf("get resource: %w", err)
	}
	observedAt := evt.Timestamp
	if found && !existing.Removed {
		observedAt = existing.ObservedAt
	}
	return a.Projections.PutResource(ctx, storage.ResourceRecord{
		ScopeID:    evt.ScopeID,
		ID:         p.ResourceID,
		Kind:       p.Kind,
		Attributes: p.Attributes,
		ObservedAt: observedAt,
		UpdatedAt:  evt.Timestamp,
		LastSeq:    evt.Seq,
	})
}

func (a Applier) applyResourceRemoved(ctx context.Context, evt event.Event, p facts.ResourceRemovedPayload) error {
	resource, found, err := lookup(a.Projections.GetResource(ctx, evt.ScopeID, p.ResourceID))
	if err != nil {
		return fmt.Errorf("get resource: %w", err)
	}
	if !found {
		resource = storage.ResourceRecord{ScopeID: evt.ScopeID, ID: p.ResourceID}
	}
	resource.Removed = true
	resource.UpdatedAt = evt.Timestamp
	resource.LastSeq = evt.Seq
	return a.Projections.PutResource(ctx, resource)
}

func (a Applier) applyControlEvaluated(ctx context.Context, evt event.Event, p facts.ControlEvaluatedPayload) error {
	return a.Projections.PutEvaluation(ctx, storage.EvaluationRecord{
		ScopeID:     evt.ScopeID,
		ControlID:   p.ControlID,
		ResourceID:  p.ResourceID,
		Result:      string(p.Result),
		Reason:      p.Reason,
		EvidenceIDs: slices.Clone(p.EvidenceIDs),
		Evaluator:   p.Evaluator,
		EvaluatedAt: evt.Timestamp,
		LastSeq:     evt.Seq,
	})
}

func (a Applier) applyEvidenceAttached(ctx context.Context, evt event.Event, p facts.EvidenceAttachedPayload) error {
	return a.Projections.PutEvidence(ctx, storage.EvidenceRecord{
		ScopeID:     evt.ScopeID,
		ID:          p.EvidenceID,
		ControlID:   p.ControlID,
		ResourceID:  p.ResourceID,
		Digest:      p.Digest,
		MediaType:   p.MediaType,
		URI:         p.URI,
		CollectedAt: p.CollectedAt,
		AttachedAt:  evt.Timestamp,
		LastSeq:     evt.Seq,
	})
}

func (a Applier) applyExceptionGranted(ctx context.Context, evt event.Event, p facts.ExceptionGrantedPayload) error {
	return a.Projections.PutException(ctx, storage.ExceptionRecord{
		ScopeID:       evt.ScopeID,
		ID:            p.ExceptionID,
		ControlID:     p.ControlID,
		ResourceID:    p.ResourceID,
		Justification: p.Justification,
		Approver:      p.Approver,
		ExpiresAt:     p.ExpiresAt,
		GrantedAt:     evt.Timestamp,
		LastSeq:       evt.Seq,
	})
}

func (a Applier) applyExceptionRevoked(ctx context.Context, evt event.Event, p facts.ExceptionRevokedPayload) error {
	exception, found, err := lookup(a.Projections.GetException(ctx, evt.ScopeID, p.ExceptionID))
	if err != nil {
		return fmt.Errorf("get exception: %w", err)
	}
	if !found {
		exception = storage.ExceptionRecord{ScopeID: evt.ScopeID, ID: p.ExceptionID}
	}
	revokedAt := evt.Timestamp
	exception.Revoked = true
	exception.RevokedAt = &revokedAt
	exception.RevokeReason = p.Reason
	exception.LastSeq = evt.Seq
	return a.Projections.PutException(ctx, exception)
}

// lookup folds storage.ErrNotFound into a found flag.
func lookup[T any](record T, err error) (T, bool, error) {
	if errors.Is(err, storage.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return record, true, nil
}
