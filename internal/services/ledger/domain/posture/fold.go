package posture

import (
	"fmt"
	"slices"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
)

// Fold applies one event to state and returns it. The maps of state are
// updated in place; Clone first to keep the input intact.
//
// Events must arrive in sequence order. Events are facts, so Fold records
// them even when they reference entities it has not seen.
func Fold(state State, evt event.Event) (State, error) {
	state.ensureMaps()
	if state.ScopeID == "" {
		state.ScopeID = evt.ScopeID
	}
	if evt.ScopeID != state.ScopeID {
		return state, fmt.Errorf("fold scope %s: event belongs to scope %s", state.ScopeID, evt.ScopeID)
	}
	if evt.Seq != state.LastSeq+1 {
		return state, fmt.Errorf("fold scope %s: expected seq %d, got %d", state.ScopeID, state.LastSeq+1, evt.Seq)
	}

	if err := foldPayload(&state, evt); err != nil {
		return state, err
	}

	state.LastSeq = evt.Seq
	state.LastChainHash = evt.ChainHash
	state.LastEventAt = evt.Timestamp
	return state, nil
}

// FoldAll folds events in order onto state.
func FoldAll(state State, events []event.Event) (State, error) {
	var err error
	for _, evt := range events {
		if state, err = Fold(state, evt); err != nil {
			return state, err
		}
	}
	return state, nil
}

func foldPayload(state *State, evt event.Event) error {
	switch evt.Type {
	case facts.EventTypeScopeCreated:
		p, err := facts.Decode[facts.ScopeCreatedPayload](evt)
		if err != nil {
			return err
		}
		state.Created = true
		state.Name = p.Name
		state.Frameworks = slices.Clone(p.Frameworks)
		state.CreatedAt = evt.Timestamp

	case facts.EventTypeControlRegistered:
		p, err := facts.Decode[facts.ControlRegisteredPayload](evt)
		if err != nil {
			return err
		}
		control, existed := state.Controls[p.ControlID]
		if !existed {
			control.RegisteredAt = evt.Timestamp
		}
		severity := p.Severity
		if severity == "" {
			severity = facts.SeverityMedium
		}
		control.ID = p.ControlID
		control.Title = p.Title
		control.Framework = p.Framework
		control.Requirement = p.Requirement
		control.Severity = string(severity)
		control.ResourceKinds = slices.Clone(p.ResourceKinds)
		control.Policy = p.Policy
		control.Retired = false
		control.RetiredReason = ""
		control.UpdatedAt = evt.Timestamp
		state.Controls[p.ControlID] = control

	case facts.EventTypeControlRetired:
		p, err := facts.Decode[facts.ControlRetiredPayload](evt)
		if err != nil {
			return err
		}
		control := state.Controls[p.ControlID]
		control.ID = p.ControlID
		control.Retired = true
		control.RetiredReason = p.Reason
		control.UpdatedAt = evt.Timestamp
		state.Controls[p.ControlID] = control

	case facts.EventTypeResourceObserved:
		p, err := facts.Decode[facts.ResourceObservedPayload](evt)
		if err != nil {
			return err
		}
		resource, existed := state.Resources[p.ResourceID]
		if !existed || resource.Removed {
			resource.ObservedAt = evt.Timestamp
		}
		resource.ID = p.ResourceID
		resource.Kind = p.Kind
		resource.Attributes = p.Attributes
		resource.Removed = false
		resource.UpdatedAt = evt.Timestamp
		state.Resources[p.ResourceID] = resource

	case facts.EventTypeResourceRemoved:
		p, err := facts.Decode[facts.ResourceRemovedPayload](evt)
		if err != nil {
			return err
		}
		resource := state.Resources[p.ResourceID]
		resource.ID = p.ResourceID
		resource.Removed = true
		resource.UpdatedAt = evt.Timestamp
		state.Resources[p.ResourceID] = resource

	case facts.EventTypeControlEvaluated:
		p, err := facts.Decode[facts.ControlEvaluatedPayload](evt)
		if err != nil {
			return err
		}
		byResource := state.Evaluations[p.ControlID]
		if byResource == nil {
			byResource = make(map[string]Evaluation)
			state.Evaluations[p.ControlID] = byResource
		}
		byResource[p.ResourceID] = Evaluation{
			ControlID:   p.ControlID,
			ResourceID:  p.ResourceID,
			Result:      string(p.Result),
			Reason:      p.Reason,
			EvidenceIDs: slices.Clone(p.EvidenceIDs),
			Evaluator:   p.Evaluator,
			EvaluatedAt: evt.Timestamp,
			Seq:         evt.Seq,
		}

	case facts.EventTypeEvidenceAttached:
		p, err := facts.Decode[facts.EvidenceAttachedPayload](evt)
		if err != nil {
			return err
		}
		state.Evidence[p.EvidenceID] = Evidence{
			ID:          p.EvidenceID,
			ControlID:   p.ControlID,
			ResourceID:  p.ResourceID,
			Digest:      p.Digest,
			MediaType:   p.MediaType,
			URI:         p.URI,
			CollectedAt: p.CollectedAt,
			AttachedAt:  evt.Timestamp,
			Seq:         evt.Seq,
		}

	case facts.EventTypeExceptionGranted:
		p, err := facts.Decode[facts.ExceptionGrantedPayload](evt)
		if err != nil {
			return err
		}
		state.Exceptions[p.ExceptionID] = Exception{
			ID:            p.ExceptionID,
			ControlID:     p.ControlID,
			ResourceID:    p.ResourceID,
			Justification: p.Justification,
			Approver:      p.Approver,
			ExpiresAt:     p.ExpiresAt,
			GrantedAt:     evt.Timestamp,
		}

	case facts.EventTypeExceptionRevoked:
		p, err := facts.Decode[facts.ExceptionRevokedPayload](evt)
		if err != nil {
			return err
		}
		exception := state.Exceptions[p.ExceptionID]
		revokedAt := evt.Timestamp
		exception.ID = p.ExceptionID
		exception.Revoked = true
		exception.RevokedAt = &revokedAt
		exception.RevokeReason = p.Reason
		state.Exceptions[p.ExceptionID] = exception
	}
	return nil
}
