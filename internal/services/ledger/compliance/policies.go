package compliance

import (
	"context"
	"fmt"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/policy"
	"go.uber.org/zap"
)

// PolicyEvaluator is recorded as the evaluator of policy results.
const PolicyEvaluator = "lua-policy"

// PolicyRun summarizes one EvaluatePolicies call.
type PolicyRun struct {
	Events []event.Event
	// Controls is the number of active controls with a policy.
	Controls int
	// Unmatched counts active controls with a policy but no matching resource.
	Unmatched int
}

// EvaluatePolicies runs every active control's policy against each active
// resource of a matching kind and appends the results as one batch.
func (s *Service) EvaluatePolicies(ctx context.Context, actor Actor, scopeID string) (PolicyRun, error) {
	scopeID, err := scopeArg(scopeID)
	if err != nil {
		return PolicyRun{}, err
	}
	defer s.lockScope(scopeID)()

	state, err := s.existing(ctx, scopeID)
	if err != nil {
		return PolicyRun{}, err
	}
	if actor, err = commandActor(actor); err != nil {
		return PolicyRun{}, err
	}

	var run PolicyRun
	var pending []event.Event
	resources := state.ActiveResources()
	for _, control := range state.ActiveControls() {
		if control.Policy == "" {
			continue
		}
		run.Controls++
		compiled, compileErr := policy.Compile(control.ID, control.Policy)

		matched := 0
		for _, resource := range resources {
			if !control.AppliesTo(resource.Kind) {
				continue
			}
			matched++
			outcome := policy.Outcome{Result: facts.ResultError}
			if compileErr != nil {
				outcome.Reason = compileErr.Error()
			} else if outcome, err = compiled.Evaluate(ctx, policy.Resource{
				ID:         resource.ID,
				Kind:       resource.Kind,
				Attributes: resource.Attributes,
			}); err != nil {
				return PolicyRun{}, fmt.Errorf("evaluate policy %s on %s: %w", control.ID, resource.ID, err)
			}

			evt, err := s.newEvent(actor, scopeID, facts.EventTypeControlEvaluated, facts.ControlEvaluatedPayload{
				ControlID:   control.ID,
				ResourceID:  resource.ID,
				Result:      outcome.Result,
				Reason:      outcome.Reason,
				EvidenceIDs: evidenceIDsFor(state, control.ID, resource.ID),
				Evaluator:   PolicyEvaluator,
			})
			if err != nil {
				return PolicyRun{}, err
			}
			pending = append(pending, evt)
		}
		if matched == 0 {
			run.Unmatched++
		}
	}
	if len(pending) == 0 {
		return run, nil
	}

	stored, err := s.journal.BatchAppendEvents(ctx, pending)
	if err != nil {
		return PolicyRun{}, fmt.Errorf("append policy results: %w", err)
	}
	run.Events = stored
	s.logger.Info("policies evaluated",
		zap.String("scope_id", scopeID),
		zap.Int("controls", run.Controls),
		zap.Int("results", len(stored)),
	)
	return run, nil
}
