package facts

import "github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"

const (
	EventTypeScopeCreated      event.Type = "scope.created"
	EventTypeControlRegistered event.Type = "control.registered"
	EventTypeControlRetired    event.Type = "control.retired"
	EventTypeResourceObserved  event.Type = "resource.observed"
	EventTypeResourceRemoved   event.Type = "resource.removed"
	EventTypeControlEvaluated  event.Type = "control.evaluated"
	EventTypeEvidenceAttached  event.Type = "evidence.attached"
	EventTypeExceptionGranted  event.Type = "exception.granted"
	EventTypeExceptionRevoked  event.Type = "exception.revoked"
)

// Entity types addressed by ledger events.
const (
	EntityScope      = "scope"
	EntityControl    = "control"
	EntityResource   = "resource"
	EntityEvaluation = "evaluation"
	EntityEvidence   = "evidence"
	EntityException  = "exception"
)

// Result is the outcome of evaluating a control against a resource.
type Result string

const (
	ResultPass          Result = "pass"
	ResultFail          Result = "fail"
	ResultError         Result = "error"
	ResultNotApplicable Result = "not_applicable"
)

// Valid reports whether r is a known evaluation result.
func (r Result) Valid() bool {
	switch r {
	case ResultPass, ResultFail, ResultError, ResultNotApplicable:
		return true
	default:
		return false
	}
}

// Severity ranks a control's impact when it fails.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank orders severities from low (1) to critical (4); unknown is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}
