package posture

import (
	"maps"
	"slices"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
)

// Status classifies a control at a point in time.
type Status string

const (
	StatusCompliant    Status = "compliant"
	StatusNoncompliant Status = "noncompliant"
	StatusExcepted     Status = "excepted"
	StatusUnknown      Status = "unknown"
)

// Statuses lists every status in report order.
var Statuses = []Status{StatusNoncompliant, StatusExcepted, StatusUnknown, StatusCompliant}

// ControlPosture is the classification of one active control.
type ControlPosture struct {
	ControlID        string   `json:"control_id"`
	Title            string   `json:"title"`
	Framework        string   `json:"framework,omitempty"`
	Severity         string   `json:"severity"`
	Status           Status   `json:"status"`
	Passing          int      `json:"passing"`
	Failing          int      `json:"failing"`
	Excepted         int      `json:"excepted"`
	Errored          int      `json:"errored"`
	NotApplicable    int      `json:"not_applicable"`
	FailingResources []string `json:"failing_resources,omitempty"`
}

// Summary is the posture of a scope at one journal position.
type Summary struct {
	ScopeID          string           `json:"scope_id"`
	Name             string           `json:"name,omitempty"`
	Seq              uint64           `json:"seq"`
	ChainHash        string           `json:"chain_hash,omitempty"`
	AsOf             time.Time        `json:"as_of"`
	Controls         []ControlPosture `json:"controls"`
	Totals           map[Status]int   `json:"totals"`
	Score            float64          `json:"score"`
	ActiveExceptions int              `json:"active_exceptions"`
	Resources        int              `json:"resources"`
}

// Summary classifies every active control as of at, which decides whether
// exceptions have expired. A zero at means the time of the last event.
//
// A control is noncompliant when an active resource fails with no active
// exception, excepted when every failure is covered, unknown when it has no
// evaluations or an error result, and compliant otherwise. Evaluations of
// removed resources are ignored.
func (s State) Summary(at time.Time) Summary {
	if at.IsZero() {
		at = s.LastEventAt
	}
	summary := Summary{
		ScopeID:   s.ScopeID,
		Name:      s.Name,
		Seq:       s.LastSeq,
		ChainHash: s.LastChainHash,
		AsOf:      at,
		Controls:  []ControlPosture{},
		Totals:    make(map[Status]int, len(Statuses)),
		Resources: len(s.ActiveResources()),
	}
	for _, status := range Statuses {
		summary.Totals[status] = 0
	}

	for _, control := range s.ActiveControls() {
		cp := s.classify(control, at)
		summary.Controls = append(summary.Controls, cp)
		summary.Totals[cp.Status]++
	}
	for _, ex := range s.Exceptions {
		if ex.ActiveAt(at) {
			summary.ActiveExceptions++
		}
	}
	if n := len(summary.Controls); n > 0 {
		good := summary.Totals[StatusCompliant] + summary.Totals[StatusExcepted]
		summary.Score = float64(good) / float64(n)
	}
	return summary
}

func (s State) classify(control Control, at time.Time) ControlPosture {
	cp := ControlPosture{
		ControlID: control.ID,
		Title:     control.Title,
		Framework: control.Framework,
		Severity:  control.Severity,
	}
	byResource := s.Evaluations[control.ID]
	evaluated := 0
	for _, resourceID := range slices.Sorted(maps.Keys(byResource)) {
		if resource, ok := s.Resources[resourceID]; ok && resource.Removed {
			continue
		}
		evaluated++
		switch facts.Result(byResource[resourceID].Result) {
		case facts.ResultPass:
			cp.Passing++
		case facts.ResultNotApplicable:
			cp.NotApplicable++
		case facts.ResultError:
			cp.Errored++
		case facts.ResultFail:
			if _, ok := s.ActiveExceptionFor(control.ID, resourceID, at); ok {
				cp.Excepted++
				continue
			}
			cp.Failing++
			cp.FailingResources = append(cp.FailingResources, resourceID)
		}
	}

	switch {
	case cp.Failing > 0:
		cp.Status = StatusNoncompliant
	case evaluated == 0 || cp.Errored > 0:
		cp.Status = StatusUnknown
	case cp.Excepted > 0:
		cp.Status = StatusExcepted
	default:
		cp.Status = StatusCompliant
	}
	return cp
}
