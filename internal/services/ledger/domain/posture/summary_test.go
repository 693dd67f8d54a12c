package posture

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
)

func evaluated(control, resource string, result facts.Result) facts.ControlEvaluatedPayload {
	return facts.ControlEvaluatedPayload{ControlID: control, ResourceID: resource, Result: result}
}

func baseJournal(t *testing.T) *journal {
	return newJournal(t, "acct-1").
		add(facts.EventTypeScopeCreated, facts.ScopeCreatedPayload{Name: "Prod"}).
		add(facts.EventTypeControlRegistered, facts.ControlRegisteredPayload{ControlID: "c1", Title: "Encryption"}).
		add(facts.EventTypeResourceObserved, facts.ResourceObservedPayload{ResourceID: "r1", Kind: "bucket"}).
		add(facts.EventTypeResourceObserved, facts.ResourceObservedPayload{ResourceID: "r2", Kind: "bucket"})
}

func statusOf(t *testing.T, summary Summary, controlID string) ControlPosture {
	t.Helper()
	for _, cp := range summary.Controls {
		if cp.ControlID == controlID {
			return cp
		}
	}
	t.Fatalf("control %s missing from summary", controlID)
	return ControlPosture{}
}

func TestSummary_Classification(t *testing.T) {
	expired := foldEpoch.Add(5 * time.Minute)
	later := foldEpoch.Add(72 * time.Hour)

	tests := []struct {
		name  string
		build func(j *journal)
		at    time.Time
		want  Status
	}{
		{
			name:  "no evaluations is unknown",
			build: func(j *journal) {},
			want:  StatusUnknown,
		},
		{
			name: "all passing is compliant",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultPass))
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r2", facts.ResultNotApplicable))
			},
			want: StatusCompliant,
		},
		{
			name: "uncovered failure is noncompliant",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultPass))
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r2", facts.ResultFail))
			},
			want: StatusNoncompliant,
		},
		{
			name: "error result is unknown",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultPass))
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r2", facts.ResultError))
			},
			want: StatusUnknown,
		},
		{
			name: "failure outranks error",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultFail))
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r2", facts.ResultError))
			},
			want: StatusNoncompliant,
		},
		{
			name: "scope-wide exception excepts failure",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultFail))
				j.add(facts.EventTypeExceptionGranted, facts.ExceptionGrantedPayload{ExceptionID: "x1", ControlID: "c1", Justification: "j", Approver: "a"})
			},
			want: StatusExcepted,
		},
		{
			name: "resource exception covers only its resource",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultFail))
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r2", facts.ResultFail))
				j.add(facts.EventTypeExceptionGranted, facts.ExceptionGrantedPayload{ExceptionID: "x1", ControlID: "c1", ResourceID: "r1", Justification: "j", Approver: "a"})
			},
			want: StatusNoncompliant,
		},
		{
			name: "expired exception no longer covers",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultFail))
				j.add(facts.EventTypeExceptionGranted, facts.ExceptionGrantedPayload{ExceptionID: "x1", ControlID: "c1", Justification: "j", Approver: "a", ExpiresAt: &expired})
			},
			at:   later,
			want: StatusNoncompliant,
		},
		{
			name: "revoked exception no longer covers",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultFail))
				j.add(facts.EventTypeExceptionGranted, facts.ExceptionGrantedPayload{ExceptionID: "x1", ControlID: "c1", Justification: "j", Approver: "a"})
				j.add(facts.EventTypeExceptionRevoked, facts.ExceptionRevokedPayload{ExceptionID: "x1"})
			},
			want: StatusNoncompliant,
		},
		{
			name: "removed resource failures are ignored",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultPass))
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r2", facts.ResultFail))
				j.add(facts.EventTypeResourceRemoved, facts.ResourceRemovedPayload{ResourceID: "r2"})
			},
			want: StatusCompliant,
		},
		{
			name: "only removed resources evaluated is unknown",
			build: func(j *journal) {
				j.add(facts.EventTypeControlEvaluated, evaluated("c1", "r2", facts.ResultPass))
				j.add(facts.EventTypeResourceRemoved, facts.ResourceRemovedPayload{ResourceID: "r2"})
			},
			want: StatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := baseJournal(t)
			tt.build(j)
			summary := j.fold().Summary(tt.at)
			if got := statusOf(t, summary, "c1").Status; got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSummary_TotalsAndScore(t *testing.T) {
	j := baseJournal(t).
		add(facts.EventTypeControlRegistered, facts.ControlRegisteredPayload{ControlID: "c2", Title: "Logging"}).
		add(facts.EventTypeControlRegistered, facts.ControlRegisteredPayload{ControlID: "c3", Title: "Backups"}).
		add(facts.EventTypeControlRegistered, facts.ControlRegisteredPayload{ControlID: "c4", Title: "Legacy"}).
		add(facts.EventTypeControlRetired, facts.ControlRetiredPayload{ControlID: "c4"}).
		add(facts.EventTypeControlEvaluated, evaluated("c1", "r1", facts.ResultPass)).
		add(facts.EventTypeControlEvaluated, evaluated("c2", "r1", facts.ResultFail)).
		add(facts.EventTypeControlEvaluated, evaluated("c3", "r2", facts.ResultFail)).
		add(facts.EventTypeExceptionGranted, facts.ExceptionGrantedPayload{ExceptionID: "x1", ControlID: "c3", ResourceID: "r2", Justification: "j", Approver: "a"})
	state := j.fold()

	summary := state.Summary(time.Time{})
	if !summary.AsOf.Equal(state.LastEventAt) {
		t.Fatalf("as of = %v, want last event time %v", summary.AsOf, state.LastEventAt)
	}
	wantTotals := map[Status]int{
		StatusCompliant:    1,
		StatusNoncompliant: 1,
		StatusExcepted:     1,
		StatusUnknown:      0,
	}
	if diff := cmp.Diff(wantTotals, summary.Totals); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}
	if summary.Score != 2.0/3.0 {
		t.Fatalf("score = %v, want 2/3", summary.Score)
	}
	if summary.ActiveExceptions != 1 || summary.Resources != 2 || summary.Seq != state.LastSeq {
		t.Fatalf("unexpected summary header %+v", summary)
	}
	c2 := statusOf(t, summary, "c2")
	if diff := cmp.Diff([]string{"r1"}, c2.FailingResources); diff != "" {
		t.Fatalf("failing resources (-want +got):\n%s", diff)
	}
	for _, cp := range summary.Controls {
		if cp.ControlID == "c4" {
			t.Fatal("retired control must not be classified")
		}
	}
}

func TestSummary_EmptyScope(t *testing.T) {
	summary := New("acct-1").Summary(foldEpoch)
	if len(summary.Controls) != 0 || summary.Score != 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Totals) != len(Statuses) {
		t.Fatalf("totals = %v, want every status present", summary.Totals)
	}
}
