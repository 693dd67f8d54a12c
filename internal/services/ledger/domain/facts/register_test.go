package facts

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

const (
	testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	// "e" with a combining acute accent, and its NFC composition.
	decomposedID = "cafe\u0301"
	composedID   = "caf\u00e9"
)

func TestNewRegistryRegistersEveryType(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got := len(registry.Types()); got != 9 {
		t.Fatalf("registered %d types, want 9", got)
	}
	if err := RegisterEvents(registry); err == nil {
		t.Fatal("expected double registration to fail")
	}
}

func TestPayloadValidation(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	tests := []struct {
		name       string
		typ        event.Type
		payload    string
		wantEntity string
		wantErr    bool
	}{
		{"scope ok", EventTypeScopeCreated, `{"name":"Prod","frameworks":["SOC2"]}`, "acct-1", false},
		{"scope missing name", EventTypeScopeCreated, `{"frameworks":["SOC2"]}`, "", true},
		{"control ok", EventTypeControlRegistered, `{"control_id":"AC-2","title":"Account management","severity":"high"}`, "AC-2", false},
		{"control bad severity", EventTypeControlRegistered, `{"control_id":"AC-2","title":"x","severity":"urgent"}`, "", true},
		{"control unknown field", EventTypeControlRegistered, `{"control_id":"AC-2","title":"x","owner":"me"}`, "", true},
		{"retire ok", EventTypeControlRetired, `{"control_id":"AC-2"}`, "AC-2", false},
		{"resource ok", EventTypeResourceObserved, `{"resource_id":"bucket-1","kind":"s3_bucket","attributes":{"public":false}}`, "bucket-1", false},
		{"resource missing kind", EventTypeResourceObserved, `{"resource_id":"bucket-1"}`, "", true},
		{"resource removed", EventTypeResourceRemoved, `{"resource_id":"bucket-1"}`, "bucket-1", false},
		{"evaluation ok", EventTypeControlEvaluated, `{"control_id":"AC-2","resource_id":"bucket-1","result":"fail"}`, "AC-2@bucket-1", false},
		{"evaluation bad result", EventTypeControlEvaluated, `{"control_id":"AC-2","resource_id":"bucket-1","result":"maybe"}`, "", true},
		{"evidence ok", EventTypeEvidenceAttached, `{"evidence_id":"ev-1","digest":"` + testDigest + `"}`, "ev-1", false},
		{"evidence bad digest", EventTypeEvidenceAttached, `{"evidence_id":"ev-1","digest":"` + strings.ToUpper(testDigest) + `"}`, "", true},
		{"exception ok", EventTypeExceptionGranted, `{"exception_id":"ex-1","control_id":"AC-2","justification":"legacy","approver":"ciso","expires_at":"2026-12-31T00:00:00Z"}`, "ex-1", false},
		{"exception missing approver", EventTypeExceptionGranted, `{"exception_id":"ex-1","control_id":"AC-2","justification":"legacy"}`, "", true},
		{"exception revoked", EventTypeExceptionRevoked, `{"exception_id":"ex-1"}`, "ex-1", false},
		{"control id decomposed", EventTypeControlRegistered, `{"control_id":"` + decomposedID + `","title":"x"}`, "", true},
		{"control id composed", EventTypeControlRegistered, `{"control_id":"` + composedID + `","title":"x"}`, composedID, false},
		{"resource id padded", EventTypeResourceRemoved, `{"resource_id":" bucket-1"}`, "", true},
		{"evaluation evidence id decomposed", EventTypeControlEvaluated, `{"control_id":"AC-2","resource_id":"bucket-1","result":"pass","evidence_ids":["` + decomposedID + `"]}`, "", true},
		{"evidence control id decomposed", EventTypeEvidenceAttached, `{"evidence_id":"ev-1","control_id":"` + decomposedID + `","digest":"` + testDigest + `"}`, "", true},
		{"exception resource id decomposed", EventTypeExceptionGranted, `{"exception_id":"ex-1","control_id":"AC-2","resource_id":"` + decomposedID + `","justification":"legacy","approver":"ciso"}`, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			evt, err := registry.ValidateForAppend(event.Event{
				ScopeID:     "acct-1",
				Type:        tc.typ,
				PayloadJSON: []byte(tc.payload),
			})
			if tc.wantErr {
				if !errors.Is(err, event.ErrPayloadInvalid) {
					t.Fatalf("expected ErrPayloadInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if evt.EntityID != tc.wantEntity {
				t.Fatalf("entity id = %q, want %q", evt.EntityID, tc.wantEntity)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	payload, err := Decode[ExceptionGrantedPayload](event.Event{
		Type:        EventTypeExceptionGranted,
		PayloadJSON: []byte(`{"exception_id":"ex-1","control_id":"AC-2","justification":"j","approver":"a","expires_at":"2026-12-31T00:00:00Z"}`),
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ExpiresAt == nil || !payload.ExpiresAt.Equal(time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expires_at %v", payload.ExpiresAt)
	}
	if _, err := Decode[ExceptionGrantedPayload](event.Event{PayloadJSON: []byte(`{`)}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityCritical.Rank() <= SeverityHigh.Rank() || SeverityLow.Rank() != 1 || Severity("x").Rank() != 0 {
		t.Fatal("unexpected severity ranking")
	}
}
