package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/projection"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/integrity"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/sqlite"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

const bucketPolicy = `
function evaluate(r)
  if r.attributes.encrypted then return "pass" end
  return "fail", "unencrypted"
end
`

type apiEnv struct {
	t           *testing.T
	server      *httptest.Server
	events      *sqlite.Store
	projections *sqlite.Store
	processor   projection.Processor
}

func newAPIEnv(t *testing.T, withAttestations bool) *apiEnv {
	t.Helper()
	ctx := context.Background()
	registry, err := facts.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	keyring, err := integrity.NewKeyring(map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")}, "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	dir := t.TempDir()
	events, err := sqlite.OpenEvents(ctx, filepath.Join(dir, "events.sqlite"), keyring, registry)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	t.Cleanup(func() { _ = events.Close() })
	projections, err := sqlite.OpenProjections(ctx, filepath.Join(dir, "projections.sqlite"))
	if err != nil {
		t.Fatalf("open projections: %v", err)
	}
	t.Cleanup(func() { _ = projections.Close() })

	deps := compliance.Deps{
		Journal: events,
		States:  snapshot.NewService(events, projections),
		Now:     func() time.Time { return testNow },
	}
	var verifier *attest.Verifier
	if withAttestations {
		public, private, err := ed25519.GenerateKey(bytes.NewReader(bytes.Repeat([]byte{7}, 64)))
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		cfg := attest.Config{Issuer: "ledger", Audience: "auditors", PrivateKey: private, PublicKey: public, Now: func() time.Time { return testNow }}
		if deps.Attestor, err = attest.NewIssuer(cfg); err != nil {
			t.Fatalf("issuer: %v", err)
		}
		if verifier, err = attest.NewVerifier(cfg); err != nil {
			t.Fatalf("verifier: %v", err)
		}
	}
	svc, err := compliance.NewService(deps)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	srv, err := NewServer(Deps{
		Commands:     svc,
		Projections:  projections,
		Events:       events,
		Verifier:     events,
		Attestations: verifier,
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{
		t:           t,
		server:      ts,
		events:      events,
		projections: projections,
		processor: projection.Processor{
			Store:      projections,
			Watermarks: projections,
			Now:        func() time.Time { return testNow },
		},
	}
}

// project applies every journal event of scopeID to the read models.
func (e *apiEnv) project(scopeID string) {
	e.t.Helper()
	ctx := context.Background()
	events, err := e.events.ListEvents(ctx, scopeID, 0, 1000)
	if err != nil {
		e.t.Fatalf("list events: %v", err)
	}
	for _, evt := range events {
		if err := e.processor.Apply(ctx, evt); err != nil {
			e.t.Fatalf("apply %d: %v", evt.Seq, err)
		}
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) decode(t *testing.T, target any) {
	t.Helper()
	if err := json.Unmarshal(r.body, target); err != nil {
		t.Fatalf("decode %s: %v", r.body, err)
	}
}

func (r response) errorCode(t *testing.T) string {
	t.Helper()
	var body errorBody
	r.decode(t, &body)
	return body.Error.Code
}

func (e *apiEnv) do(method, path string, body any, headers map[string]string) response {
	e.t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if headers == nil {
		headers = map[string]string{HeaderActorID: "auditor-1"}
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	return response{status: resp.StatusCode, header: resp.Header, body: data}
}

func (e *apiEnv) mustDo(method, path string, body any, want int) response {
	e.t.Helper()
	resp := e.do(method, path, body, nil)
	if resp.status != want {
		e.t.Fatalf("%s %s = %d, want %d: %s", method, path, resp.status, want, resp.body)
	}
	return resp
}

func (e *apiEnv) seed() {
	e.t.Helper()
	e.mustDo(http.MethodPost, "/v1/scopes", map[string]any{"scope_id": "acct-1", "name": "Storage"}, http.StatusCreated)
	e.mustDo(http.MethodPost, "/v1/scopes/acct-1/controls", map[string]any{
		"control_id": "enc", "title": "Encryption", "severity": "high",
		"resource_kinds": []string{"bucket"}, "policy": bucketPolicy,
	}, http.StatusCreated)
	e.mustDo(http.MethodPost, "/v1/scopes/acct-1/resources", map[string]any{
		"resource_id": "b1", "kind": "bucket", "attributes": map[string]any{"encrypted": true},
	}, http.StatusCreated)
	e.mustDo(http.MethodPost, "/v1/scopes/acct-1/resources", map[string]any{
		"resource_id": "b2", "kind": "bucket", "attributes": map[string]any{"encrypted": false},
	}, http.StatusCreated)
}

func TestAPI_CommandsAndQueries(t *testing.T) {
	env := newAPIEnv(t, false)
	env.seed()

	var run policyRunResponse
	env.mustDo(http.MethodPost, "/v1/scopes/acct-1/policy-runs", nil, http.StatusCreated).decode(t, &run)
	if run.Controls != 1 || len(run.Events) != 2 {
		t.Fatalf("unexpected policy run %+v", run)
	}
	env.project("acct-1")

	var controls struct {
		Controls []controlView `json:"controls"`
	}
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/controls", nil, http.StatusOK).decode(t, &controls)
	if len(controls.Controls) != 1 || controls.Controls[0].Severity != "high" {
		t.Fatalf("unexpected controls %+v", controls)
	}

	var evaluations struct {
		Evaluations []evaluationView `json:"evaluations"`
	}
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/evaluations?control_id=enc", nil, http.StatusOK).decode(t, &evaluations)
	results := map[string]string{}
	for _, ev := range evaluations.Evaluations {
		results[ev.ResourceID] = ev.Result
	}
	if results["b1"] != "pass" || results["b2"] != "fail" {
		t.Fatalf("unexpected evaluations %v", results)
	}

	var summary struct {
		Seq      uint64 `json:"seq"`
		Controls []struct {
			ControlID string `json:"control_id"`
			Status    string `json:"status"`
		} `json:"controls"`
	}
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/posture", nil, http.StatusOK).decode(t, &summary)
	if summary.Seq != 6 || len(summary.Controls) != 1 || summary.Controls[0].Status != "noncompliant" {
		t.Fatalf("unexpected posture %+v", summary)
	}
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/posture?seq=2", nil, http.StatusOK).decode(t, &summary)
	if summary.Seq != 2 || summary.Controls[0].Status != "unknown" {
		t.Fatalf("unexpected posture at seq 2 %+v", summary)
	}

	env.mustDo(http.MethodPost, "/v1/scopes/acct-1/exceptions", map[string]any{
		"exception_id": "ex-1", "control_id": "enc", "resource_id": "b2",
		"justification": "migration", "approver": "ciso",
	}, http.StatusCreated)
	env.mustDo(http.MethodPost, "/v1/scopes/acct-1/exceptions/ex-1/revoke", map[string]any{"reason": "done"}, http.StatusCreated)
	env.mustDo(http.MethodDelete, "/v1/scopes/acct-1/resources/b2?reason=deleted", nil, http.StatusOK)
	env.project("acct-1")

	var exception exceptionView
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/exceptions/ex-1", nil, http.StatusOK).decode(t, &exception)
	if !exception.Revoked || exception.RevokeReason != "done" {
		t.Fatalf("unexpected exception %+v", exception)
	}
	var resource resourceView
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/resources/b2", nil, http.StatusOK).decode(t, &resource)
	if !resource.Removed {
		t.Fatalf("expected b2 removed: %+v", resource)
	}

	var page struct {
		Events []struct {
			Seq  uint64 `json:"seq"`
			Type string `json:"type"`
		} `json:"events"`
		NextPageToken string `json:"next_page_token"`
		TotalSize     int    `json:"total_size"`
	}
	filter := url.QueryEscape(`type = "resource.observed"`)
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/events?page_size=1&filter="+filter, nil, http.StatusOK).decode(t, &page)
	if page.TotalSize != 2 || len(page.Events) != 1 || page.Events[0].Seq != 3 || page.NextPageToken == "" {
		t.Fatalf("unexpected events page %+v", page)
	}
	next := "/v1/scopes/acct-1/events?page_size=1&filter=" + filter + "&cursor=" + url.QueryEscape(page.NextPageToken)
	env.mustDo(http.MethodGet, next, nil, http.StatusOK).decode(t, &page)
	if len(page.Events) != 1 || page.Events[0].Seq != 4 {
		t.Fatalf("unexpected second page %+v", page)
	}

	var verify struct {
		Valid   bool   `json:"valid"`
		HeadSeq uint64 `json:"head_seq"`
	}
	env.mustDo(http.MethodGet, "/v1/scopes/acct-1/verify", nil, http.StatusOK).decode(t, &verify)
	if !verify.Valid || verify.HeadSeq != 9 {
		t.Fatalf("unexpected verify %+v", verify)
	}

	var scopes struct {
		Scopes []scopeView `json:"scopes"`
	}
	env.mustDo(http.MethodGet, "/v1/scopes", nil, http.StatusOK).decode(t, &scopes)
	if len(scopes.Scopes) != 1 || scopes.Scopes[0].Name != "Storage" {
		t.Fatalf("unexpected scopes %+v", scopes)
	}
	env.mustDo(http.MethodGet, "/healthz", nil, http.StatusOK)
}

func TestAPI_Errors(t *testing.T) {
	env := newAPIEnv(t, false)
	env.seed()
	env.project("acct-1")

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		headers map[string]string
		status  int
		code    string
	}{
		{"missing actor id", http.MethodPost, "/v1/scopes", map[string]any{"scope_id": "acct-2", "name": "x"}, map[string]string{}, http.StatusBadRequest, "EVENT_ACTOR_INVALID"},
		{"duplicate scope", http.MethodPost, "/v1/scopes", map[string]any{"scope_id": "acct-1", "name": "x"}, nil, http.StatusConflict, "SCOPE_ALREADY_EXISTS"},
		{"unknown body field", http.MethodPost, "/v1/scopes", `{"scope_id":"acct-3","nme":"x"}`, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"malformed body", http.MethodPost, "/v1/scopes/acct-1/controls", `{`, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown scope", http.MethodGet, "/v1/scopes/acct-9", nil, nil, http.StatusNotFound, "SCOPE_NOT_FOUND"},
		{"unknown scope list", http.MethodGet, "/v1/scopes/acct-9/controls", nil, nil, http.StatusNotFound, "SCOPE_NOT_FOUND"},
		{"unknown control", http.MethodGet, "/v1/scopes/acct-1/controls/nope", nil, nil, http.StatusNotFound, "CONTROL_NOT_FOUND"},
		{"retire unknown control", http.MethodPost, "/v1/scopes/acct-1/controls/nope/retire", nil, nil, http.StatusNotFound, "CONTROL_NOT_FOUND"},
		{"bad seq", http.MethodGet, "/v1/scopes/acct-1/posture?seq=abc", nil, nil, http.StatusBadRequest, "POINT_INVALID"},
		{"bad as_of", http.MethodGet, "/v1/scopes/acct-1/posture?as_of=yesterday", nil, nil, http.StatusBadRequest, "POINT_INVALID"},
		{"future seq", http.MethodGet, "/v1/scopes/acct-1/posture?seq=99", nil, nil, http.StatusBadRequest, "SNAPSHOT_POINT_IN_FUTURE"},
		{"bad filter", http.MethodGet, "/v1/scopes/acct-1/events?filter=" + url.QueryEscape("bogus = 1"), nil, nil, http.StatusBadRequest, "FILTER_INVALID"},
		{"bad page size", http.MethodGet, "/v1/scopes/acct-1/events?page_size=ten", nil, nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"verify unknown scope", http.MethodGet, "/v1/scopes/acct-9/verify", nil, nil, http.StatusNotFound, "SCOPE_NOT_FOUND"},
		{"attest disabled", http.MethodPost, "/v1/scopes/acct-1/attestations", nil, nil, http.StatusServiceUnavailable, "ATTESTATION_NOT_CONFIGURED"},
		{"verify disabled", http.MethodPost, "/v1/attestations/verify", map[string]any{"token": "x"}, nil, http.StatusServiceUnavailable, "ATTESTATION_NOT_CONFIGURED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(tt.method, tt.path, tt.body, tt.headers)
			if resp.status != tt.status {
				t.Fatalf("status = %d, want %d: %s", resp.status, tt.status, resp.body)
			}
			if code := resp.errorCode(t); code != tt.code {
				t.Fatalf("code = %q, want %q", code, tt.code)
			}
		})
	}
}

func TestAPI_CallerHeaders(t *testing.T) {
	env := newAPIEnv(t, false)

	resp := env.do(http.MethodPost, "/v1/scopes", map[string]any{"scope_id": "acct-1", "name": "Storage"}, map[string]string{
		HeaderActorType:     "collector",
		HeaderActorID:       "scanner-7",
		HeaderRequestID:     "req-42",
		HeaderCorrelationID: "run-9",
	})
	if resp.status != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.status, resp.body)
	}
	if got := resp.header.Get(HeaderRequestID); got != "req-42" {
		t.Fatalf("echoed request id = %q", got)
	}
	var created eventResponse
	resp.decode(t, &created)
	evt := created.Event
	if evt.ActorType != "collector" || evt.ActorID != "scanner-7" || evt.RequestID != "req-42" || evt.CorrelationID != "run-9" {
		t.Fatalf("unexpected envelope %+v", evt)
	}

	generated := env.do(http.MethodGet, "/healthz", nil, map[string]string{})
	if generated.header.Get(HeaderRequestID) == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestAPI_Attestations(t *testing.T) {
	env := newAPIEnv(t, true)
	env.seed()

	var issued attestResponse
	env.mustDo(http.MethodPost, "/v1/scopes/acct-1/attestations", map[string]any{"seq": 3}, http.StatusCreated).decode(t, &issued)
	if issued.Token == "" || issued.Claims.Seq != 3 || issued.Claims.ScopeID != "acct-1" {
		t.Fatalf("unexpected attestation %+v", issued)
	}

	var claims claimsView
	env.mustDo(http.MethodPost, "/v1/attestations/verify", map[string]any{"token": issued.Token}, http.StatusOK).decode(t, &claims)
	if claims.Seq != 3 || claims.ChainHash != issued.Claims.ChainHash {
		t.Fatalf("unexpected verified claims %+v", claims)
	}

	sig := strings.LastIndex(issued.Token, ".") + 4
	flip := byte('A')
	if issued.Token[sig] == flip {
		flip = 'B'
	}
	tampered := issued.Token[:sig] + string(flip) + issued.Token[sig+1:]
	resp := env.do(http.MethodPost, "/v1/attestations/verify", map[string]any{"token": tampered}, nil)
	if resp.status != http.StatusBadRequest || resp.errorCode(t) != "ATTESTATION_INVALID" {
		t.Fatalf("tampered token = %d %s", resp.status, resp.body)
	}
}
