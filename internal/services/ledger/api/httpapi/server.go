// Package httpapi exposes the ledger commands and queries as a JSON HTTP API.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/louisbranch/evidence.space/internal/platform/id"
	"github.com/louisbranch/evidence.space/internal/platform/logging"
	"github.com/louisbranch/evidence.space/internal/platform/requestctx"
	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/compliance"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/posture"
	"github.com/louisbranch/evidence.space/internal/services/ledger/query"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

// Request headers that identify the caller.
const (
	HeaderActorType     = "X-Actor-Type"
	HeaderActorID       = "X-Actor-ID"
	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
)

// maxBodyBytes bounds command request bodies.
const maxBodyBytes = 1 << 20

// Commands is the write side used by the API.
type Commands interface {
	CreateScope(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ScopeCreatedPayload) (event.Event, error)
	RegisterControl(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ControlRegisteredPayload) (event.Event, error)
	RetireControl(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ControlRetiredPayload) (event.Event, error)
	ObserveResource(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ResourceObservedPayload) (event.Event, error)
	RemoveResource(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ResourceRemovedPayload) (event.Event, error)
	RecordEvaluation(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ControlEvaluatedPayload) (event.Event, error)
	AttachEvidence(ctx context.Context, actor compliance.Actor, scopeID string, p facts.EvidenceAttachedPayload) (event.Event, error)
	GrantException(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ExceptionGrantedPayload) (event.Event, error)
	RevokeException(ctx context.Context, actor compliance.Actor, scopeID string, p facts.ExceptionRevokedPayload) (event.Event, error)
	EvaluatePolicies(ctx context.Context, actor compliance.Actor, scopeID string) (compliance.PolicyRun, error)
	Posture(ctx context.Context, scopeID string, point snapshot.Point) (posture.Summary, error)
	Attest(ctx context.Context, scopeID string, point snapshot.Point) (string, attest.Claims, error)
}

// Projections is the read side used by the API.
type Projections interface {
	GetScope(ctx context.Context, scopeID string) (storage.ScopeRecord, error)
	ListScopes(ctx context.Context) ([]storage.ScopeRecord, error)
	GetControl(ctx context.Context, scopeID, controlID string) (storage.ControlRecord, error)
	ListControls(ctx context.Context, scopeID string) ([]storage.ControlRecord, error)
	GetResource(ctx context.Context, scopeID, resourceID string) (storage.ResourceRecord, error)
	ListResources(ctx context.Context, scopeID string) ([]storage.ResourceRecord, error)
	ListEvaluations(ctx context.Context, scopeID, controlID string) ([]storage.EvaluationRecord, error)
	ListEvidence(ctx context.Context, scopeID string) ([]storage.EvidenceRecord, error)
	GetException(ctx context.Context, scopeID, exceptionID string) (storage.ExceptionRecord, error)
	ListExceptions(ctx context.Context, scopeID string) ([]storage.ExceptionRecord, error)
}

// Deps wires a Server.
type Deps struct {
	Commands    Commands
	Projections Projections
	Events      query.EventPager
	Verifier    query.ScopeVerifier
	// Attestations verifies tokens; nil disables the verify endpoint.
	Attestations *attest.Verifier
	Logger       *zap.Logger
}

// Server serves the ledger HTTP API.
type Server struct {
	commands     Commands
	projections  Projections
	events       query.EventPager
	verifier     query.ScopeVerifier
	attestations *attest.Verifier
	logger       *zap.Logger
}

// NewServer builds a Server from deps.
func NewServer(deps Deps) (*Server, error) {
	switch {
	case deps.Commands == nil:
		return nil, fmt.Errorf("commands are required")
	case deps.Projections == nil:
		return nil, fmt.Errorf("projections are required")
	case deps.Events == nil:
		return nil, fmt.Errorf("event pager is required")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("scope verifier is required")
	}
	return &Server{
		commands:     deps.Commands,
		projections:  deps.Projections,
		events:       deps.Events,
		verifier:     deps.Verifier,
		attestations: deps.Attestations,
		logger:       logging.OrNop(deps.Logger),
	}, nil
}

// Handler returns the traced API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return otelhttp.NewHandler(withCaller(mux), "ledger.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if r.Pattern != "" {
				return r.Pattern
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

// RegisterRoutes registers the API endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/scopes", s.handleCreateScope)
	mux.HandleFunc("GET /v1/scopes", s.handleListScopes)
	mux.HandleFunc("GET /v1/scopes/{scope}", s.handleGetScope)

	mux.HandleFunc("POST /v1/scopes/{scope}/controls", s.handleRegisterControl)
	mux.HandleFunc("GET /v1/scopes/{scope}/controls", s.handleListControls)
	mux.HandleFunc("GET /v1/scopes/{scope}/controls/{control}", s.handleGetControl)
	mux.HandleFunc("POST /v1/scopes/{scope}/controls/{control}/retire", s.handleRetireControl)

	mux.HandleFunc("POST /v1/scopes/{scope}/resources", s.handleObserveResource)
	mux.HandleFunc("GET /v1/scopes/{scope}/resources", s.handleListResources)
	mux.HandleFunc("GET /v1/scopes/{scope}/resources/{resource}", s.handleGetResource)
	mux.HandleFunc("DELETE /v1/scopes/{scope}/resources/{resource}", s.handleRemoveResource)

	mux.HandleFunc("POST /v1/scopes/{scope}/evaluations", s.handleRecordEvaluation)
	mux.HandleFunc("GET /v1/scopes/{scope}/evaluations", s.handleListEvaluations)
	mux.HandleFunc("POST /v1/scopes/{scope}/policy-runs", s.handleEvaluatePolicies)

	mux.HandleFunc("POST /v1/scopes/{scope}/evidence", s.handleAttachEvidence)
	mux.HandleFunc("GET /v1/scopes/{scope}/evidence", s.handleListEvidence)

	mux.HandleFunc("POST /v1/scopes/{scope}/exceptions", s.handleGrantException)
	mux.HandleFunc("GET /v1/scopes/{scope}/exceptions", s.handleListExceptions)
	mux.HandleFunc("GET /v1/scopes/{scope}/exceptions/{exception}", s.handleGetException)
	mux.HandleFunc("POST /v1/scopes/{scope}/exceptions/{exception}/revoke", s.handleRevokeException)

	mux.HandleFunc("GET /v1/scopes/{scope}/posture", s.handlePosture)
	mux.HandleFunc("GET /v1/scopes/{scope}/events", s.handleListEvents)
	mux.HandleFunc("GET /v1/scopes/{scope}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/scopes/{scope}/attestations", s.handleAttest)
	mux.HandleFunc("POST /v1/attestations/verify", s.handleVerifyAttestation)
}

// withCaller reads the caller headers into the request context. A missing
// request id is generated and echoed back.
func withCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := requestctx.Caller{
			ActorType:     strings.TrimSpace(r.Header.Get(HeaderActorType)),
			ActorID:       strings.TrimSpace(r.Header.Get(HeaderActorID)),
			RequestID:     strings.TrimSpace(r.Header.Get(HeaderRequestID)),
			CorrelationID: strings.TrimSpace(r.Header.Get(HeaderCorrelationID)),
		}
		if caller.ActorType == "" {
			caller.ActorType = string(event.ActorTypeUser)
		}
		if caller.RequestID == "" {
			if generated, err := id.NewID(); err == nil {
				caller.RequestID = generated
			}
		}
		w.Header().Set(HeaderRequestID, caller.RequestID)
		next.ServeHTTP(w, r.WithContext(requestctx.WithCaller(r.Context(), caller)))
	})
}

// actorFrom builds the command actor of a request.
func actorFrom(r *http.Request) compliance.Actor {
	caller := requestctx.CallerFromContext(r.Context())
	return compliance.Actor{
		Type:          event.ActorType(caller.ActorType),
		ID:            caller.ActorID,
		RequestID:     caller.RequestID,
		CorrelationID: caller.CorrelationID,
	}
}
