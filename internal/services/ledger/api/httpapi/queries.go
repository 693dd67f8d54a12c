package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/query"
	"github.com/louisbranch/evidence.space/internal/services/ledger/snapshot"
)

type attestRequest struct {
	Seq  uint64     `json:"seq,omitempty"`
	AsOf *time.Time `json:"as_of,omitempty"`
}

type attestResponse struct {
	Token  string     `json:"token"`
	Claims claimsView `json:"claims"`
}

type verifyAttestationRequest struct {
	Token string `json:"token"`
}

// scopeParam returns the normalized scope of the request path after checking
// that the scope has been projected.
func (s *Server) scopeParam(r *http.Request) (string, error) {
	scopeID := event.NormalizeID(r.PathValue("scope"))
	if scopeID == "" {
		return "", event.ErrScopeRequired
	}
	if _, err := s.projections.GetScope(r.Context(), scopeID); err != nil {
		return "", notFoundAs(err, apperrors.CodeScopeNotFound, "scope", scopeID)
	}
	return scopeID, nil
}

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	records, err := s.projections.ListScopes(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scopes": mapSlice(records, scopeViewOf)})
}

func (s *Server) handleGetScope(w http.ResponseWriter, r *http.Request) {
	scopeID := event.NormalizeID(r.PathValue("scope"))
	rec, err := s.projections.GetScope(r.Context(), scopeID)
	if err != nil {
		s.writeError(w, r, notFoundAs(err, apperrors.CodeScopeNotFound, "scope", scopeID))
		return
	}
	writeJSON(w, http.StatusOK, scopeViewOf(rec))
}

func (s *Server) handleListControls(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.projections.ListControls(r.Context(), scopeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"controls": mapSlice(records, controlViewOf)})
}

func (s *Server) handleGetControl(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	controlID := event.NormalizeID(r.PathValue("control"))
	rec, err := s.projections.GetControl(r.Context(), scopeID, controlID)
	if err != nil {
		s.writeError(w, r, notFoundAs(err, apperrors.CodeControlNotFound, "control", controlID))
		return
	}
	writeJSON(w, http.StatusOK, controlViewOf(rec))
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.projections.ListResources(r.Context(), scopeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": mapSlice(records, resourceViewOf)})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resourceID := event.NormalizeID(r.PathValue("resource"))
	rec, err := s.projections.GetResource(r.Context(), scopeID, resourceID)
	if err != nil {
		s.writeError(w, r, notFoundAs(err, apperrors.CodeResourceNotFound, "resource", resourceID))
		return
	}
	writeJSON(w, http.StatusOK, resourceViewOf(rec))
}

func (s *Server) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	controlID := event.NormalizeID(r.URL.Query().Get("control_id"))
	records, err := s.projections.ListEvaluations(r.Context(), scopeID, controlID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluations": mapSlice(records, evaluationViewOf)})
}

func (s *Server) handleListEvidence(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.projections.ListEvidence(r.Context(), scopeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": mapSlice(records, evidenceViewOf)})
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.projections.ListExceptions(r.Context(), scopeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exceptions": mapSlice(records, exceptionViewOf)})
}

func (s *Server) handleGetException(w http.ResponseWriter, r *http.Request) {
	scopeID, err := s.scopeParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exceptionID := event.NormalizeID(r.PathValue("exception"))
	rec, err := s.projections.GetException(r.Context(), scopeID, exceptionID)
	if err != nil {
		s.writeError(w, r, notFoundAs(err, apperrors.CodeExceptionNotFound, "exception", exceptionID))
		return
	}
	writeJSON(w, http.StatusOK, exceptionViewOf(rec))
}

// handlePosture reconstructs posture from the journal, so it reflects
// appended events even before projections catch up.
func (s *Server) handlePosture(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	point, err := parsePoint(values.Get("seq"), values.Get("as_of"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.commands.Posture(r.Context(), r.PathValue("scope"), point)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	req := query.ListEventsRequest{
		ScopeID:   r.PathValue("scope"),
		Filter:    values.Get("filter"),
		OrderBy:   values.Get("order"),
		PageToken: values.Get("cursor"),
	}
	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, apperrors.New(apperrors.CodeInvalidArgument, "page_size must be an integer"))
			return
		}
		req.PageSize = size
	}
	page, err := query.ListEvents(r.Context(), s.events, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	view, err := query.VerifyScope(r.Context(), s.verifier, r.PathValue("scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	var req attestRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	point := snapshot.Point{Seq: req.Seq}
	if req.AsOf != nil {
		point.Time = req.AsOf.UTC()
	}
	token, claims, err := s.commands.Attest(r.Context(), r.PathValue("scope"), point)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, attestResponse{Token: token, Claims: claimsViewOf(claims)})
}

func (s *Server) handleVerifyAttestation(w http.ResponseWriter, r *http.Request) {
	if s.attestations == nil {
		s.writeError(w, r, apperrors.New(apperrors.CodeAttestationNotConfigured, "attestation verification is not configured"))
		return
	}
	var req verifyAttestationRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.attestations.Verify(req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimsViewOf(claims))
}
