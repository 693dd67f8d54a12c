package httpapi

import (
	"net/http"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/facts"
	"github.com/louisbranch/evidence.space/internal/services/ledger/query"
)

type eventResponse struct {
	Event query.EventView `json:"event"`
}

type createScopeRequest struct {
	ScopeID    string   `json:"scope_id"`
	Name       string   `json:"name"`
	Frameworks []string `json:"frameworks,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type policyRunResponse struct {
	Controls  int               `json:"controls"`
	Unmatched int               `json:"unmatched"`
	Events    []query.EventView `json:"events"`
}

// appended writes the event a command produced.
func (s *Server) appended(w http.ResponseWriter, r *http.Request, evt event.Event, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventResponse{Event: query.ViewOf(evt)})
}

func (s *Server) handleCreateScope(w http.ResponseWriter, r *http.Request) {
	var req createScopeRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.CreateScope(r.Context(), actorFrom(r), req.ScopeID, facts.ScopeCreatedPayload{
		Name:       req.Name,
		Frameworks: req.Frameworks,
	})
	s.appended(w, r, evt, err)
}

func (s *Server) handleRegisterControl(w http.ResponseWriter, r *http.Request) {
	var payload facts.ControlRegisteredPayload
	if err := decodeBody(w, r, &payload, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.RegisterControl(r.Context(), actorFrom(r), r.PathValue("scope"), payload)
	s.appended(w, r, evt, err)
}

func (s *Server) handleRetireControl(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.RetireControl(r.Context(), actorFrom(r), r.PathValue("scope"), facts.ControlRetiredPayload{
		ControlID: r.PathValue("control"),
		Reason:    req.Reason,
	})
	s.appended(w, r, evt, err)
}

func (s *Server) handleObserveResource(w http.ResponseWriter, r *http.Request) {
	var payload facts.ResourceObservedPayload
	if err := decodeBody(w, r, &payload, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.ObserveResource(r.Context(), actorFrom(r), r.PathValue("scope"), payload)
	s.appended(w, r, evt, err)
}

func (s *Server) handleRemoveResource(w http.ResponseWriter, r *http.Request) {
	evt, err := s.commands.RemoveResource(r.Context(), actorFrom(r), r.PathValue("scope"), facts.ResourceRemovedPayload{
		ResourceID: r.PathValue("resource"),
		Reason:     r.URL.Query().Get("reason"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Event: query.ViewOf(evt)})
}

func (s *Server) handleRecordEvaluation(w http.ResponseWriter, r *http.Request) {
	var payload facts.ControlEvaluatedPayload
	if err := decodeBody(w, r, &payload, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.RecordEvaluation(r.Context(), actorFrom(r), r.PathValue("scope"), payload)
	s.appended(w, r, evt, err)
}

func (s *Server) handleEvaluatePolicies(w http.ResponseWriter, r *http.Request) {
	run, err := s.commands.EvaluatePolicies(r.Context(), actorFrom(r), r.PathValue("scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, policyRunResponse{
		Controls:  run.Controls,
		Unmatched: run.Unmatched,
		Events:    mapSlice(run.Events, query.ViewOf),
	})
}

func (s *Server) handleAttachEvidence(w http.ResponseWriter, r *http.Request) {
	var payload facts.EvidenceAttachedPayload
	if err := decodeBody(w, r, &payload, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.AttachEvidence(r.Context(), actorFrom(r), r.PathValue("scope"), payload)
	s.appended(w, r, evt, err)
}

func (s *Server) handleGrantException(w http.ResponseWriter, r *http.Request) {
	var payload facts.ExceptionGrantedPayload
	if err := decodeBody(w, r, &payload, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.GrantException(r.Context(), actorFrom(r), r.PathValue("scope"), payload)
	s.appended(w, r, evt, err)
}

func (s *Server) handleRevokeException(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	evt, err := s.commands.RevokeException(r.Context(), actorFrom(r), r.PathValue("scope"), facts.ExceptionRevokedPayload{
		ExceptionID: r.PathValue("exception"),
		Reason:      req.Reason,
	})
	s.appended(w, r, evt, err)
}
