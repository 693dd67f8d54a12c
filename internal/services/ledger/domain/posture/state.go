package posture

import (
	"maps"
	"slices"
	"time"
)

// Control is a control definition as of the folded position.
type Control struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Framework     string    `json:"framework,omitempty"`
	Requirement   string    `json:"requirement,omitempty"`
	Severity      string    `json:"severity"`
	ResourceKinds []string  `json:"resource_kinds,omitempty"`
	Policy        string    `json:"policy,omitempty"`
	Retired       bool      `json:"retired,omitempty"`
	RetiredReason string    `json:"retired_reason,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AppliesTo reports whether the control targets resources of kind.
// A control without resource kinds applies to every kind.
func (c Control) AppliesTo(kind string) bool {
	return len(c.ResourceKinds) == 0 || slices.Contains(c.ResourceKinds, kind)
}

// Resource is the last observed shape of a resource.
type Resource struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Removed    bool           `json:"removed,omitempty"`
	ObservedAt time.Time      `json:"observed_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Evaluation is the latest result of a control against a resource.
type Evaluation struct {
	ControlID   string    `json:"control_id"`
	ResourceID  string    `json:"resource_id"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason,omitempty"`
	EvidenceIDs []string  `json:"evidence_ids,omitempty"`
	Evaluator   string    `json:"evaluator,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Seq         uint64    `json:"seq"`
}

// Evidence indexes an attached artifact.
type Evidence struct {
	ID          string     `json:"id"`
	ControlID   string     `json:"control_id,omitempty"`
	ResourceID  string     `json:"resource_id,omitempty"`
	Digest      string     `json:"digest"`
	MediaType   string     `json:"media_type,omitempty"`
	URI         string     `json:"uri,omitempty"`
	CollectedAt *time.Time `json:"collected_at,omitempty"`
	AttachedAt  time.Time  `json:"attached_at"`
	Seq         uint64     `json:"seq"`
}

// Exception is an accepted risk on a control.
type Exception struct {
	ID            string     `json:"id"`
	ControlID     string     `json:"control_id"`
	ResourceID    string     `json:"resource_id,omitempty"`
	Justification string     `json:"justification"`
	Approver      string     `json:"approver"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	GrantedAt     time.Time  `json:"granted_at"`
	Revoked       bool       `json:"revoked,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
}

// ActiveAt reports whether the exception is in force at t.
func (e Exception) ActiveAt(t time.Time) bool {
	if e.Revoked {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(t)
}

// Covers reports whether the exception applies to controlID on resourceID.
func (e Exception) Covers(controlID, resourceID string) bool {
	return e.ControlID == controlID && (e.ResourceID == "" || e.ResourceID == resourceID)
}

// State is the folded compliance state of one scope.
//
// Evaluations are keyed by control id, then resource id.
type State struct {
	ScopeID       string                           `json:"scope_id"`
	Created       bool                             `json:"created"`
	Name          string                           `json:"name,omitempty"`
	Frameworks    []string                         `json:"frameworks,omitempty"`
	CreatedAt     time.Time                        `json:"created_at"`
	Controls      map[string]Control               `json:"controls"`
	Resources     map[string]Resource              `json:"resources"`
	Evaluations   map[string]map[string]Evaluation `json:"evaluations"`
	Evidence      map[string]Evidence              `json:"evidence"`
	Exceptions    map[string]Exception             `json:"exceptions"`
	LastSeq       uint64                           `json:"last_seq"`
	LastChainHash string                           `json:"last_chain_hash,omitempty"`
	LastEventAt   time.Time                        `json:"last_event_at"`
}

// New returns the empty state of a scope.
func New(scopeID string) State {
	state := State{ScopeID: scopeID}
	state.ensureMaps()
	return state
}

func (s *State) ensureMaps() {
	if s.Controls == nil {
		s.Controls = make(map[string]Control)
	}
	if s.Resources == nil {
		s.Resources = make(map[string]Resource)
	}
	if s.Evaluations == nil {
		s.Evaluations = make(map[string]map[string]Evaluation)
	}
	if s.Evidence == nil {
		s.Evidence = make(map[string]Evidence)
	}
	if s.Exceptions == nil {
		s.Exceptions = make(map[string]Exception)
	}
}

// Clone returns a copy whose maps can be folded without touching s.
// Slices and attribute maps inside records are replaced, never mutated, by
// Fold, so they are shared.
func (s State) Clone() State {
	out := s
	out.Frameworks = slices.Clone(s.Frameworks)
	out.Controls = maps.Clone(s.Controls)
	out.Resources = maps.Clone(s.Resources)
	out.Evidence = maps.Clone(s.Evidence)
	out.Exceptions = maps.Clone(s.Exceptions)
	out.Evaluations = make(map[string]map[string]Evaluation, len(s.Evaluations))
	for controlID, byResource := range s.Evaluations {
		out.Evaluations[controlID] = maps.Clone(byResource)
	}
	out.ensureMaps()
	return out
}

// ActiveControls returns non-retired controls ordered by id.
func (s State) ActiveControls() []Control {
	controls := make([]Control, 0, len(s.Controls))
	for _, id := range slices.Sorted(maps.Keys(s.Controls)) {
		if c := s.Controls[id]; !c.Retired {
			controls = append(controls, c)
		}
	}
	return controls
}

// ActiveResources returns non-removed resources ordered by id.
func (s State) ActiveResources() []Resource {
	resources := make([]Resource, 0, len(s.Resources))
	for _, id := range slices.Sorted(maps.Keys(s.Resources)) {
		if r := s.Resources[id]; !r.Removed {
			resources = append(resources, r)
		}
	}
	return resources
}

// ActiveExceptionFor returns the first exception, by id, covering controlID
// on resourceID at t.
func (s State) ActiveExceptionFor(controlID, resourceID string, t time.Time) (Exception, bool) {
	for _, id := range slices.Sorted(maps.Keys(s.Exceptions)) {
		ex := s.Exceptions[id]
		if ex.Covers(controlID, resourceID) && ex.ActiveAt(t) {
			return ex, true
		}
	}
	return Exception{}, false
}
