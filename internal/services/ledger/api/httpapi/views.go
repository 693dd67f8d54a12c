package httpapi

import (
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/attest"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
)

type scopeView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Frameworks []string  `json:"frameworks,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	LastSeq    uint64    `json:"last_seq"`
}

func scopeViewOf(rec storage.ScopeRecord) scopeView {
	return scopeView{
		ID:         rec.ID,
		Name:       rec.Name,
		Frameworks: rec.Frameworks,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		LastSeq:    rec.LastSeq,
	}
}

type controlView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Framework     string    `json:"framework,omitempty"`
	Requirement   string    `json:"requirement,omitempty"`
	Severity      string    `json:"severity"`
	ResourceKinds []string  `json:"resource_kinds,omitempty"`
	Policy        string    `json:"policy,omitempty"`
	Retired       bool      `json:"retired"`
	RetiredReason string    `json:"retired_reason,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastSeq       uint64    `json:"last_seq"`
}

func controlViewOf(rec storage.ControlRecord) controlView {
	return controlView{
		ID:            rec.ID,
		Title:         rec.Title,
		Framework:     rec.Framework,
		Requirement:   rec.Requirement,
		Severity:      rec.Severity,
		ResourceKinds: rec.ResourceKinds,
		Policy:        rec.Policy,
		Retired:       rec.Retired,
		RetiredReason: rec.RetiredReason,
		RegisteredAt:  rec.RegisteredAt,
		UpdatedAt:     rec.UpdatedAt,
		LastSeq:       rec.LastSeq,
	}
}

type resourceView struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Removed    bool           `json:"removed"`
	ObservedAt time.Time      `json:"observed_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	LastSeq    uint64         `json:"last_seq"`
}

func resourceViewOf(rec storage.ResourceRecord) resourceView {
	return resourceView{
		ID:         rec.ID,
		Kind:       rec.Kind,
		Attributes: rec.Attributes,
		Removed:    rec.Removed,
		ObservedAt: rec.ObservedAt,
		UpdatedAt:  rec.UpdatedAt,
		LastSeq:    rec.LastSeq,
	}
}

type evaluationView struct {
	ControlID   string    `json:"control_id"`
	ResourceID  string    `json:"resource_id"`
	Result      string    `json:"result"`
	Reason      string    `json:"reason,omitempty"`
	EvidenceIDs []string  `json:"evidence_ids,omitempty"`
	Evaluator   string    `json:"evaluator,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	LastSeq     uint64    `json:"last_seq"`
}

func evaluationViewOf(rec storage.EvaluationRecord) evaluationView {
	return evaluationView{
		ControlID:   rec.ControlID,
		ResourceID:  rec.ResourceID,
		Result:      rec.Result,
		Reason:      rec.Reason,
		EvidenceIDs: rec.EvidenceIDs,
		Evaluator:   rec.Evaluator,
		EvaluatedAt: rec.EvaluatedAt,
		LastSeq:     rec.LastSeq,
	}
}

type evidenceView struct {
	ID          string     `json:"id"`
	ControlID   string     `json:"control_id,omitempty"`
	ResourceID  string     `json:"resource_id,omitempty"`
	Digest      string     `json:"digest"`
	MediaType   string     `json:"media_type,omitempty"`
	URI         string     `json:"uri,omitempty"`
	CollectedAt *time.Time `json:"collected_at,omitempty"`
	AttachedAt  time.Time  `json:"attached_at"`
	LastSeq     uint64     `json:"last_seq"`
}

func evidenceViewOf(rec storage.EvidenceRecord) evidenceView {
	return evidenceView{
		ID:          rec.ID,
		ControlID:   rec.ControlID,
		ResourceID:  rec.ResourceID,
		Digest:      rec.Digest,
		MediaType:   rec.MediaType,
		URI:         rec.URI,
		CollectedAt: rec.CollectedAt,
		AttachedAt:  rec.AttachedAt,
		LastSeq:     rec.LastSeq,
	}
}

type exceptionView struct {
	ID            string     `json:"id"`
	ControlID     string     `json:"control_id"`
	ResourceID    string     `json:"resource_id,omitempty"`
	Justification string     `json:"justification"`
	Approver      string     `json:"approver"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	GrantedAt     time.Time  `json:"granted_at"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokeReason  string     `json:"revoke_reason,omitempty"`
	LastSeq       uint64     `json:"last_seq"`
}

func exceptionViewOf(rec storage.ExceptionRecord) exceptionView {
	return exceptionView{
		ID:            rec.ID,
		ControlID:     rec.ControlID,
		ResourceID:    rec.ResourceID,
		Justification: rec.Justification,
		Approver:      rec.Approver,
		ExpiresAt:     rec.ExpiresAt,
		GrantedAt:     rec.GrantedAt,
		Revoked:       rec.Revoked,
		RevokedAt:     rec.RevokedAt,
		RevokeReason:  rec.RevokeReason,
		LastSeq:       rec.LastSeq,
	}
}

type claimsView struct {
	Issuer           string         `json:"iss"`
	Audience         []string       `json:"aud"`
	IssuedAt         time.Time      `json:"iat"`
	ExpiresAt        time.Time      `json:"exp"`
	JWTID            string         `json:"jti"`
	ScopeID          string         `json:"scope_id"`
	Seq              uint64         `json:"seq"`
	ChainHash        string         `json:"chain_hash"`
	AsOf             time.Time      `json:"as_of"`
	Totals           map[string]int `json:"totals"`
	Score            float64        `json:"score"`
	ActiveExceptions int            `json:"active_exceptions"`
}

func claimsViewOf(c attest.Claims) claimsView {
	return claimsView{
		Issuer:           c.Issuer,
		Audience:         c.Audience,
		IssuedAt:         c.IssuedAt,
		ExpiresAt:        c.ExpiresAt,
		JWTID:            c.JWTID,
		ScopeID:          c.ScopeID,
		Seq:              c.Seq,
		ChainHash:        c.ChainHash,
		AsOf:             c.AsOf,
		Totals:           c.Totals,
		Score:            c.Score,
		ActiveExceptions: c.ActiveExceptions,
	}
}

// mapSlice converts every element of in.
func mapSlice[T, V any](in []T, fn func(T) V) []V {
	out := make([]V, 0, len(in))
	for _, item := range in {
		out = append(out, fn(item))
	}
	return out
}
