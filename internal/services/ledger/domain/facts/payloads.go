package facts

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

// ScopeCreatedPayload opens a compliance scope.
type ScopeCreatedPayload struct {
	Name       string   `json:"name"`
	Frameworks []string `json:"frameworks,omitempty"`
}

// ControlRegisteredPayload defines or redefines a control. Registering a
// retired control reactivates it.
type ControlRegisteredPayload struct {
	ControlID     string   `json:"control_id"`
	Title         string   `json:"title"`
	Framework     string   `json:"framework,omitempty"`
	Requirement   string   `json:"requirement,omitempty"`
	Severity      Severity `json:"severity,omitempty"`
	ResourceKinds []string `json:"resource_kinds,omitempty"`
	Policy        string   `json:"policy,omitempty"`
}

// ControlRetiredPayload removes a control from posture.
type ControlRetiredPayload struct {
	ControlID string `json:"control_id"`
	Reason    string `json:"reason,omitempty"`
}

// ResourceObservedPayload records the latest known shape of a resource.
type ResourceObservedPayload struct {
	ResourceID string         `json:"resource_id"`
	Kind       string         `json:"kind"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ResourceRemovedPayload records that a resource no longer exists.
type ResourceRemovedPayload struct {
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason,omitempty"`
}

// ControlEvaluatedPayload records one evaluation result.
type ControlEvaluatedPayload struct {
	ControlID   string   `json:"control_id"`
	ResourceID  string   `json:"resource_id"`
	Result      Result   `json:"result"`
	Reason      string   `json:"reason,omitempty"`
	EvidenceIDs []string `json:"evidence_ids,omitempty"`
	Evaluator   string   `json:"evaluator,omitempty"`
}

// EvidenceAttachedPayload references an evidence artifact by content digest.
// CollectedAt is the business time the collector captured it.
type EvidenceAttachedPayload struct {
	EvidenceID  string     `json:"evidence_id"`
	ControlID   string     `json:"control_id,omitempty"`
	ResourceID  string     `json:"resource_id,omitempty"`
	Digest      string     `json:"digest"`
	MediaType   string     `json:"media_type,omitempty"`
	URI         string     `json:"uri,omitempty"`
	CollectedAt *time.Time `json:"collected_at,omitempty"`
}

// ExceptionGrantedPayload accepts a risk for a control. An empty ResourceID
// covers every resource.
type ExceptionGrantedPayload struct {
	ExceptionID   string     `json:"exception_id"`
	ControlID     string     `json:"control_id"`
	ResourceID    string     `json:"resource_id,omitempty"`
	Justification string     `json:"justification"`
	Approver      string     `json:"approver"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ExceptionRevokedPayload ends an exception early.
type ExceptionRevokedPayload struct {
	ExceptionID string `json:"exception_id"`
	Reason      string `json:"reason,omitempty"`
}

func (p ScopeCreatedPayload) validate() (string, error) {
	if strings.TrimSpace(p.Name) == "" {
		return "", fmt.Errorf("name is required")
	}
	return "", nil
}

func (p ControlRegisteredPayload) validate() (string, error) {
	if err := identifier("control_id", p.ControlID); err != nil {
		return "", err
	}
	if err := required("title", p.Title); err != nil {
		return "", err
	}
	if p.Severity != "" && !p.Severity.Valid() {
		return "", fmt.Errorf("severity %q is invalid", p.Severity)
	}
	return p.ControlID, nil
}

func (p ControlRetiredPayload) validate() (string, error) {
	return p.ControlID, identifier("control_id", p.ControlID)
}

func (p ResourceObservedPayload) validate() (string, error) {
	if err := identifier("resource_id", p.ResourceID); err != nil {
		return "", err
	}
	return p.ResourceID, required("kind", p.Kind)
}

func (p ResourceRemovedPayload) validate() (string, error) {
	return p.ResourceID, identifier("resource_id", p.ResourceID)
}

func (p ControlEvaluatedPayload) validate() (string, error) {
	if err := identifier("control_id", p.ControlID); err != nil {
		return "", err
	}
	if err := identifier("resource_id", p.ResourceID); err != nil {
		return "", err
	}
	for _, id := range p.EvidenceIDs {
		if err := identifier("evidence_ids", id); err != nil {
			return "", err
		}
	}
	if !p.Result.Valid() {
		return "", fmt.Errorf("result %q is invalid", p.Result)
	}
	return EvaluationEntityID(p.ControlID, p.ResourceID), nil
}

func (p EvidenceAttachedPayload) validate() (string, error) {
	if err := identifier("evidence_id", p.EvidenceID); err != nil {
		return "", err
	}
	if err := optionalIdentifier("control_id", p.ControlID); err != nil {
		return "", err
	}
	if err := optionalIdentifier("resource_id", p.ResourceID); err != nil {
		return "", err
	}
	if !ValidDigest(p.Digest) {
		return "", fmt.Errorf("digest must be 64 lowercase hex characters")
	}
	return p.EvidenceID, nil
}

func (p ExceptionGrantedPayload) validate() (string, error) {
	if err := identifier("exception_id", p.ExceptionID); err != nil {
		return "", err
	}
	if err := identifier("control_id", p.ControlID); err != nil {
		return "", err
	}
	if err := optionalIdentifier("resource_id", p.ResourceID); err != nil {
		return "", err
	}
	for _, field := range []struct{ name, value string }{
		{"justification", p.Justification},
		{"approver", p.Approver},
	} {
		if err := required(field.name, field.value); err != nil {
			return "", err
		}
	}
	return p.ExceptionID, nil
}

func (p ExceptionRevokedPayload) validate() (string, error) {
	return p.ExceptionID, identifier("exception_id", p.ExceptionID)
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

// identifier requires value to be a trimmed NFC identifier, the form the
// envelope entity id and the projections key rows by.
func identifier(name, value string) error {
	if err := required(name, value); err != nil {
		return err
	}
	return optionalIdentifier(name, value)
}

func optionalIdentifier(name, value string) error {
	if value != event.NormalizeID(value) {
		return fmt.Errorf("%s %q must be trimmed and NFC normalized", name, value)
	}
	return nil
}

// EvaluationEntityID addresses the evaluation of controlID against resourceID.
func EvaluationEntityID(controlID, resourceID string) string {
	return controlID + "@" + resourceID
}

// ValidDigest reports whether digest is a lowercase hex SHA-256.
func ValidDigest(digest string) bool {
	if len(digest) != 64 || strings.ToLower(digest) != digest {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}
