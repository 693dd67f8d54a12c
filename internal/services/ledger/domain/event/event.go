package event

import (
	"encoding/json"
	"time"
)

// Type names an event kind, e.g. "control.evaluated".
type Type string

// ActorType identifies who caused an event.
type ActorType string

const (
	// ActorTypeSystem marks events emitted by the ledger itself.
	ActorTypeSystem ActorType = "system"
	// ActorTypeUser marks events caused by a human operator.
	ActorTypeUser ActorType = "user"
	// ActorTypeCollector marks events reported by an automated evidence collector.
	ActorTypeCollector ActorType = "collector"
)

// Valid reports whether the actor type is known.
func (a ActorType) Valid() bool {
	switch a {
	case ActorTypeSystem, ActorTypeUser, ActorTypeCollector:
		return true
	default:
		return false
	}
}

// Event is one immutable record of the per-scope journal.
//
// Seq, Hash, PrevHash, ChainHash, Signature and SignatureKeyID are assigned by
// the journal on append; callers leave them empty.
type Event struct {
	ScopeID       string          `json:"scope_id"`
	Seq           uint64          `json:"seq"`
	Type          Type            `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorType     ActorType       `json:"actor_type"`
	ActorID       string          `json:"actor_id,omitempty"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	PayloadJSON   json.RawMessage `json:"payload"`

	Hash           string `json:"hash,omitempty"`
	PrevHash       string `json:"prev_hash,omitempty"`
	ChainHash      string `json:"chain_hash,omitempty"`
	Signature      string `json:"signature,omitempty"`
	SignatureKeyID string `json:"signature_key_id,omitempty"`
}
