package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventHash computes the content hash of an event.
//
// The hash covers the scope, type, timestamp at millisecond precision, actor,
// entity, correlation metadata and canonical payload. It excludes the sequence
// and every integrity field so an identical resubmission hashes identically.
func EventHash(evt Event) (string, error) {
	if strings.TrimSpace(evt.ScopeID) == "" {
		return "", errors.New("scope id is required")
	}
	payload, err := CanonicalJSON(evt.PayloadJSON)
	if err != nil {
		return "", fmt.Errorf("canonical payload: %w", err)
	}
	envelope := map[string]any{
		"scope_id":       evt.ScopeID,
		"type":           string(evt.Type),
		"timestamp":      evt.Timestamp.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano),
		"actor_type":     string(evt.ActorType),
		"actor_id":       evt.ActorID,
		"entity_type":    evt.EntityType,
		"entity_id":      evt.EntityID,
		"request_id":     evt.RequestID,
		"correlation_id": evt.CorrelationID,
		"causation_id":   evt.CausationID,
		"payload":        json.RawMessage(payload),
	}
	return hashJSON(envelope)
}

// ChainHash computes the hash that links an event to its predecessor's chain hash.
// prevHash is empty for the first event of a scope.
func ChainHash(evt Event, prevHash string) (string, error) {
	if strings.TrimSpace(evt.ScopeID) == "" {
		return "", errors.New("scope id is required")
	}
	if strings.TrimSpace(evt.Hash) == "" {
		return "", errors.New("event hash is required")
	}
	return hashJSON(map[string]any{
		"scope_id":   evt.ScopeID,
		"seq":        evt.Seq,
		"event_hash": evt.Hash,
		"prev_hash":  prevHash,
	})
}

// CanonicalJSON re-encodes data with sorted object keys and no insignificant
// whitespace. Numbers keep their original textual form.
func CanonicalJSON(data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("null"), nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return json.Marshal(value)
}

func hashJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
