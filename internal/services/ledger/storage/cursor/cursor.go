// Package cursor encodes opaque page tokens for journal listings.
//
// A token pins the sequence to resume from, the direction, and hashes of the
// filter and order it was issued for so a token cannot be replayed against a
// different query.
package cursor

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Direction selects which side of the cursor sequence a page reads.
type Direction string

const (
	// DirectionForward reads sequences greater than the cursor.
	DirectionForward Direction = "fwd"
	// DirectionBackward reads sequences less than the cursor.
	DirectionBackward Direction = "bwd"
)

// Cursor is the decoded form of a page token.
type Cursor struct {
	Seq        uint64    `json:"seq"`
	Dir        Direction `json:"dir"`
	Reverse    bool      `json:"rev,omitempty"`
	FilterHash string    `json:"fh,omitempty"`
	OrderHash  string    `json:"oh,omitempty"`
}

// Encode returns the URL-safe token for c.
func Encode(c Cursor) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Decode parses a token produced by Encode.
func Decode(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, errors.New("cursor token is empty")
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	if c.Dir != DirectionForward && c.Dir != DirectionBackward {
		return Cursor{}, fmt.Errorf("cursor direction %q is invalid", c.Dir)
	}
	return c, nil
}

// HashFilter returns a short stable hash of a filter or order expression.
// The empty expression hashes to the empty string.
func HashFilter(expr string) string {
	if expr == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(expr))
	return hex.EncodeToString(sum[:8])
}

// ValidateFilterHash checks that c was issued for filter.
func ValidateFilterHash(c Cursor, filter string) error {
	if c.FilterHash != HashFilter(filter) {
		return errors.New("cursor was issued for a different filter")
	}
	return nil
}

// ValidateOrderHash checks that c was issued for order.
func ValidateOrderHash(c Cursor, order string) error {
	if c.OrderHash != HashFilter(order) {
		return errors.New("cursor was issued for a different order")
	}
	return nil
}

// NewForwardCursor reads sequences after seq.
func NewForwardCursor(seq uint64, filter, order string) Cursor {
	return Cursor{Seq: seq, Dir: DirectionForward, FilterHash: HashFilter(filter), OrderHash: HashFilter(order)}
}

// NewNextPageCursor points past the last row of a page.
func NewNextPageCursor(seq uint64, descending bool, filter, order string) Cursor {
	c := NewForwardCursor(seq, filter, order)
	if descending {
		c.Dir = DirectionBackward
	}
	return c
}

// NewPrevPageCursor points before the first row of a page. The sort order is
// reversed so the rows nearest the cursor are read first.
func NewPrevPageCursor(seq uint64, descending bool, filter, order string) Cursor {
	c := NewForwardCursor(seq, filter, order)
	if !descending {
		c.Dir = DirectionBackward
	}
	c.Reverse = true
	return c
}
