// Package query holds the read paths shared by the HTTP API and the MCP
// tools: paged journal listings and their JSON views.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/evidence.space/internal/platform/errors"
	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
	"github.com/louisbranch/evidence.space/internal/services/ledger/filter"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/cursor"
)

const (
	// DefaultPageSize applies when a request does not set one.
	DefaultPageSize = 50
	// MaxPageSize caps a single page.
	MaxPageSize = 200
)

// EventPager reads filtered pages of a scope's journal.
type EventPager interface {
	ListEventsPage(ctx context.Context, req storage.ListEventsPageRequest) (storage.ListEventsPageResult, error)
}

// ListEventsRequest is a page request in API terms.
type ListEventsRequest struct {
	ScopeID   string
	Filter    string
	OrderBy   string
	PageSize  int
	PageToken string
}

// EventView is the JSON form of a journal event.
type EventView struct {
	ScopeID        string          `json:"scope_id"`
	Seq            uint64          `json:"seq"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	ActorType      string          `json:"actor_type"`
	ActorID        string          `json:"actor_id,omitempty"`
	EntityType     string          `json:"entity_type,omitempty"`
	EntityID       string          `json:"entity_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	Hash           string          `json:"hash"`
	PrevHash       string          `json:"prev_hash,omitempty"`
	ChainHash      string          `json:"chain_hash"`
	SignatureKeyID string          `json:"signature_key_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// ViewOf converts a stored event to its JSON form.
func ViewOf(evt event.Event) EventView {
	return EventView{
		ScopeID:        evt.ScopeID,
		Seq:            evt.Seq,
		Type:           string(evt.Type),
		Timestamp:      evt.Timestamp.UTC(),
		ActorType:      string(evt.ActorType),
		ActorID:        evt.ActorID,
		EntityType:     evt.EntityType,
		EntityID:       evt.EntityID,
		RequestID:      evt.RequestID,
		CorrelationID:  evt.CorrelationID,
		CausationID:    evt.CausationID,
		Hash:           evt.Hash,
		PrevHash:       evt.PrevHash,
		ChainHash:      evt.ChainHash,
		SignatureKeyID: evt.SignatureKeyID,
		Payload:        json.RawMessage(evt.PayloadJSON),
	}
}

// EventPage is one page of a listing.
type EventPage struct {
	Events        []EventView `json:"events"`
	NextPageToken string      `json:"next_page_token,omitempty"`
	PrevPageToken string      `json:"prev_page_token,omitempty"`
	TotalSize     int         `json:"total_size"`
}

// ListEvents reads one page of a scope's journal. Page tokens are bound to
// the filter and order they were issued for.
func ListEvents(ctx context.Context, pager EventPager, req ListEventsRequest) (EventPage, error) {
	scopeID := event.NormalizeID(req.ScopeID)
	if scopeID == "" {
		return EventPage{}, event.ErrScopeRequired
	}
	descending, err := parseOrder(req.OrderBy)
	if err != nil {
		return EventPage{}, err
	}
	f, err := filter.Parse(req.Filter)
	if err != nil {
		return EventPage{}, err
	}

	pageSize := req.PageSize
	switch {
	case pageSize < 0:
		return EventPage{}, apperrors.New(apperrors.CodeInvalidArgument, "page_size must not be negative")
	case pageSize == 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}

	pageReq := storage.ListEventsPageRequest{
		ScopeID:    scopeID,
		PageSize:   pageSize,
		Descending: descending,
	}
	f.Apply(&pageReq)

	if token := strings.TrimSpace(req.PageToken); token != "" {
		c, err := cursor.Decode(token)
		if err != nil {
			return EventPage{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid page_token: "+err.Error(), err)
		}
		if err := cursor.ValidateFilterHash(c, req.Filter); err != nil {
			return EventPage{}, apperrors.Wrap(apperrors.CodeInvalidArgument, err.Error(), err)
		}
		if err := cursor.ValidateOrderHash(c, req.OrderBy); err != nil {
			return EventPage{}, apperrors.Wrap(apperrors.CodeInvalidArgument, err.Error(), err)
		}
		pageReq.CursorSeq = c.Seq
		pageReq.CursorDir = string(c.Dir)
		pageReq.CursorReverse = c.Reverse
	}

	result, err := pager.ListEventsPage(ctx, pageReq)
	if err != nil {
		return EventPage{}, fmt.Errorf("list events: %w", err)
	}

	page := EventPage{Events: make([]EventView, 0, len(result.Events)), TotalSize: result.TotalCount}
	for _, evt := range result.Events {
		page.Events = append(page.Events, ViewOf(evt))
	}
	if len(result.Events) == 0 {
		return page, nil
	}
	first, last := result.Events[0].Seq, result.Events[len(result.Events)-1].Seq
	if result.HasNextPage {
		if page.NextPageToken, err = cursor.Encode(cursor.NewNextPageCursor(last, descending, req.Filter, req.OrderBy)); err != nil {
			return EventPage{}, err
		}
	}
	if result.HasPrevPage {
		if page.PrevPageToken, err = cursor.Encode(cursor.NewPrevPageCursor(first, descending, req.Filter, req.OrderBy)); err != nil {
			return EventPage{}, err
		}
	}
	return page, nil
}

// parseOrder accepts "", "seq", "seq asc" and "seq desc".
func parseOrder(orderBy string) (bool, error) {
	switch strings.Join(strings.Fields(strings.ToLower(orderBy)), " ") {
	case "", "seq", "seq asc":
		return false, nil
	case "seq desc":
		return true, nil
	default:
		return false, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("order_by %q is not supported", orderBy))
	}
}
