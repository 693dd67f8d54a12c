package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/louisbranch/evidence.space/internal/services/ledger/domain/event"
)

// Router dispatches projection events by type. Handlers registered with
// HandleProjection receive the decoded payload.
type Router struct {
	handlers map[event.Type]func(Applier, context.Context, event.Event) error
	types    []event.Type
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[event.Type]func(Applier, context.Context, event.Event) error)}
}

// Route dispatches an event to its handler after checking the envelope.
func (r *Router) Route(a Applier, ctx context.Context, evt event.Event) error {
	apply, ok := r.handlers[evt.Type]
	if !ok {
		return fmt.Errorf("unhandled projection event type: %s", evt.Type)
	}
	if strings.TrimSpace(evt.ScopeID) == "" {
		return event.ErrScopeRequired
	}
	if evt.Seq == 0 {
		return fmt.Errorf("projection %s: event sequence is required", evt.Type)
	}
	if a.Projections == nil {
		return fmt.Errorf("projection store is not configured")
	}
	return apply(a, ctx, evt)
}

// Handles reports whether t has a registered handler.
func (r *Router) Handles(t event.Type) bool {
	_, ok := r.handlers[t]
	return ok
}

// HandledTypes returns all registered event types in registration order.
func (r *Router) HandledTypes() []event.Type {
	return append([]event.Type(nil), r.types...)
}

// HandleProjection registers a typed handler for t.
func HandleProjection[P any](r *Router, t event.Type, fn func(Applier, context.Context, event.Event, P) error) {
	if _, exists := r.handlers[t]; !exists {
		r.types = append(r.types, t)
	}
	r.handlers[t] = func(a Applier, ctx context.Context, evt event.Event) error {
		var payload P
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", t, err)
		}
		return fn(a, ctx, evt, payload)
	}
}
