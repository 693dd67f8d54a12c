// Package requestctx carries the caller of an API request through context.
package requestctx

import "context"

// Caller identifies who issued a request and how it is traced.
type Caller struct {
	ActorType     string
	ActorID       string
	RequestID     string
	CorrelationID string
}

type callerContextKey struct{}

// WithCaller stores the request caller in context.
func WithCaller(ctx context.Context, caller Caller) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller stored in context, or the zero Caller.
func CallerFromContext(ctx context.Context) Caller {
	if ctx == nil {
		return Caller{}
	}
	caller, _ := ctx.Value(callerContextKey{}).(Caller)
	return caller
}
