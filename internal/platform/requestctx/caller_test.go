package requestctx

import (
	"context"
	"testing"
)

func TestCallerFromContextRoundTrip(t *testing.T) {
	want := Caller{ActorType: "user", ActorID: "auditor-1", RequestID: "req-1", CorrelationID: "corr-1"}
	got := CallerFromContext(WithCaller(context.Background(), want))
	if got != want {
		t.Fatalf("CallerFromContext = %+v, want %+v", got, want)
	}
}

func TestCallerFromContextEmpty(t *testing.T) {
	if got := CallerFromContext(context.Background()); got != (Caller{}) {
		t.Fatalf("expected zero caller, got %+v", got)
	}
	if got := CallerFromContext(nil); got != (Caller{}) {
		t.Fatalf("expected zero caller for nil context, got %+v", got)
	}
}

func TestWithCallerNilContext(t *testing.T) {
	ctx := WithCaller(nil, Caller{ActorID: "collector-9"})
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	if got := CallerFromContext(ctx).ActorID; got != "collector-9" {
		t.Fatalf("ActorID = %q, want collector-9", got)
	}
}
