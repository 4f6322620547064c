package tracing

import (
	"context"
	"testing"
)

func TestDisabledTracerIsNoop(t *testing.T) {
	tr, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.Enabled() {
		t.Error("disabled tracer reports enabled")
	}

	ctx, span := tr.Start(context.Background(), "test")
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("noop span has a valid span context")
	}
	if id := TraceID(ctx); id != "" {
		t.Errorf("TraceID = %q, want empty", id)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestEnabledWithoutEndpoint(t *testing.T) {
	if _, err := New(Config{Enabled: true}); err == nil {
		t.Fatal("expected error for enabled tracing without endpoint")
	}
}
