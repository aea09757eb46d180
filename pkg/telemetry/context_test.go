package telemetry

import (
	"context"
	"testing"
)

func TestNewTelemetryDefaults(t *testing.T) {
	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to build telemetry from defaults: %v", err)
	}
	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil || tel.Events == nil {
		t.Fatal("expected every telemetry component to be wired")
	}

	// Metrics are disabled by default, so starting the server is a no-op.
	if err := tel.StartMetricsServer(); err != nil {
		t.Errorf("unexpected metrics server error: %v", err)
	}

	ctx := context.Background()
	if err := tel.Flush(ctx); err != nil {
		t.Errorf("unexpected flush error: %v", err)
	}
	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestTelemetryContextRoundTrip(t *testing.T) {
	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to build telemetry: %v", err)
	}

	ctx := tel.WithContext(context.Background())

	if got := FromTelemetryContext(ctx); got != tel {
		t.Error("expected the telemetry instance back from the context")
	}
	if got := FromContext(ctx); got != tel.Logger {
		t.Error("expected the telemetry logger back from the context")
	}

	// An unadorned context yields nil telemetry but a usable fallback logger.
	if got := FromTelemetryContext(context.Background()); got != nil {
		t.Error("expected nil telemetry from an empty context")
	}
	if got := FromContext(context.Background()); got == nil {
		t.Error("expected a fallback logger from an empty context")
	}
}
