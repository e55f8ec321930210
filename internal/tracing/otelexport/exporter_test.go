package otelexport

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestNew_UnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestExporter_ShutdownNil(t *testing.T) {
	var e *Exporter
	if err := e.Shutdown(context.Background()); err != nil {
		t.Errorf("nil Shutdown: %v", err)
	}
}

func TestNew_InstallsGlobalProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	// OTLP exporters connect lazily, so no collector is needed here.
	exp, err := New(context.Background(), Config{
		Endpoint: "127.0.0.1:1",
		Protocol: "http",
		Insecure: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if otel.GetTracerProvider() != exp.provider {
		t.Error("global tracer provider not replaced")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	exp.Shutdown(ctx)
}
