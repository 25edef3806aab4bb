package tracing

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitWithoutExporter(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("radportal-test"))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if !span.SpanContext().IsSampled() {
		t.Fatal("span not sampled at rate 1.0")
	}

	header := http.Header{}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
	if header.Get("traceparent") == "" {
		t.Error("traceparent not propagated")
	}
}

func TestSampler(t *testing.T) {
	if sampler(0).Description() != "AlwaysOffSampler" {
		t.Errorf("rate 0: %s", sampler(0).Description())
	}
	if sampler(2).Description() != "AlwaysOnSampler" {
		t.Errorf("rate 2: %s", sampler(2).Description())
	}
	if sampler(0.5).Description() == "AlwaysOnSampler" {
		t.Error("ratio sampler expected for 0.5")
	}
}

func TestShutdownNilProvider(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
