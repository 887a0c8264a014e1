// Package tracing provides the OpenTelemetry tracer used to annotate
// selection and completion spans. Grounded on
// internal/observability/tracing.go's TracerProvider wrapper, trimmed to
// drop the OTLP gRPC exporter: no collector endpoint is in scope here, so
// the provider is built with its default (no-op) span processor and exists
// to give callers a real trace.Tracer to start spans on.
package tracing

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies the Switchboard tracer in emitted spans.
const TracerName = "switchboard"

// Provider wraps an OpenTelemetry tracer provider and exposes the tracer
// Switchboard uses to instrument selection and completion flow.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a tracer provider. Without a configured exporter,
// spans are created and ended but not exported anywhere; callers that want
// export should register a processor on the returned *sdktrace.TracerProvider
// before use via Raw().
func NewProvider() *Provider {
	tp := sdktrace.NewTracerProvider()
	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(TracerName),
	}
}

// Tracer returns the tracer to start spans on.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Raw returns the underlying SDK tracer provider, for callers that want to
// register their own span processor/exporter.
func (p *Provider) Raw() *sdktrace.TracerProvider {
	return p.tp
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
