package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "function-harness"

// Tracer wraps OpenTelemetry tracing for the harness.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("harness.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for harness tracing.
var (
	AttrExecID     = attribute.Key("harness.execution.id")
	AttrLanguage   = attribute.Key("harness.language")
	AttrProject    = attribute.Key("harness.project")
	AttrRunKey     = attribute.Key("harness.run_key")
	AttrHandler    = attribute.Key("harness.handler")
	AttrScheme     = attribute.Key("harness.source.scheme")
	AttrState      = attribute.Key("harness.state")
	AttrDurationMS = attribute.Key("harness.duration_ms")
)
