package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "slowquery-agent"

// Tracer wraps OpenTelemetry tracing for the detection pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context. A nil Tracer
// returns ctx with a no-op span.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("slowquery.%s", name),
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

// Common attribute keys for pipeline tracing.
var (
	AttrRunID      = attribute.Key("slowquery.run.id")
	AttrRunType    = attribute.Key("slowquery.run.type")
	AttrTraceID    = attribute.Key("slowquery.trace.id")
	AttrEndpoint   = attribute.Key("slowquery.endpoint")
	AttrCandidates = attribute.Key("slowquery.candidates")
	AttrDurationUS = attribute.Key("slowquery.root_duration_us")
	AttrBranch     = attribute.Key("slowquery.branch")
)
