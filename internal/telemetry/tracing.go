package telemetry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span is the part of a tracing span the pipeline touches.
type Span interface {
	SetAttribute(key string, value any)
	End()
	TraceID() string
}

// Tracer starts spans. Implementations must be safe for concurrent use.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// OTelTracer adapts an OpenTelemetry tracer.
type OTelTracer struct {
	tracer trace.Tracer
}

// NewOTelTracer uses the global provider unless tp is given.
func NewOTelTracer(tp trace.TracerProvider) *OTelTracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelTracer{tracer: tp.Tracer("billing-pipeline")}
}

func (t *OTelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, s := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: s}
}

type otelSpan struct {
	span     trace.Span
	fallback string
}

func (s *otelSpan) SetAttribute(key string, value any) {
	s.span.SetAttributes(toAttribute(key, value))
}

func (s *otelSpan) End() { s.span.End() }

// TraceID returns the OTel trace id, or a random id when the provider is a no-op.
func (s *otelSpan) TraceID() string {
	if sc := s.span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if s.fallback == "" {
		s.fallback = uuid.NewString()
	}
	return s.fallback
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
