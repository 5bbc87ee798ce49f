package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/evstore/pkg/domain"
)

// Span attribute keys.
var (
	AttrEntity      = attribute.Key("aggregate.entity")
	AttrCacheKey    = attribute.Key("snapshot.key")
	AttrSnapshotHit = attribute.Key("snapshot.hit")
	AttrEventType   = attribute.Key("event.type")
	AttrEventID     = attribute.Key("event.id")
	AttrEventCount  = attribute.Key("event.count")
	AttrNodeID      = attribute.Key("node.id")
)

// NoopTracer returns a tracer that records nothing, the default for every
// component constructed without WithTracer.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("evstore")
}

// StartSpan starts an internal span carrying attrs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// EnvelopeAttrs describes env on a span.
func EnvelopeAttrs(env domain.RawEnvelope) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventType.String(env.Type.RoutingKey()),
		AttrEventID.String(env.ID.String()),
	}
}
