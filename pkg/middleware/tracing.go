package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/plaenen/evstore/pkg/domain"
	"github.com/plaenen/evstore/pkg/messaging"
	"github.com/plaenen/evstore/pkg/observability"
)

// Tracing runs each delivery in a consumer span named "handle <routing key>".
// A nil tracer uses the global tracer provider.
func Tracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer(observability.InstrumentationName)
	}

	return func(next messaging.Handler) messaging.Handler {
		return func(ctx context.Context, env domain.RawEnvelope) error {
			routingKey := env.Type.RoutingKey()
			ctx, span := tracer.Start(ctx, "handle "+routingKey,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(observability.EnvelopeAttrs(env)...),
			)
			defer span.End()

			if err := next(ctx, env); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}
