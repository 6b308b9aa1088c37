package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-ipc/contracts"
)

const tracerName = "github.com/glimte/mmate-ipc/messaging"

func startSpan(ctx context.Context, name string, kind trace.SpanKind, channel string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", "mmate-ipc"),
			attribute.String("messaging.destination.name", channel),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// injectTrace writes the span context of ctx into the envelope headers.
func injectTrace(ctx context.Context, env *contracts.Envelope) {
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))
}

// extractTrace continues the trace carried by an inbound envelope.
func extractTrace(ctx context.Context, env *contracts.Envelope) context.Context {
	if len(env.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.Headers))
}
