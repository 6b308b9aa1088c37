package messaging

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-ipc/contracts"
)

// EventDispatcher publishes events. Nothing is awaited after the broker has
// taken the message, and a channel without subscribers is not an error.
type EventDispatcher struct {
	bus *Bus
}

// NewEventDispatcher creates an event dispatcher on bus
func NewEventDispatcher(bus *Bus) *EventDispatcher {
	return &EventDispatcher{bus: bus}
}

// Publish sends event on its declared channel. Encoding and transport
// failures are returned to the caller; nothing is retried.
func (p *EventDispatcher) Publish(ctx context.Context, event contracts.Event, execCtx contracts.ExecutionContext) error {
	channel, err := p.bus.mapper.EventChannel(event)
	if err != nil {
		return err
	}

	ctx, span := startSpan(ctx, "publish "+channel, trace.SpanKindProducer, channel)

	payload, err := encodePayload(channel, event)
	if err != nil {
		endSpan(span, err)
		return err
	}

	env := contracts.NewEnvelope(channel, contracts.KindEvent, payload)
	env.CorrelationID = execCtx.CorrelationID
	execCtx.Apply(env)
	injectTrace(ctx, env)

	err = p.bus.send(ctx, Route{Channel: channel, Kind: contracts.KindEvent}, env)
	p.bus.metrics.EventPublished(channel, err)
	if err != nil {
		p.bus.logger.Error("failed to publish event",
			"channel", channel,
			"eventType", typeName(event),
			"error", err)
		endSpan(span, err)
		return err
	}

	p.bus.logger.Debug("event published", "channel", channel, "eventType", typeName(event))
	endSpan(span, nil)
	return nil
}
