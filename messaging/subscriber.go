package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-ipc/contracts"
)

// EventHandlerDispatcher subscribes every registered event handler to its
// channel. A failing handler is logged and the next event is delivered as
// usual.
type EventHandlerDispatcher struct {
	bus            *Bus
	registry       *HandlerRegistry
	logger         *slog.Logger
	handlerTimeout time.Duration

	mu            sync.Mutex
	running       bool
	subscriptions []Subscription
}

// NewEventHandlerDispatcher creates a dispatcher for the event handlers in
// registry
func NewEventHandlerDispatcher(bus *Bus, registry *HandlerRegistry, opts ...DispatcherOption) *EventHandlerDispatcher {
	var cfg dispatcherConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &EventHandlerDispatcher{
		bus:            bus,
		registry:       registry,
		logger:         bus.logger,
		handlerTimeout: cfg.handlerTimeout,
	}
}

// SubscriberGroup is the competing consumer group of an event handler:
// replicas of one service share it, other services get their own copy.
func SubscriberGroup(serviceName, handlerName string) string {
	return serviceName + "." + handlerName
}

// Start subscribes every registered event handler.
func (d *EventHandlerDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrDispatcherRunning
	}

	bindings := d.registry.eventBindings()
	d.logger.Info("event handlers configuration", "handlers", len(bindings))

	specs := make([]subscriptionSpec, 0, len(bindings))
	for _, b := range bindings {
		d.logger.Info("registered event handler",
			"handler", b.name,
			"channel", b.channel,
			"eventType", b.eventType)

		specs = append(specs, subscriptionSpec{
			route:   Route{Channel: b.channel, Kind: contracts.KindEvent},
			opts:    SubscribeOptions{Group: SubscriberGroup(d.bus.ServiceName(), b.name)},
			handler: d.deliveryHandler(b),
		})
	}

	subs, err := subscribeAll(ctx, d.bus.transport, specs)
	if err != nil {
		return err
	}

	d.subscriptions = subs
	d.running = true
	return nil
}

// Stop closes every subscription
func (d *EventHandlerDispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	err := unsubscribeAll(d.subscriptions)
	d.subscriptions = nil
	d.running = false
	d.logger.Info("event handler dispatcher stopped")
	return err
}

func (d *EventHandlerDispatcher) deliveryHandler(b eventBinding) DeliveryHandler {
	return func(ctx context.Context, delivery Delivery) {
		defer settle(d.logger, delivery)
		d.handle(ctx, b, delivery.Envelope())
	}
}

func (d *EventHandlerDispatcher) handle(ctx context.Context, b eventBinding, env *contracts.Envelope) {
	ctx = extractTrace(ctx, env)
	ctx, span := startSpan(ctx, "process "+b.channel, trace.SpanKindConsumer, b.channel)

	start := time.Now()
	err := d.invoke(ctx, b, env)
	outcome := handlerOutcome(err)
	d.bus.metrics.EventHandled(b.channel, b.name, outcome, time.Since(start))
	endSpan(span, err)

	if err != nil {
		d.logger.Error("event handler failed",
			"handler", b.name,
			"channel", b.channel,
			"outcome", outcome,
			"userId", env.UserID,
			"error", err)
	}
}

func (d *EventHandlerDispatcher) invoke(ctx context.Context, b eventBinding, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(d.logger, b.channel, r)
		}
	}()

	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}

	return b.invoke(ctx, env)
}
