package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-ipc/contracts"
)

// DefaultReplyTimeout bounds sending a reply once the handler has finished.
const DefaultReplyTimeout = 30 * time.Second

// CommandHandlerDispatcher subscribes every registered command handler to
// its channel and answers each inbound command with exactly one reply.
type CommandHandlerDispatcher struct {
	bus            *Bus
	registry       *HandlerRegistry
	logger         *slog.Logger
	handlerTimeout time.Duration
	replyTimeout   time.Duration

	mu            sync.Mutex
	running       bool
	subscriptions []Subscription
}

// DispatcherOption configures a dispatcher
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	handlerTimeout time.Duration
	replyTimeout   time.Duration
}

// WithHandlerTimeout cancels the handler context after d. Zero means no
// limit.
func WithHandlerTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.handlerTimeout = d
	}
}

// WithReplyTimeout bounds the send of each reply
func WithReplyTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) {
		c.replyTimeout = d
	}
}

// NewCommandHandlerDispatcher creates a dispatcher for the command handlers
// in registry
func NewCommandHandlerDispatcher(bus *Bus, registry *HandlerRegistry, opts ...DispatcherOption) *CommandHandlerDispatcher {
	cfg := dispatcherConfig{replyTimeout: DefaultReplyTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &CommandHandlerDispatcher{
		bus:            bus,
		registry:       registry,
		logger:         bus.logger,
		handlerTimeout: cfg.handlerTimeout,
		replyTimeout:   cfg.replyTimeout,
	}
}

// Start subscribes every registered command handler. Each channel is
// consumed by a single competing group named after the channel.
func (d *CommandHandlerDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrDispatcherRunning
	}

	bindings := d.registry.commandBindings()
	specs := make([]subscriptionSpec, 0, len(bindings))
	for _, b := range bindings {
		specs = append(specs, subscriptionSpec{
			route:   Route{Channel: b.channel, Kind: contracts.KindCommand},
			opts:    SubscribeOptions{Group: b.channel},
			handler: d.deliveryHandler(b),
		})
	}

	subs, err := subscribeAll(ctx, d.bus.transport, specs)
	if err != nil {
		return err
	}

	for _, b := range bindings {
		d.logger.Info("registered command handler",
			"channel", b.channel,
			"commandType", b.commandType)
	}

	d.subscriptions = subs
	d.running = true
	d.logger.Info("command handler dispatcher started", "handlers", len(bindings))
	return nil
}

// Stop closes every subscription. In-flight handlers finish and reply.
func (d *CommandHandlerDispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	err := unsubscribeAll(d.subscriptions)
	d.subscriptions = nil
	d.running = false
	d.logger.Info("command handler dispatcher stopped")
	return err
}

func (d *CommandHandlerDispatcher) deliveryHandler(b commandBinding) DeliveryHandler {
	return func(ctx context.Context, delivery Delivery) {
		defer settle(d.logger, delivery)
		d.handle(ctx, b, delivery.Envelope())
	}
}

func (d *CommandHandlerDispatcher) handle(ctx context.Context, b commandBinding, env *contracts.Envelope) {
	ctx = extractTrace(ctx, env)
	ctx, span := startSpan(ctx, "process "+b.channel, trace.SpanKindConsumer, b.channel)

	start := time.Now()
	result, err := d.invoke(ctx, b, env)
	outcome := handlerOutcome(err)
	d.bus.metrics.CommandHandled(b.channel, outcome, time.Since(start))

	logger := d.logger.With(
		"channel", b.channel,
		"correlationId", env.CorrelationID,
		"userId", env.UserID)

	if env.ReplyChannel == "" {
		logger.Error("cannot reply to command", "error", ErrMissingReplyChannel)
		endSpan(span, ErrMissingReplyChannel)
		return
	}

	handlerErr := err
	var reply *contracts.Envelope
	if err == nil {
		payload, encErr := encodePayload(b.channel, result)
		if encErr == nil {
			reply = newReplyEnvelope(env, payload)
		}
		err = encErr
		handlerErr = encErr
	}
	if err != nil {
		status := d.bus.statusMapper(err)
		logger.Error("command handler failed",
			"status", status,
			"outcome", outcome,
			"error", err)

		reply, err = newErrorReplyEnvelope(env, status, errorMessage(err))
		if err != nil {
			logger.Error("failed to encode error reply", "error", err)
			endSpan(span, err)
			return
		}
	}

	// A finished handler still answers while the dispatcher shuts down.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.replyTimeout)
	defer cancel()
	injectTrace(sendCtx, reply)

	route := Route{Channel: env.ReplyChannel, Kind: contracts.KindReply}
	if sendErr := d.bus.send(sendCtx, route, reply); sendErr != nil {
		logger.Error("failed to send reply",
			"replyChannel", env.ReplyChannel,
			"error", sendErr)
		endSpan(span, sendErr)
		return
	}

	logger.Debug("command processed",
		"replyChannel", env.ReplyChannel,
		"error", reply.IsError(),
		"duration", time.Since(start))
	endSpan(span, handlerErr)
}

// invoke runs the handler. Every failure, including a panic, comes back as
// an error.
func (d *CommandHandlerDispatcher) invoke(ctx context.Context, b commandBinding, env *contracts.Envelope) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, recovered(d.logger, b.channel, r)
		}
	}()

	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}

	return b.invoke(ctx, env)
}

func handlerOutcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var decodeErr *DecodingError
	if errors.As(err, &decodeErr) {
		return OutcomeDecodeError
	}
	var execErr *HandlerExecutionError
	if errors.As(err, &execErr) && execErr.Panic {
		return OutcomePanic
	}
	return OutcomeFailure
}

// errorMessage is the human readable text put in an ErrorEnvelope
func errorMessage(err error) string {
	var execErr *HandlerExecutionError
	if errors.As(err, &execErr) && execErr.Message != "" {
		return execErr.Message
	}
	return err.Error()
}
