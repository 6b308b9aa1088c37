package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/rabbitmq"
	"github.com/glimte/mmate-ipc/messaging"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager *rabbitmq.ConnectionManager
	config  TransportConfig

	mu            sync.Mutex
	closed        bool
	subscriptions map[*subscription]struct{}
}

// consumerHandle is the running side of a subscription
type consumerHandle interface {
	Done() <-chan struct{}
	Stop() error
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PrefetchCount     int
	ConfirmTimeout    time.Duration
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPrefetchCount bounds unacknowledged deliveries per subscription
func WithPrefetchCount(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = n
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(d time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConfirmTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport connects to the broker and declares the shared exchanges.
func NewTransport(ctx context.Context, connectionString string, options ...TransportOption) (*Transport, error) {
	cfg := TransportConfig{
		PrefetchCount:  10,
		ConfirmTimeout: 5 * time.Second,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(connectionString, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	t := &Transport{
		manager:       manager,
		config:        cfg,
		subscriptions: make(map[*subscription]struct{}),
	}

	if err := t.declareExchanges(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to declare exchanges: %w", err)
	}
	manager.AddStateListener(t)

	return t, nil
}

func (t *Transport) declareExchanges() error {
	ch, err := t.manager.Channel("topology")
	if err != nil {
		return err
	}
	defer ch.Close()

	return rabbitmq.NewTopologyManager(ch).DeclareExchanges(rabbitmq.Exchanges()...)
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// addressOf maps a route to the exchange and routing key it is published to
func addressOf(route messaging.Route) (rabbitmq.Address, error) {
	switch route.Kind {
	case contracts.KindCommand:
		return rabbitmq.CommandAddress(route.Channel), nil
	case contracts.KindReply:
		return rabbitmq.ReplyAddress(route.Channel), nil
	case contracts.KindEvent:
		return rabbitmq.EventAddress(route.Channel), nil
	}
	return rabbitmq.Address{}, fmt.Errorf("%w: unknown kind %q", rabbitmq.ErrInvalidConfiguration, route.Kind)
}

// NewProducer opens a confirm-mode channel for route. Command producers
// declare the command queue first so commands sent before any handler
// starts are kept.
func (t *Transport) NewProducer(_ context.Context, route messaging.Route) (messaging.Producer, error) {
	address, err := addressOf(route)
	if err != nil {
		return nil, err
	}

	ch, err := t.manager.Channel("producer " + route.String())
	if err != nil {
		return nil, err
	}

	if route.Kind == contracts.KindCommand {
		if _, err := rabbitmq.NewTopologyManager(ch).DeclareQueue(rabbitmq.CommandQueue(route.Channel)); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	publisher, err := rabbitmq.NewPublisher(ch, address, rabbitmq.WithConfirmTimeout(t.config.ConfirmTimeout))
	if err != nil {
		return nil, err
	}

	return &producer{publisher: publisher, route: route}, nil
}

// queueFor declares the queue a subscription consumes. Command channels
// have one shared queue; replies and events get one queue per group, or a
// private queue when the group is empty.
func queueFor(topology *rabbitmq.TopologyManager, route messaging.Route, group string) (string, error) {
	if route.Kind == contracts.KindCommand {
		return topology.DeclareQueue(rabbitmq.CommandQueue(route.Channel))
	}

	address, err := addressOf(route)
	if err != nil {
		return "", err
	}

	queue := rabbitmq.ReplyQueue()
	if group != "" {
		queue = rabbitmq.EventQueue(route.Channel, group)
	}
	return topology.DeclareBoundQueue(queue, address.Exchange, address.RoutingKey)
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, route messaging.Route, opts messaging.SubscribeOptions, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, rabbitmq.ErrConnectionClosed
	}

	sub := &subscription{transport: t, route: route, group: opts.Group, ctx: ctx}
	sub.start = func() (consumerHandle, error) {
		return t.startConsumer(ctx, route, opts.Group, handler, sub.lost)
	}
	if err := sub.restart(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, rabbitmq.ErrConnectionClosed
	}
	t.subscriptions[sub] = struct{}{}
	t.mu.Unlock()
	return sub, nil
}

// startConsumer declares the queue of route and starts consuming it on a
// fresh channel.
func (t *Transport) startConsumer(ctx context.Context, route messaging.Route, group string, handler messaging.DeliveryHandler, onLost func()) (consumerHandle, error) {
	ch, err := t.manager.Channel("consumer " + route.String())
	if err != nil {
		return nil, err
	}

	queue, err := queueFor(rabbitmq.NewTopologyManager(ch), route, group)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	consumer, err := rabbitmq.StartConsumer(ctx, ch, queue,
		func(ctx context.Context, d amqp.Delivery) {
			handler(ctx, newDelivery(route, d))
		},
		rabbitmq.WithPrefetchCount(t.config.PrefetchCount),
		rabbitmq.WithExclusive(group == "" && route.Kind != contracts.KindCommand),
		rabbitmq.WithConsumerLogger(t.config.Logger),
		rabbitmq.WithClosedHandler(onLost),
	)
	if err != nil {
		return nil, err
	}

	t.config.Logger.Debug("subscribed",
		"route", route.String(),
		"group", group,
		"queue", queue)
	return consumer, nil
}

func (t *Transport) tracked() []*subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := make([]*subscription, 0, len(t.subscriptions))
	for sub := range t.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

// OnConnected restarts every subscription whose consumer died with the
// previous connection.
func (t *Transport) OnConnected() {
	for _, sub := range t.tracked() {
		if err := sub.restart(); err != nil {
			t.config.Logger.Error("failed to resubscribe",
				"route", sub.route.String(),
				"group", sub.group,
				"error", err)
		}
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnDisconnected(err error) {
	t.config.Logger.Warn("lost broker connection, subscriptions paused", "error", err)
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(int) {}

// Close stops every subscription and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subscriptions))
	for sub := range t.subscriptions {
		subs = append(subs, sub)
	}
	t.subscriptions = make(map[*subscription]struct{})
	t.mu.Unlock()

	var errs *multierror.Error
	for _, sub := range subs {
		if err := sub.stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := t.manager.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

type producer struct {
	publisher *rabbitmq.Publisher
	route     messaging.Route
}

func (p *producer) Send(ctx context.Context, env *contracts.Envelope) error {
	return p.publisher.Publish(ctx, toPublishing(p.route, env))
}

func (p *producer) Close() error {
	return p.publisher.Close()
}

// toPublishing converts an envelope to an AMQP message. Replies are
// transient: nobody is left to read them after a broker restart.
func toPublishing(route messaging.Route, env *contracts.Envelope) amqp.Publishing {
	headers := make(amqp.Table)
	for k, v := range env.ToHeaders() {
		headers[k] = v
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   contracts.ContentTypeJSON,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyChannel,
		MessageId:     uuid.NewString(),
		Timestamp:     time.Now(),
		Type:          string(route.Kind),
		Body:          env.Payload,
		DeliveryMode:  amqp.Persistent,
	}
	if route.Kind == contracts.KindReply {
		msg.DeliveryMode = amqp.Transient
	}
	return msg
}

type delivery struct {
	d   amqp.Delivery
	env *contracts.Envelope
}

func newDelivery(route messaging.Route, d amqp.Delivery) *delivery {
	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		default:
			headers[k] = fmt.Sprint(val)
		}
	}

	env := contracts.EnvelopeFromHeaders(route.Channel, headers, d.Body)
	if env.CorrelationID == "" {
		env.CorrelationID = d.CorrelationId
	}
	if env.ReplyChannel == "" {
		env.ReplyChannel = d.ReplyTo
	}
	if env.Kind == "" {
		env.Kind = route.Kind
	}
	return &delivery{d: d, env: env}
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Nack(requeue bool) error {
	return d.d.Nack(false, requeue)
}

type subscription struct {
	transport *Transport
	route     messaging.Route
	group     string
	ctx       context.Context
	start     func() (consumerHandle, error)

	mu       sync.Mutex
	consumer consumerHandle
	stopped  bool
}

func (s *subscription) Route() messaging.Route {
	return s.route
}

// restart starts a consumer unless the current one is still running
func (s *subscription) restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.ctx.Err() != nil {
		return nil
	}
	if s.consumer != nil {
		select {
		case <-s.consumer.Done():
			_ = s.consumer.Stop()
			s.consumer = nil
		default:
			return nil
		}
	}

	consumer, err := s.start()
	if err != nil {
		return err
	}
	s.consumer = consumer
	return nil
}

// lost runs when the broker closed the consumer's channel. While the
// connection is down the restart fails and OnConnected retries it.
func (s *subscription) lost() {
	if !s.transport.manager.IsConnected() {
		return
	}
	if err := s.restart(); err != nil {
		s.transport.config.Logger.Warn("failed to resubscribe",
			"route", s.route.String(),
			"error", err)
	}
}

func (s *subscription) stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.consumer == nil {
		return nil
	}
	err := s.consumer.Stop()
	s.consumer = nil
	return err
}

func (s *subscription) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subscriptions, s)
	s.transport.mu.Unlock()
	return s.stop()
}
