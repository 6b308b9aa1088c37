// Package nats provides a messaging.Transport over core NATS.
//
// The subject is the channel name. Subscriptions with a group become queue
// subscriptions, so commands are load balanced across handler replicas and
// each event subscriber group sees an event once. Core NATS has no
// acknowledgments: Ack and Nack are no-ops and messages published while
// nobody listens are lost.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

// ErrTransportClosed is returned by a closed transport
var ErrTransportClosed = errors.New("nats: transport closed")

const defaultFlushTimeout = 5 * time.Second

type options struct {
	logger       *slog.Logger
	connect      []nats.Option
	flushTimeout time.Duration
}

// Option configures the transport
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithConnectOptions appends nats.Connect options
func WithConnectOptions(opts ...nats.Option) Option {
	return func(o *options) {
		o.connect = append(o.connect, opts...)
	}
}

// WithFlushTimeout bounds how long Send waits for the server to accept a
// message when the caller's context has no deadline
func WithFlushTimeout(d time.Duration) Option {
	return func(o *options) {
		o.flushTimeout = d
	}
}

// Transport implements messaging.Transport for NATS
type Transport struct {
	conn         *nats.Conn
	logger       *slog.Logger
	flushTimeout time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// NewTransport connects to url. The connection reconnects forever.
func NewTransport(url string, opts ...Option) (*Transport, error) {
	o := options{logger: slog.Default(), flushTimeout: defaultFlushTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger

	connectOpts := append([]nats.Option{
		nats.Name("mmate-ipc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	}, o.connect...)

	conn, err := nats.Connect(url, connectOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	logger.Info("connected to nats", "url", conn.ConnectedUrlRedacted())
	return &Transport{
		conn:         conn,
		logger:       logger,
		flushTimeout: o.flushTimeout,
		subs:         make(map[*subscription]struct{}),
	}, nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.conn.IsConnected()
}

// NewProducer implements messaging.Transport. Producers share the
// connection.
func (t *Transport) NewProducer(_ context.Context, route messaging.Route) (messaging.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	return &producer{transport: t, route: route}, nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, route messaging.Route, opts messaging.SubscribeOptions, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	cb := func(m *nats.Msg) {
		if subCtx.Err() != nil {
			return
		}
		handler(subCtx, newDelivery(route, m))
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if opts.Group == "" {
		natsSub, err = t.conn.Subscribe(route.Channel, cb)
	} else {
		natsSub, err = t.conn.QueueSubscribe(route.Channel, opts.Group, cb)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", route.Channel, err)
	}

	sub := &subscription{transport: t, route: route, sub: natsSub, cancel: cancel}
	t.subs[sub] = struct{}{}

	t.logger.Debug("subscribed",
		"route", route.String(),
		"group", opts.Group)
	return sub, nil
}

// Close unsubscribes everything and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()

	var errs *multierror.Error
	for _, sub := range subs {
		if err := sub.stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	t.conn.Close()
	return errs.ErrorOrNil()
}

type producer struct {
	transport *Transport
	route     messaging.Route
}

// Send publishes and flushes so a dead connection surfaces as an error
// instead of a silently buffered message.
func (p *producer) Send(ctx context.Context, env *contracts.Envelope) error {
	conn := p.transport.conn
	if err := conn.PublishMsg(toMsg(p.route.Channel, env)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.route.Channel, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.transport.flushTimeout)
		defer cancel()
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %s: %w", p.route.Channel, err)
	}
	return nil
}

func (p *producer) Close() error {
	return nil
}

// toMsg copies envelope headers verbatim; nats.Header.Set would
// canonicalize the keys.
func toMsg(subject string, env *contracts.Envelope) *nats.Msg {
	msg := nats.NewMsg(subject)
	for k, v := range env.ToHeaders() {
		msg.Header[k] = []string{v}
	}
	msg.Data = env.Payload
	return msg
}

type delivery struct {
	env *contracts.Envelope
}

func newDelivery(route messaging.Route, m *nats.Msg) *delivery {
	headers := make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	env := contracts.EnvelopeFromHeaders(route.Channel, headers, m.Data)
	if env.Kind == "" {
		env.Kind = route.Kind
	}
	return &delivery{env: env}
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

func (d *delivery) Ack() error {
	return nil
}

func (d *delivery) Nack(bool) error {
	return nil
}

type subscription struct {
	transport *Transport
	route     messaging.Route
	sub       *nats.Subscription
	cancel    context.CancelFunc
	once      sync.Once
	err       error
}

func (s *subscription) Route() messaging.Route {
	return s.route
}

func (s *subscription) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()
	return s.stop()
}

func (s *subscription) stop() error {
	s.once.Do(func() {
		s.cancel()
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.err = err
		}
	})
	return s.err
}
