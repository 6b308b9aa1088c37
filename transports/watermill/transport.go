package watermill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/hashicorp/go-multierror"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/messaging"
)

// ErrTransportClosed is returned by a closed transport
var ErrTransportClosed = errors.New("watermill: transport closed")

// SubscriberFactory returns the subscriber that serves one consumer group
// on a topic. An empty group asks for a subscriber that sees every message.
// The transport closes the subscriber once the group has no members left.
type SubscriberFactory func(topic, group string) (message.Subscriber, error)

// Shared serves every group from one subscriber that the caller owns and
// closes. Fits in-process Pub/Subs where each Subscribe call already gets
// its own copy of every message.
func Shared(sub message.Subscriber) SubscriberFactory {
	return func(string, string) (message.Subscriber, error) {
		return sharedSubscriber{sub}, nil
	}
}

type sharedSubscriber struct {
	message.Subscriber
}

func (sharedSubscriber) Close() error {
	return nil
}

// TopicFunc names the watermill topic a route travels on
type TopicFunc func(route messaging.Route) string

// ChannelTopic uses the channel name as the topic
func ChannelTopic(route messaging.Route) string {
	return route.Channel
}

// Option configures the transport
type Option func(*Transport)

// WithTopicFunc overrides how routes map to topics
func WithTopicFunc(fn TopicFunc) Option {
	return func(t *Transport) {
		t.topic = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithCloser registers a resource released after the publisher on Close
func WithCloser(fn func() error) Option {
	return func(t *Transport) {
		t.closers = append(t.closers, fn)
	}
}

// Transport implements messaging.Transport over any watermill Pub/Sub.
//
// Members of the same (route, group) inside one transport share a single
// watermill subscription and take turns handling its messages. Competition
// between processes is left to the backend's own consumer groups.
type Transport struct {
	publisher   message.Publisher
	subscribers SubscriberFactory
	topic       TopicFunc
	logger      *slog.Logger
	closers     []func() error

	mu     sync.Mutex
	closed bool
	groups map[groupKey]*group
	active map[*group]struct{}
}

type groupKey struct {
	route messaging.Route
	name  string
}

// NewTransport wraps a watermill publisher and a subscriber factory
func NewTransport(publisher message.Publisher, subscribers SubscriberFactory, opts ...Option) (*Transport, error) {
	if publisher == nil {
		return nil, errors.New("watermill: publisher is required")
	}
	if subscribers == nil {
		return nil, errors.New("watermill: subscriber factory is required")
	}

	t := &Transport{
		publisher:   publisher,
		subscribers: subscribers,
		topic:       ChannelTopic,
		logger:      slog.Default(),
		groups:      make(map[groupKey]*group),
		active:      make(map[*group]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// IsConnected reports whether the transport is still open
func (t *Transport) IsConnected() bool {
	return !t.isClosed()
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// NewProducer implements messaging.Transport. Producers share the
// transport's publisher, so closing one releases nothing.
func (t *Transport) NewProducer(_ context.Context, route messaging.Route) (messaging.Producer, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	return &producer{transport: t, topic: t.topic(route)}, nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, route messaging.Route, opts messaging.SubscribeOptions, handler messaging.DeliveryHandler) (messaging.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	m := &member{transport: t, route: route, handler: handler}
	key := groupKey{route: route, name: opts.Group}

	if opts.Group != "" {
		if g, ok := t.groups[key]; ok {
			g.join(m)
			return m, nil
		}
	}

	g, err := t.startGroup(ctx, key)
	if err != nil {
		return nil, err
	}
	g.join(m)

	if opts.Group != "" {
		t.groups[key] = g
	}
	t.active[g] = struct{}{}
	return m, nil
}

func (t *Transport) startGroup(ctx context.Context, key groupKey) (*group, error) {
	topic := t.topic(key.route)

	sub, err := t.subscribers(topic, key.name)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber for %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	g := &group{
		key:        key,
		topic:      topic,
		subscriber: sub,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     t.logger,
	}
	go g.run(messages)

	t.logger.Debug("subscribed",
		"route", key.route.String(),
		"group", key.name,
		"topic", topic)
	return g, nil
}

// leave removes a member and stops its group once empty
func (t *Transport) leave(m *member) error {
	t.mu.Lock()
	g := m.group
	if g.leave(m) > 0 {
		t.mu.Unlock()
		return nil
	}
	if t.groups[g.key] == g {
		delete(t.groups, g.key)
	}
	delete(t.active, g)
	t.mu.Unlock()

	return g.stop()
}

// Close stops every subscription, then closes the publisher
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	groups := make([]*group, 0, len(t.active))
	for g := range t.active {
		groups = append(groups, g)
	}
	t.active = make(map[*group]struct{})
	t.groups = make(map[groupKey]*group)
	t.mu.Unlock()

	var errs *multierror.Error
	for _, g := range groups {
		if err := g.stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := t.publisher.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close publisher: %w", err))
	}
	for _, closeFn := range t.closers {
		if err := closeFn(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

type producer struct {
	transport *Transport
	topic     string
}

func (p *producer) Send(ctx context.Context, env *contracts.Envelope) error {
	if p.transport.isClosed() {
		return ErrTransportClosed
	}

	msg := message.NewMessage(watermill.NewUUID(), env.Payload)
	for k, v := range env.ToHeaders() {
		msg.Metadata.Set(k, v)
	}
	msg.SetContext(ctx)

	if err := p.transport.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return nil
}

// group is one watermill subscription shared by its members
type group struct {
	key        groupKey
	topic      string
	subscriber message.Subscriber
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *slog.Logger
	stopOnce   sync.Once
	stopErr    error

	mu      sync.Mutex
	members []*member
	next    int
}

func (g *group) join(m *member) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m.group = g
	g.members = append(g.members, m)
}

// leave returns the number of members left
func (g *group) leave(m *member) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, other := range g.members {
		if other == m {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	return len(g.members)
}

// pick returns the next member in turn, or nil when the group is empty
func (g *group) pick() *member {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return nil
	}
	m := g.members[g.next%len(g.members)]
	g.next++
	return m
}

func (g *group) run(messages <-chan *message.Message) {
	defer close(g.done)

	for msg := range messages {
		m := g.pick()
		if m == nil {
			msg.Nack()
			continue
		}

		env := contracts.EnvelopeFromHeaders(g.key.route.Channel, msg.Metadata, msg.Payload)
		if env.Kind == "" {
			env.Kind = g.key.route.Kind
		}
		m.handler(msg.Context(), &delivery{msg: msg, env: env})
	}

	g.logger.Debug("subscription closed", "topic", g.topic, "group", g.key.name)
}

func (g *group) stop() error {
	g.stopOnce.Do(func() {
		g.cancel()
		g.stopErr = g.subscriber.Close()
		<-g.done
	})
	return g.stopErr
}

type member struct {
	transport *Transport
	route     messaging.Route
	handler   messaging.DeliveryHandler
	group     *group

	once sync.Once
	err  error
}

func (m *member) Route() messaging.Route {
	return m.route
}

func (m *member) Unsubscribe() error {
	m.once.Do(func() {
		m.err = m.transport.leave(m)
	})
	return m.err
}

type delivery struct {
	msg *message.Message
	env *contracts.Envelope
}

func (d *delivery) Envelope() *contracts.Envelope {
	return d.env
}

func (d *delivery) Ack() error {
	d.msg.Ack()
	return nil
}

// Nack without requeue acks the message so the backend moves on
func (d *delivery) Nack(requeue bool) error {
	if requeue {
		d.msg.Nack()
		return nil
	}
	d.msg.Ack()
	return nil
}
