// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-ipc/config"
	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/health"
	"github.com/glimte/mmate-ipc/messaging"
	"github.com/glimte/mmate-ipc/transports/kafka"
	"github.com/glimte/mmate-ipc/transports/memory"
	"github.com/glimte/mmate-ipc/transports/nats"
	rabbitmqTransport "github.com/glimte/mmate-ipc/transports/rabbitmq"
)

// Client provides the main entry point for mmate-ipc: one bus for the
// service, a handler registry and the dispatchers serving it.
type Client struct {
	cfg           *config.Config
	logger        *slog.Logger
	transport     messaging.Transport
	ownsTransport bool
	bus           *messaging.Bus
	registry      *messaging.HandlerRegistry
	commands      *messaging.CommandHandlerDispatcher
	events        *messaging.EventHandlerDispatcher
	publisher     *messaging.EventDispatcher
	health        *health.Registry

	mu      sync.Mutex
	started bool
	closed  bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	transport  messaging.Transport
	registerer prometheus.Registerer
	registry   *messaging.HandlerRegistry
	statusMap  messaging.StatusMapper
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport uses an existing transport instead of building one from
// the configuration. The caller keeps ownership and closes it.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithMetricsRegisterer registers Prometheus collectors on reg
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithRegistry serves the handlers of an existing registry
func WithRegistry(registry *messaging.HandlerRegistry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = registry
	}
}

// WithStatusMapper sets how handler failures map to reply status codes
func WithStatusMapper(mapper messaging.StatusMapper) ClientOption {
	return func(cfg *clientConfig) {
		cfg.statusMap = mapper
	}
}

// NewClient creates a client from configuration
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{}
	for _, opt := range options {
		opt(cc)
	}
	if cc.logger == nil {
		cc.logger = cfg.NewLogger(nil)
	}
	if cc.registry == nil {
		cc.registry = messaging.NewHandlerRegistry()
	}

	transport, owns := cc.transport, false
	if transport == nil {
		var err error
		transport, err = NewTransport(ctx, cfg, cc.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		owns = true
	}

	busOpts := []messaging.BusOption{
		messaging.WithLogger(cc.logger),
		messaging.WithExpireAfterAccess(cfg.CacheExpireAfterAccess),
		messaging.WithPendingReplyTTL(cfg.PendingReplyTTL),
		messaging.WithSweepInterval(cfg.SweepInterval),
		messaging.WithBreakerSettings(messaging.BreakerSettings{
			FailureThreshold: cfg.CBFailureThreshold,
			OpenTimeout:      cfg.CBTimeout,
			HalfOpenRequests: 1,
		}),
	}
	if cc.statusMap != nil {
		busOpts = append(busOpts, messaging.WithStatusMapper(cc.statusMap))
	}
	if cc.registerer != nil {
		metrics, err := messaging.NewPrometheusMetrics(cc.registerer, cfg.MetricsNamespace)
		if err != nil {
			closeOwned(transport, owns)
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		busOpts = append(busOpts, messaging.WithMetrics(metrics))
	}

	bus, err := messaging.NewBus(cfg.ServiceName, transport, busOpts...)
	if err != nil {
		closeOwned(transport, owns)
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	checks := health.NewRegistry(
		health.NewBreakerChecker("producers", bus.Producers()),
		health.NewGoroutineChecker(5000, 20000),
	)
	if conn, ok := transport.(health.Connectivity); ok {
		checks.Register(health.NewTransportChecker("transport", conn))
	}

	handlerTimeout := messaging.WithHandlerTimeout(cfg.HandlerTimeout)
	return &Client{
		cfg:           cfg,
		logger:        cc.logger,
		transport:     transport,
		ownsTransport: owns,
		bus:           bus,
		registry:      cc.registry,
		commands:      messaging.NewCommandHandlerDispatcher(bus, cc.registry, handlerTimeout),
		events:        messaging.NewEventHandlerDispatcher(bus, cc.registry, handlerTimeout),
		publisher:     messaging.NewEventDispatcher(bus),
		health:        checks,
	}, nil
}

func closeOwned(transport messaging.Transport, owns bool) {
	if owns {
		_ = transport.Close()
	}
}

// NewTransport builds the transport named by cfg.Transport
func NewTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Transport {
	case config.TransportRabbitMQ:
		t, err := rabbitmqTransport.NewTransport(ctx, cfg.BrokerURL,
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithPrefetchCount(cfg.PrefetchCount),
		)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportNATS:
		t, err := nats.NewTransport(cfg.BrokerURL, nats.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportKafka:
		t, err := kafka.NewTransport(kafka.Config{
			Brokers:  kafka.ParseBrokers(cfg.BrokerURL),
			ClientID: cfg.ServiceName,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportMemory:
		return memory.NewTransport(memory.WithLogger(logger)), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// ServiceName returns the configured service name
func (c *Client) ServiceName() string {
	return c.cfg.ServiceName
}

// Bus returns the underlying bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Registry returns the handler registry. Register handlers before Start.
func (c *Client) Registry() *messaging.HandlerRegistry {
	return c.registry
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// HealthChecks returns the registry behind Health; services may register
// their own checks on it.
func (c *Client) HealthChecks() *health.Registry {
	return c.health
}

// Health runs the health checks
func (c *Client) Health(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// Start subscribes every registered command and event handler
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return messaging.ErrBusClosed
	}
	if c.started {
		return messaging.ErrDispatcherRunning
	}

	if err := c.commands.Start(ctx); err != nil {
		return fmt.Errorf("failed to start command handlers: %w", err)
	}
	if err := c.events.Start(ctx); err != nil {
		_ = c.commands.Stop()
		return fmt.Errorf("failed to start event handlers: %w", err)
	}

	c.started = true
	c.logger.Info("client started",
		"service", c.cfg.ServiceName,
		"transport", c.cfg.Transport,
		"commandHandlers", len(c.registry.CommandHandlers()),
		"eventHandlers", len(c.registry.EventHandlers()))
	return nil
}

// Publish broadcasts an event
func (c *Client) Publish(ctx context.Context, event contracts.Event, execCtx contracts.ExecutionContext) error {
	return c.publisher.Publish(ctx, event, execCtx)
}

// Execute sends a command through the client's bus and returns the pending
// reply
func Execute[Q contracts.Command, R any](ctx context.Context, c *Client, cmd Q, execCtx contracts.ExecutionContext) *messaging.Future[R] {
	return messaging.NewCommandExecutor[Q, R](c.bus).Execute(ctx, cmd, execCtx)
}

// Call sends a command and waits for its reply
func Call[Q contracts.Command, R any](ctx context.Context, c *Client, cmd Q, execCtx contracts.ExecutionContext) (R, error) {
	return messaging.NewCommandExecutor[Q, R](c.bus).Call(ctx, cmd, execCtx)
}

// Close stops the dispatchers, closes the bus and, when the client built
// it, the transport
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.started = false
	c.mu.Unlock()

	var errs *multierror.Error
	if started {
		if err := c.events.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.commands.Stop(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := c.bus.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.ownsTransport {
		if err := c.transport.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
