// Package memory provides an in-process messaging.Transport backed by
// watermill's GoChannel Pub/Sub. Messages never leave the process and
// are dropped when nobody subscribes to their channel.
package memory

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/glimte/mmate-ipc/transports/watermill"
)

type config struct {
	logger *slog.Logger
	buffer int64
}

// Option configures the transport
type Option func(*config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithOutputBuffer sets the per-subscription channel buffer
func WithOutputBuffer(n int64) Option {
	return func(c *config) {
		c.buffer = n
	}
}

// NewTransport creates an in-memory transport. Every transport is an
// isolated bus: producers and subscribers must share the same instance.
func NewTransport(opts ...Option) *watermill.Transport {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: cfg.buffer,
	}, watermill.NewLogger(cfg.logger.With("transport", "memory")))

	// Cannot fail: both arguments are non-nil.
	transport, _ := watermill.NewTransport(pubsub, watermill.Shared(pubsub),
		watermill.WithLogger(cfg.logger))
	return transport
}
