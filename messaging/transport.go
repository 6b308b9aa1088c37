package messaging

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-ipc/contracts"
)

// Route addresses traffic of one kind on one channel.
type Route struct {
	Channel string
	Kind    contracts.Kind
}

func (r Route) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.Channel)
}

// Producer sends envelopes to a single route. Producers are expensive and
// are cached by the bus.
type Producer interface {
	// Send hands the envelope to the broker
	Send(ctx context.Context, env *contracts.Envelope) error

	// Close releases the producer
	Close() error
}

// Delivery is one inbound envelope.
type Delivery interface {
	// Envelope returns the decoded envelope
	Envelope() *contracts.Envelope

	// Ack marks the delivery as processed
	Ack() error

	// Nack rejects the delivery, optionally asking for redelivery
	Nack(requeue bool) error
}

// DeliveryHandler processes a delivery. It is responsible for settling it.
type DeliveryHandler func(ctx context.Context, d Delivery)

// SubscribeOptions tune a subscription.
type SubscribeOptions struct {
	// Group names a set of competing consumers; each message is delivered to
	// one member. An empty group gives this subscriber its own copy of every
	// message for as long as it is alive.
	Group string
}

// Subscription is an active consumer
type Subscription interface {
	Route() Route
	Unsubscribe() error
}

// Transport adapts a broker to channels, producers and subscriptions.
type Transport interface {
	// NewProducer creates a producer for the route
	NewProducer(ctx context.Context, route Route) (Producer, error)

	// Subscribe starts delivering messages on the route to handler
	Subscribe(ctx context.Context, route Route, opts SubscribeOptions, handler DeliveryHandler) (Subscription, error)

	// Close closes all resources
	Close() error
}
