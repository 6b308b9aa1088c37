package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// RepliesExchange routes replies to every live listener of a reply
	// channel, keyed by the reply channel name.
	RepliesExchange = "mmate.ipc.replies"

	// EventsExchange routes events to one queue per subscriber group, keyed
	// by the event channel name.
	EventsExchange = "mmate.ipc.events"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name lets the
// broker pick one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Exchanges returns the exchanges every process declares at start
func Exchanges() []ExchangeDeclaration {
	return []ExchangeDeclaration{
		{Name: RepliesExchange, Type: amqp.ExchangeDirect, Durable: true},
		{Name: EventsExchange, Type: amqp.ExchangeTopic, Durable: true},
	}
}

// Address is where a message is published
type Address struct {
	Exchange   string
	RoutingKey string
}

// CommandAddress targets the durable queue named after the command channel
// through the default exchange.
func CommandAddress(channel string) Address {
	return Address{Exchange: "", RoutingKey: channel}
}

// ReplyAddress targets every queue bound for replyChannel
func ReplyAddress(replyChannel string) Address {
	return Address{Exchange: RepliesExchange, RoutingKey: replyChannel}
}

// EventAddress targets every subscriber group of channel
func EventAddress(channel string) Address {
	return Address{Exchange: EventsExchange, RoutingKey: channel}
}

// CommandQueue is the durable queue shared by all handlers of a command
// channel.
func CommandQueue(channel string) QueueDeclaration {
	return QueueDeclaration{Name: channel, Durable: true}
}

// ReplyQueue is a private queue for one listener of a reply channel. It
// disappears with the connection that declared it.
func ReplyQueue() QueueDeclaration {
	return QueueDeclaration{Exclusive: true, AutoDelete: true}
}

// EventQueue is the durable queue of one subscriber group on channel
func EventQueue(channel, group string) QueueDeclaration {
	return QueueDeclaration{Name: channel + "." + group, Durable: true}
}

// TopologyManager declares exchanges, queues and bindings on a channel
type TopologyManager struct {
	ch *amqp.Channel
}

// NewTopologyManager creates a topology manager on ch
func NewTopologyManager(ch *amqp.Channel) *TopologyManager {
	return &TopologyManager{ch: ch}
}

// DeclareExchanges declares the given exchanges
func (tm *TopologyManager) DeclareExchanges(exchanges ...ExchangeDeclaration) error {
	for _, exchange := range exchanges {
		err := tm.ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return &TopologyError{
				Component: "exchange",
				Name:      exchange.Name,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}
	return nil
}

// DeclareQueue declares a queue and returns its name
func (tm *TopologyManager) DeclareQueue(queue QueueDeclaration) (string, error) {
	q, err := tm.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return "", &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q.Name, nil
}

// Bind binds a queue to an exchange
func (tm *TopologyManager) Bind(binding Binding) error {
	err := tm.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s->%s(%s)", binding.Exchange, binding.Queue, binding.RoutingKey),
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeclareBoundQueue declares queue and binds it to exchange with key. It
// returns the queue name, which the broker assigns for unnamed queues.
func (tm *TopologyManager) DeclareBoundQueue(queue QueueDeclaration, exchange, key string) (string, error) {
	name, err := tm.DeclareQueue(queue)
	if err != nil {
		return "", err
	}
	if err := tm.Bind(Binding{Queue: name, Exchange: exchange, RoutingKey: key}); err != nil {
		return "", err
	}
	return name, nil
}
