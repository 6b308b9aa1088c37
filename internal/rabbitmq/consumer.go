package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. It must ack or nack it.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer consumes a single queue on its own channel.
type Consumer struct {
	ch            *amqp.Channel
	queue         string
	consumerTag   string
	prefetchCount int
	exclusive     bool
	logger        *slog.Logger
	onClosed      func()

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithClosedHandler sets fn to run when the broker closes the delivery
// channel, e.g. after a dropped connection. It is not called after Stop.
func WithClosedHandler(fn func()) ConsumerOption {
	return func(c *Consumer) {
		c.onClosed = fn
	}
}

// StartConsumer begins consuming queue on ch and runs handler for one
// delivery at a time, in delivery order. The consumer owns ch.
func StartConsumer(ctx context.Context, ch *amqp.Channel, queue string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		ch:            ch,
		queue:         queue,
		consumerTag:   "mmate-ipc-" + uuid.NewString(),
		prefetchCount: 10,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, c.consumerError("set qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		c.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, c.consumerError("consume", err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(consumeCtx, ctx, deliveries, handler)

	c.logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount)

	return c, nil
}

func (c *Consumer) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// run dispatches deliveries until ctx ends. Handlers get handlerCtx, which
// Stop does not cancel, so the delivery in flight can finish.
func (c *Consumer) run(ctx, handlerCtx context.Context, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	lost := false
	defer func() {
		close(c.done)
		if lost && c.onClosed != nil {
			c.onClosed()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("delivery channel closed", "queue", c.queue)
					lost = true
				}
				return
			}
			handler(handlerCtx, delivery)
		}
	}
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string {
	return c.queue
}

// Done is closed once the consumer has stopped and its last handler returned
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Stop cancels the consumer, waits for the running handler and closes the
// channel.
func (c *Consumer) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.cancel()
		if !c.ch.IsClosed() {
			if cancelErr := c.ch.Cancel(c.consumerTag, false); cancelErr != nil {
				err = c.consumerError("cancel", cancelErr)
			}
		}
		<-c.done

		if !c.ch.IsClosed() {
			if closeErr := c.ch.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("failed to close consumer channel: %w", closeErr)
			}
		}
		c.logger.Debug("consumer stopped", "queue", c.queue)
	})
	return err
}
