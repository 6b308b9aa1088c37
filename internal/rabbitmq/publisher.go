package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends to one address over its own channel in confirm mode. A
// publisher whose channel has failed stays failed; callers replace it.
type Publisher struct {
	ch             *amqp.Channel
	address        Address
	confirmTimeout time.Duration
	mandatory      bool

	mu      sync.Mutex
	closed  bool
	returns chan amqp.Return
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a publish waits for the broker ack
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes the broker return messages no queue accepted
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *Publisher) {
		p.mandatory = mandatory
	}
}

// NewPublisher puts ch in confirm mode and binds it to address. The
// publisher owns ch from then on.
func NewPublisher(ch *amqp.Channel, address Address, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:             ch,
		address:        address,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{
			Op:        "enable confirms",
			Purpose:   address.RoutingKey,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	if p.mandatory {
		p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	}

	return p, nil
}

// Address returns the target of this publisher
func (p *Publisher) Address() Address {
	return p.address
}

// Publish sends msg and waits until the broker confirms it
func (p *Publisher) Publish(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(
		confirmCtx,
		p.address.Exchange,
		p.address.RoutingKey,
		p.mandatory,
		false, // immediate
		msg,
	)
	if err != nil {
		return p.publishError(fmt.Errorf("failed to publish: %w", err))
	}

	acked, err := confirmation.WaitContext(confirmCtx)
	if err != nil {
		return p.publishError(fmt.Errorf("waiting for confirmation: %w", err))
	}
	if !acked {
		return p.publishError(ErrPublishNotConfirmed)
	}

	// A returned message is delivered before its ack.
	if p.returns != nil {
		select {
		case ret := <-p.returns:
			return p.publishError(fmt.Errorf("message returned: %d %s", ret.ReplyCode, ret.ReplyText))
		default:
		}
	}
	return nil
}

func (p *Publisher) publishError(err error) error {
	return &PublishError{
		Exchange:   p.address.Exchange,
		RoutingKey: p.address.RoutingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// Close closes the underlying channel
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
