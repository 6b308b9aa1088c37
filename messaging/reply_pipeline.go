package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/cache"
)

// DefaultPendingReplyTTL bounds how long an unanswered call keeps its slot.
const DefaultPendingReplyTTL = 10 * time.Minute

// pendingReply is one in-flight call waiting on a reply channel.
type pendingReply struct {
	correlationID string
	channel       string
	sentAt        time.Time
	deliver       func(env *contracts.Envelope)
	fail          func(err error)
	lease         *cache.Lease[string, *replyPipeline]
}

// replyPipeline listens on one reply channel and routes each reply to the
// call that is waiting for it, matched by correlation id only.
type replyPipeline struct {
	replyChannel string
	subscription Subscription
	logger       *slog.Logger
	metrics      Metrics

	mu      sync.Mutex
	pending map[string]*pendingReply
}

func newReplyPipeline(ctx context.Context, transport Transport, replyChannel string, logger *slog.Logger, metrics Metrics) (*replyPipeline, error) {
	p := &replyPipeline{
		replyChannel: replyChannel,
		logger:       logger.With("replyChannel", replyChannel),
		metrics:      metrics,
		pending:      make(map[string]*pendingReply),
	}

	// The pipeline outlives the call that happened to build it.
	route := Route{Channel: replyChannel, Kind: contracts.KindReply}
	sub, err := transport.Subscribe(context.WithoutCancel(ctx), route, SubscribeOptions{}, p.onDelivery)
	if err != nil {
		return nil, &TransportError{
			Op:        "subscribe reply",
			Channel:   replyChannel,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	p.subscription = sub

	p.logger.Info("reply pipeline started")
	return p, nil
}

// register adds a pending slot. The slot owns the lease that keeps this
// pipeline alive and gives it back when the slot goes away.
func (p *replyPipeline) register(slot *pendingReply) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pending[slot.correlationID]; exists {
		return fmt.Errorf("correlation id %s already pending on %s", slot.correlationID, p.replyChannel)
	}
	p.pending[slot.correlationID] = slot
	p.metrics.PendingReplies(p.replyChannel, 1)
	return nil
}

// remove drops a pending slot and releases its lease
func (p *replyPipeline) remove(correlationID string) *pendingReply {
	p.mu.Lock()
	slot, ok := p.pending[correlationID]
	if ok {
		delete(p.pending, correlationID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.metrics.PendingReplies(p.replyChannel, -1)
	if slot.lease != nil {
		slot.lease.Release()
	}
	return slot
}

func (p *replyPipeline) onDelivery(ctx context.Context, d Delivery) {
	env := d.Envelope()
	defer func() {
		if err := d.Ack(); err != nil {
			p.logger.Warn("failed to ack reply", "correlationId", env.CorrelationID, "error", err)
		}
	}()

	if env.CorrelationID == "" {
		p.logger.Warn("dropping reply without correlation id")
		return
	}

	slot := p.remove(env.CorrelationID)
	if slot == nil {
		p.logger.Debug("dropping reply with no pending call", "correlationId", env.CorrelationID)
		return
	}
	slot.deliver(env)
}

// expire fails every slot older than ttl and returns how many were dropped.
func (p *replyPipeline) expire(now time.Time, ttl time.Duration) int {
	p.mu.Lock()
	var stale []string
	for id, slot := range p.pending {
		if now.Sub(slot.sentAt) >= ttl {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	dropped := 0
	for _, id := range stale {
		if slot := p.remove(id); slot != nil {
			slot.fail(&TimeoutError{
				Channel:       slot.channel,
				CorrelationID: id,
				Err:           context.DeadlineExceeded,
			})
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of calls waiting on this pipeline
func (p *replyPipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *replyPipeline) close() error {
	p.mu.Lock()
	slots := p.pending
	p.pending = make(map[string]*pendingReply)
	p.mu.Unlock()

	for id, slot := range slots {
		p.metrics.PendingReplies(p.replyChannel, -1)
		slot.fail(&TransportError{
			Op:        "await reply",
			Channel:   slot.channel,
			Err:       fmt.Errorf("reply pipeline %s closed before %s was answered", p.replyChannel, id),
			Timestamp: time.Now(),
		})
	}

	p.logger.Info("reply pipeline stopped")
	if p.subscription == nil {
		return nil
	}
	return p.subscription.Unsubscribe()
}
