package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/cache"
)

// DefaultSweepInterval is how often idle resources and stale pending
// replies are swept.
const DefaultSweepInterval = time.Minute

// Bus owns the process-wide messaging resources of one service: the
// transport, the cached producers and the shared reply pipelines. Executors
// and dispatchers are built on top of a Bus.
type Bus struct {
	transport     Transport
	mapper        *ChannelMapper
	logger        *slog.Logger
	metrics       Metrics
	statusMapper  StatusMapper
	breaker       BreakerSettings
	expireAfter   time.Duration
	pendingTTL    time.Duration
	sweepInterval time.Duration
	clock         cache.Clock

	producers *ProducerManager
	pipelines *cache.Cache[string, *replyPipeline]

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithStatusMapper sets how handler failures map to reply status codes
func WithStatusMapper(mapper StatusMapper) BusOption {
	return func(b *Bus) {
		b.statusMapper = mapper
	}
}

// WithExpireAfterAccess sets the idle window for producers and reply
// pipelines
func WithExpireAfterAccess(d time.Duration) BusOption {
	return func(b *Bus) {
		b.expireAfter = d
	}
}

// WithPendingReplyTTL bounds how long an unanswered call keeps its slot
func WithPendingReplyTTL(d time.Duration) BusOption {
	return func(b *Bus) {
		b.pendingTTL = d
	}
}

// WithSweepInterval sets the janitor period. Zero disables the janitor.
func WithSweepInterval(d time.Duration) BusOption {
	return func(b *Bus) {
		b.sweepInterval = d
	}
}

// WithBreakerSettings tunes the producer circuit breaker
func WithBreakerSettings(settings BreakerSettings) BusOption {
	return func(b *Bus) {
		b.breaker = settings
	}
}

// withClock replaces the time source
func withClock(clock cache.Clock) BusOption {
	return func(b *Bus) {
		b.clock = clock
	}
}

// NewBus creates a bus for serviceName over transport.
func NewBus(serviceName string, transport Transport, options ...BusOption) (*Bus, error) {
	mapper, err := NewChannelMapper(serviceName)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("messaging: transport is required")
	}

	b := &Bus{
		transport:     transport,
		mapper:        mapper,
		logger:        slog.Default(),
		metrics:       NoOpMetrics{},
		statusMapper:  DefaultStatusMapper,
		breaker:       DefaultBreakerSettings(),
		expireAfter:   cache.DefaultExpireAfterAccess,
		pendingTTL:    DefaultPendingReplyTTL,
		sweepInterval: DefaultSweepInterval,
		clock:         cache.RealClock(),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(b)
	}

	b.logger = b.logger.With("service", mapper.ServiceName())

	b.producers = newProducerManager(mapper.ServiceName(), transport, b.breaker, b.logger, b.metrics,
		cache.WithExpireAfterAccess[Route, Producer](b.expireAfter),
		cache.WithClock[Route, Producer](b.clock),
	)

	b.pipelines = cache.New[string, *replyPipeline](
		func(ctx context.Context, replyChannel string) (*replyPipeline, error) {
			return newReplyPipeline(ctx, transport, replyChannel, b.logger, b.metrics)
		},
		cache.WithExpireAfterAccess[string, *replyPipeline](b.expireAfter),
		cache.WithClock[string, *replyPipeline](b.clock),
		cache.WithLogger[string, *replyPipeline](b.logger),
		cache.WithTeardown[string, *replyPipeline](func(_ string, p *replyPipeline) error {
			return p.close()
		}),
		cache.WithEvictionListener[string, *replyPipeline](func(_ string, reason cache.EvictReason) {
			b.metrics.ResourceEvicted("reply_pipeline", string(reason))
		}),
	)

	if b.sweepInterval > 0 {
		go b.janitor()
	} else {
		close(b.stopped)
	}

	return b, nil
}

// ServiceName returns the owning service
func (b *Bus) ServiceName() string {
	return b.mapper.ServiceName()
}

// Mapper returns the channel mapper
func (b *Bus) Mapper() *ChannelMapper {
	return b.mapper
}

// Transport returns the underlying transport
func (b *Bus) Transport() Transport {
	return b.transport
}

// Logger returns the bus logger
func (b *Bus) Logger() *slog.Logger {
	return b.logger
}

// Producers returns the producer cache
func (b *Bus) Producers() *ProducerManager {
	return b.producers
}

func (b *Bus) send(ctx context.Context, route Route, env *contracts.Envelope) error {
	select {
	case <-b.stop:
		return ErrBusClosed
	default:
	}
	env.Kind = route.Kind
	return b.producers.Send(ctx, route, env)
}

func (b *Bus) acquirePipeline(ctx context.Context, replyChannel string) (*cache.Lease[string, *replyPipeline], error) {
	return b.pipelines.Acquire(ctx, replyChannel)
}

// PendingReplies returns the number of calls awaiting a reply on
// replyChannel
func (b *Bus) PendingReplies(replyChannel string) int {
	n := 0
	b.pipelines.Range(func(key string, p *replyPipeline) bool {
		if key == replyChannel {
			n = p.Pending()
			return false
		}
		return true
	})
	return n
}

// Sweep evicts idle producers and pipelines and fails calls that have waited
// longer than the pending reply TTL.
func (b *Bus) Sweep() {
	now := b.clock.Now()
	expired := 0
	b.pipelines.Range(func(_ string, p *replyPipeline) bool {
		expired += p.expire(now, b.pendingTTL)
		return true
	})
	producers := b.producers.Sweep()
	pipelines := b.pipelines.Sweep()

	if expired+producers+pipelines > 0 {
		b.logger.Debug("swept messaging resources",
			"expiredReplies", expired,
			"producers", producers,
			"pipelines", pipelines)
	}
}

func (b *Bus) janitor() {
	defer close(b.stopped)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep()
		case <-b.stop:
			return
		}
	}
}

// Close fails outstanding calls and releases every cached resource. The
// transport itself is left open; its owner closes it.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.stopped

		var errs *multierror.Error
		if err := b.pipelines.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close reply pipelines: %w", err))
		}
		if err := b.producers.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close producers: %w", err))
		}
		b.closeErr = errs.ErrorOrNil()
	})
	return b.closeErr
}
