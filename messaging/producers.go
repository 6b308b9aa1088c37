package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/glimte/mmate-ipc/contracts"
	"github.com/glimte/mmate-ipc/internal/cache"
)

// BreakerSettings tune the circuit breaker in front of the broker. The
// breaker only fails fast while the broker keeps refusing sends; it never
// retries.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// DefaultBreakerSettings opens after 5 consecutive failures for 30s
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// ProducerManager caches one Producer per route and sends through it. Each
// route has its own circuit breaker.
type ProducerManager struct {
	name      string
	transport Transport
	producers *cache.Cache[Route, Producer]
	settings  gobreaker.Settings
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[Route]*gobreaker.CircuitBreaker
}

func newProducerManager(name string, transport Transport, settings BreakerSettings, logger *slog.Logger, metrics Metrics, cacheOpts ...cache.Option[Route, Producer]) *ProducerManager {
	m := &ProducerManager{
		name:      name,
		transport: transport,
		logger:    logger,
		breakers:  make(map[Route]*gobreaker.CircuitBreaker),
	}

	opts := []cache.Option[Route, Producer]{
		cache.WithLogger[Route, Producer](logger),
		cache.WithTeardown[Route, Producer](func(route Route, p Producer) error {
			logger.Debug("closing producer", "route", route.String())
			return p.Close()
		}),
		cache.WithEvictionListener[Route, Producer](func(_ Route, reason cache.EvictReason) {
			metrics.ResourceEvicted("producer", string(reason))
		}),
	}
	m.producers = cache.New[Route, Producer](m.create, append(opts, cacheOpts...)...)

	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerSettings().FailureThreshold
	}
	m.settings = gobreaker.Settings{
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("producer circuit breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return m
}

func (m *ProducerManager) breaker(route Route) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.breakers[route]
	if !ok {
		settings := m.settings
		settings.Name = m.name + "_producer_" + route.String()
		cb = gobreaker.NewCircuitBreaker(settings)
		m.breakers[route] = cb
	}
	return cb
}

func (m *ProducerManager) create(ctx context.Context, route Route) (Producer, error) {
	p, err := m.transport.NewProducer(ctx, route)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("created producer", "route", route.String())
	return p, nil
}

// Send delivers env on route through the cached producer. A producer that
// fails a send is dropped so the next send builds a fresh one.
func (m *ProducerManager) Send(ctx context.Context, route Route, env *contracts.Envelope) error {
	_, err := m.breaker(route).Execute(func() (interface{}, error) {
		lease, err := m.producers.Acquire(ctx, route)
		if err != nil {
			return nil, err
		}
		defer lease.Release()

		if err := lease.Value().Send(ctx, env); err != nil {
			m.producers.Invalidate(route)
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return &TransportError{
			Op:        fmt.Sprintf("send %s", route.Kind),
			Channel:   route.Channel,
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// Cached reports whether a producer for route is currently cached
func (m *ProducerManager) Cached(route Route) bool {
	return m.producers.Contains(route)
}

// Sweep evicts idle producers
func (m *ProducerManager) Sweep() int {
	return m.producers.Sweep()
}

// Close closes every cached producer
func (m *ProducerManager) Close() error {
	return m.producers.Close()
}

// BreakerOpen reports whether sends to any route are currently failing fast
func (m *ProducerManager) BreakerOpen() bool {
	return len(m.OpenRoutes()) > 0
}

// OpenRoutes lists the routes whose breaker is open
func (m *ProducerManager) OpenRoutes() []Route {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []Route
	for route, cb := range m.breakers {
		if cb.State() == gobreaker.StateOpen {
			open = append(open, route)
		}
	}
	return open
}
