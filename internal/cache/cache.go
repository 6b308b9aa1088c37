package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

var (
	// ErrClosed is returned by Acquire after Close
	ErrClosed = errors.New("cache: closed")
)

// DefaultExpireAfterAccess is how long an unused entry survives.
const DefaultExpireAfterAccess = 10 * time.Minute

// Factory builds the resource for a key on first use.
type Factory[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Teardown releases a resource that is leaving the cache.
type Teardown[K comparable, V any] func(key K, value V) error

// EvictReason says why an entry left the cache
type EvictReason string

const (
	EvictExpired     EvictReason = "expired"
	EvictInvalidated EvictReason = "invalidated"
	EvictClosed      EvictReason = "closed"
)

type entry[V any] struct {
	// mu serialises construction for one key.
	mu     sync.Mutex
	ready  bool
	failed error
	value  V

	// guarded by Cache.mu
	refs       int
	lastAccess time.Time
	doomed     bool
}

// Cache is a keyed store of lazily built resources. Construction for a key
// happens at most once at a time, entries expire after a period without
// access, and an entry is never torn down while a Lease on it is held.
type Cache[K comparable, V any] struct {
	factory       Factory[K, V]
	teardown      Teardown[K, V]
	onEvict       func(K, EvictReason)
	expireAfter   time.Duration
	sweepInterval time.Duration
	clock         Clock
	logger        *slog.Logger

	mu      sync.Mutex
	entries *simplelru.LRU[K, *entry[V]]
	closed  bool

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// Option configures a Cache
type Option[K comparable, V any] func(*Cache[K, V])

// WithExpireAfterAccess sets the inactivity window
func WithExpireAfterAccess[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.expireAfter = d
	}
}

// WithTeardown sets the hook run when an entry is removed
func WithTeardown[K comparable, V any](fn Teardown[K, V]) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.teardown = fn
	}
}

// WithEvictionListener is called after an entry has been torn down
func WithEvictionListener[K comparable, V any](fn func(K, EvictReason)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// WithSweepInterval starts a background janitor. Zero disables it and
// leaves sweeping to explicit Sweep calls.
func WithSweepInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.sweepInterval = d
	}
}

// WithClock sets the time source
func WithClock[K comparable, V any](clock Clock) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger[K comparable, V any](logger *slog.Logger) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.logger = logger
	}
}

// New creates a cache that builds missing entries with factory.
func New[K comparable, V any](factory Factory[K, V], options ...Option[K, V]) *Cache[K, V] {
	// Capacity is never the eviction trigger; the LRU only keeps entries in
	// access order so sweeps can stop at the first live one.
	lru, _ := simplelru.NewLRU[K, *entry[V]](math.MaxInt32, nil)

	c := &Cache[K, V]{
		factory:     factory,
		expireAfter: DefaultExpireAfterAccess,
		clock:       RealClock(),
		logger:      slog.Default(),
		entries:     lru,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.sweepInterval > 0 {
		go c.janitor()
	} else {
		close(c.stopped)
	}

	return c
}

// Acquire returns a lease on the resource for key, building it if needed.
// Concurrent first callers share one construction; if it fails, each of them
// gets the error and nothing is cached.
func (c *Cache[K, V]) Acquire(ctx context.Context, key K) (*Lease[K, V], error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := c.entries.Get(key)
	if !ok {
		e = &entry[V]{}
		c.entries.Add(key, e)
	}
	e.refs++
	e.lastAccess = c.clock.Now()
	c.mu.Unlock()

	e.mu.Lock()
	if e.failed != nil {
		err := e.failed
		e.mu.Unlock()
		c.drop(key, e)
		return nil, err
	}
	if !e.ready {
		value, err := c.factory(ctx, key)
		if err != nil {
			e.failed = fmt.Errorf("failed to build cache entry: %w", err)
			e.mu.Unlock()
			c.drop(key, e)
			return nil, e.failed
		}
		e.value = value
		e.ready = true
	}
	e.mu.Unlock()

	return &Lease[K, V]{cache: c, key: key, entry: e}, nil
}

// Get touches the entry for key and returns its resource without holding a
// lease.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	lease, err := c.Acquire(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}
	defer lease.Release()
	return lease.Value(), nil
}

// drop forgets an entry whose construction failed.
func (c *Cache[K, V]) drop(key K, e *entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if cur, ok := c.entries.Peek(key); ok && cur == e {
		c.entries.Remove(key)
	}
}

func (c *Cache[K, V]) release(key K, e *entry[V]) {
	c.mu.Lock()
	e.refs--
	e.lastAccess = c.clock.Now()
	if cur, ok := c.entries.Peek(key); ok && cur == e {
		c.entries.Get(key)
	}
	tear := e.doomed && e.refs == 0
	c.mu.Unlock()

	if tear {
		c.tearDown(key, e, EvictInvalidated)
	}
}

// Invalidate removes key. A leased entry is torn down when its last lease is
// released; the next Acquire builds a fresh one either way.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	e, ok := c.entries.Peek(key)
	if !ok {
		c.mu.Unlock()
		return
	}
	c.entries.Remove(key)
	e.doomed = true
	tear := e.refs == 0
	c.mu.Unlock()

	if tear {
		c.tearDown(key, e, EvictInvalidated)
	}
}

// Sweep evicts every unleased entry idle for longer than the expiry window
// and returns how many were removed.
func (c *Cache[K, V]) Sweep() int {
	type victim struct {
		key   K
		entry *entry[V]
	}

	c.mu.Lock()
	now := c.clock.Now()
	var victims []victim
	for _, key := range c.entries.Keys() {
		e, _ := c.entries.Peek(key)
		if now.Sub(e.lastAccess) < c.expireAfter {
			break
		}
		if e.refs > 0 {
			continue
		}
		c.entries.Remove(key)
		victims = append(victims, victim{key: key, entry: e})
	}
	c.mu.Unlock()

	for _, v := range victims {
		c.tearDown(v.key, v.entry, EvictExpired)
	}
	return len(victims)
}

// Len returns the number of live entries
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Contains reports whether key has an entry, without touching it
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(key)
}

// Range calls fn for every built entry without refreshing its access time.
// fn runs outside the cache lock; returning false stops the walk.
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	type item struct {
		key   K
		entry *entry[V]
	}

	c.mu.Lock()
	keys := c.entries.Keys()
	items := make([]item, 0, len(keys))
	for _, key := range keys {
		e, _ := c.entries.Peek(key)
		items = append(items, item{key: key, entry: e})
	}
	c.mu.Unlock()

	for _, it := range items {
		it.entry.mu.Lock()
		ready, value := it.entry.ready, it.entry.value
		it.entry.mu.Unlock()
		if !ready {
			continue
		}
		if !fn(it.key, value) {
			return
		}
	}
}

// Close stops the janitor and tears down every entry, leased or not.
func (c *Cache[K, V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	keys := c.entries.Keys()
	entries := make([]*entry[V], 0, len(keys))
	for _, key := range keys {
		e, _ := c.entries.Peek(key)
		entries = append(entries, e)
	}
	c.entries.Purge()
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	<-c.stopped

	var errs *multierror.Error
	for i, key := range keys {
		if err := c.tearDown(key, entries[i], EvictClosed); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Cache[K, V]) tearDown(key K, e *entry[V], reason EvictReason) error {
	e.mu.Lock()
	ready := e.ready
	value := e.value
	e.ready = false
	e.mu.Unlock()

	if !ready {
		return nil
	}

	var err error
	if c.teardown != nil {
		if err = c.teardown(key, value); err != nil {
			c.logger.Warn("cache entry teardown failed",
				"key", key,
				"reason", reason,
				"error", err)
		}
	}
	if c.onEvict != nil {
		c.onEvict(key, reason)
	}
	return err
}

func (c *Cache[K, V]) janitor() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("evicted idle cache entries", "count", n)
			}
		case <-c.stop:
			return
		}
	}
}

// Lease pins an entry so it cannot be evicted. Release it exactly once;
// extra calls are ignored.
type Lease[K comparable, V any] struct {
	cache *Cache[K, V]
	key   K
	entry *entry[V]
	once  sync.Once
}

// Value returns the leased resource
func (l *Lease[K, V]) Value() V {
	return l.entry.value
}

// Key returns the leased key
func (l *Lease[K, V]) Key() K {
	return l.key
}

// Release gives the lease back and refreshes the entry's access time
func (l *Lease[K, V]) Release() {
	l.once.Do(func() {
		l.cache.release(l.key, l.entry)
	})
}
