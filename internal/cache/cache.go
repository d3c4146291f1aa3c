// Package cache implements an in-memory key/value cache with per-entry
// expiry and a hard capacity. It backs the retrieval path so a chat turn does
// not reload a collection's chunks from the chunk store every time.
//
// Entries expire lazily on Get and eagerly through a periodic sweep owned by
// the cache. When the cache is full, Set evicts the oldest inserted entry.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 5 * time.Minute
	// DefaultCapacity is the default maximum number of entries.
	DefaultCapacity = 256
	// DefaultSweepInterval is the default period of the expiry sweep.
	DefaultSweepInterval = time.Minute

	// sweepBatch bounds how many keys are deleted per lock acquisition.
	sweepBatch = 64
)

// Config holds the cache parameters.
type Config struct {
	// TTL is the lifetime of an entry from its last Set.
	TTL time.Duration
	// Capacity is the maximum number of live entries.
	Capacity int
	// SweepInterval is how often expired entries are removed. Zero uses the
	// default; a negative value disables the background sweep.
	SweepInterval time.Duration
	// Name labels the cache's metrics (e.g. "chunks").
	Name string
	// Registerer receives the cache metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// entry is one cached value with its expiry and insertion-order element.
type entry[K comparable, V any] struct {
	// value is the cached payload.
	value V
	// expires is the instant after which the entry is a miss.
	expires time.Time
	// elem is the entry's position in the insertion-order list.
	elem *list.Element
}

// Cache is a TTL and capacity bounded map safe for concurrent use.
// A concurrent fill of the same key resolves last-write-wins.
type Cache[K comparable, V any] struct {
	// mu guards items and order.
	mu sync.Mutex
	// items maps key to entry.
	items map[K]*entry[K, V]
	// order lists keys oldest-inserted first.
	order *list.List
	// ttl is the entry lifetime.
	ttl time.Duration
	// capacity is the entry limit.
	capacity int
	// now is the clock.
	now func() time.Time
	// metrics is nil when no registerer was configured.
	metrics *cacheMetrics
	// stopOnce guards the stop channel.
	stopOnce sync.Once
	// stopCh terminates the sweep goroutine.
	stopCh chan struct{}
}

// cacheMetrics holds the counters exported for one cache instance.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions *prometheus.CounterVec
}

// New constructs a Cache and starts its sweep goroutine. The goroutine runs
// until Stop is called.
func New[K comparable, V any](cfg Config) *Cache[K, V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	c := &Cache[K, V]{
		items:    make(map[K]*entry[K, V]),
		order:    list.New(),
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		now:      cfg.Now,
		stopCh:   make(chan struct{}),
	}
	if cfg.Registerer != nil {
		c.metrics = newCacheMetrics(cfg.Registerer, cfg.Name)
	}
	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c
}

func newCacheMetrics(reg prometheus.Registerer, name string) *cacheMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"cache": name}
	return &cacheMetrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ragchat",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Cache lookups that returned a live entry.",
			ConstLabels: labels,
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "ragchat",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Cache lookups that found no live entry.",
			ConstLabels: labels,
		}),
		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ragchat",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Entries removed before being read again, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
	}
}

// Get returns the value for key if it exists and has not expired. An expired
// entry is deleted and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.observe(false)
		return zero, false
	}
	if !c.now().Before(e.expires) {
		c.removeLocked(key, e)
		c.evicted("expired")
		c.observe(false)
		return zero, false
	}
	c.observe(true)
	return e.value, true
}

// Set stores value under key with a fresh expiry. When the cache is full and
// key is new, the oldest inserted entry is evicted first.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expires = expires
		c.order.MoveToBack(e.elem)
		return
	}

	for len(c.items) >= c.capacity {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		k := oldest.Value.(K)
		c.removeLocked(k, c.items[k])
		c.evicted("capacity")
	}

	c.items[key] = &entry[K, V]{
		value:   value,
		expires: expires,
		elem:    c.order.PushBack(key),
	}
}

// Delete removes key. It is a no-op when the key is absent.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.removeLocked(key, e)
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Sweep removes every expired entry and returns how many were removed.
// It walks the insertion order sweepBatch entries at a time and releases
// the lock between batches, so concurrent Get/Set calls never wait for a
// full scan. An entry refreshed mid-sweep moves to the back and may be
// skipped until the next sweep.
func (c *Cache[K, V]) Sweep() int {
	removed := 0
	var (
		cursor K
		resume bool
	)
	for {
		c.mu.Lock()
		now := c.now()
		el := c.order.Front()
		if resume {
			// Restart from the front when the cursor entry went away.
			if e, ok := c.items[cursor]; ok {
				el = e.elem
			}
		}
		for n := 0; el != nil && n < sweepBatch; n++ {
			next := el.Next()
			k := el.Value.(K)
			if e := c.items[k]; !now.Before(e.expires) {
				c.removeLocked(k, e)
				c.evicted("expired")
				removed++
			}
			el = next
		}
		if el == nil {
			c.mu.Unlock()
			return removed
		}
		cursor, resume = el.Value.(K), true
		c.mu.Unlock()
	}
}

// sweepLoop runs Sweep on every tick until Stop is called.
func (c *Cache[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// removeLocked deletes key. Caller must hold c.mu.
func (c *Cache[K, V]) removeLocked(key K, e *entry[K, V]) {
	c.order.Remove(e.elem)
	delete(c.items, key)
}

func (c *Cache[K, V]) observe(hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.hits.Inc()
	} else {
		c.metrics.misses.Inc()
	}
}

func (c *Cache[K, V]) evicted(reason string) {
	if c.metrics != nil {
		c.metrics.evictions.WithLabelValues(reason).Inc()
	}
}
