// ABOUTME: Thread-safe LRU cache with TTL expiry and hit/miss metrics.
// ABOUTME: Shared by the thread index and checkpoint store to avoid room-log reads.

package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL and DefaultMaxEntries match CACHE_TTL_MS and CACHE_MAX_ENTRIES defaults.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 50_000
)

// entry is stored as the list element value so eviction can find its key.
type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
}

// Cache is a size-bounded LRU cache with per-entry TTL.
// Uses a doubly-linked list ordered by recency (least recent at front) for O(1) eviction.
type Cache[V any] struct {
	name       string
	mu         sync.Mutex
	items      map[string]*list.Element
	order      *list.List
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	done       chan struct{}
	closed     bool

	hits        atomic.Uint64
	misses      atomic.Uint64
	sets        atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now           func() time.Time
	sweepInterval time.Duration
}

// WithClock replaces time.Now. Tests use it to expire entries without sleeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSweepInterval changes how often expired entries are swept. Zero disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// New creates a cache. Non-positive ttl or maxEntries fall back to the defaults.
func New[V any](name string, ttl time.Duration, maxEntries int, opts ...Option) *Cache[V] {
	o := options{now: time.Now, sweepInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	c := &Cache[V]{
		name:       name,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        o.now,
		done:       make(chan struct{}),
	}
	if o.sweepInterval > 0 {
		go c.sweep(o.sweepInterval)
	}
	return c
}

// Name returns the cache's metric name.
func (c *Cache[V]) Name() string {
	return c.name
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return zero, false
	}

	e := elem.Value.(*entry[V])
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.removeLocked(elem)
		c.expirations.Add(1)
		c.misses.Add(1)
		return zero, false
	}

	c.order.MoveToBack(elem)
	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key, replacing any existing entry and resetting its TTL.
// If the cache is at capacity the least recently used entry is evicted.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets.Add(1)
	now := c.now()

	if elem, exists := c.items[key]; exists {
		e := elem.Value.(*entry[V])
		e.value = value
		e.storedAt = now
		c.order.MoveToBack(elem)
		return
	}

	for len(c.items) >= c.maxEntries {
		if !c.evictOldestLocked() {
			break
		}
	}

	elem := c.order.PushBack(&entry[V]{key: key, value: value, storedAt: now})
	c.items[key] = elem
}

// Delete removes key. Reports whether an entry was removed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return false
	}
	c.removeLocked(elem)
	return true
}

// DeletePrefix removes every entry whose key starts with prefix and returns how many were removed.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, elem := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(elem)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Purge removes every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}

// evictOldestLocked removes the least recently used entry. Must be called with mu held.
func (c *Cache[V]) evictOldestLocked() bool {
	front := c.order.Front()
	if front == nil {
		return false
	}
	c.removeLocked(front)
	c.evictions.Add(1)
	return true
}

// removeLocked must be called with mu held.
func (c *Cache[V]) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry[V])
	c.order.Remove(elem)
	delete(c.items, e.key)
}

// sweep runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired removes all expired entries.
func (c *Cache[V]) removeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, elem := range c.items {
		e := elem.Value.(*entry[V])
		if now.Sub(e.storedAt) >= c.ttl {
			c.removeLocked(elem)
			removed++
		}
	}
	c.expirations.Add(uint64(removed))
	return removed
}

// Close stops the background sweeper. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
