// ABOUTME: Tests for the LRU/TTL cache shared by the thread index and checkpoint store.
// ABOUTME: Validates TTL expiry, LRU eviction, prefix purge, metrics, and concurrency safety.

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, max int) (*Cache[string], *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := New[string]("test", ttl, max, WithClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(c.Close)
	return c, clock
}

func TestCache_Get_Missing(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	_, ok := c.Get("never-set")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Set("a", "alpha")
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", got)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Sets)
	assert.Equal(t, 1, stats.Size)
}

func TestCache_Expiry(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Set("k", "v")
	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok, "entry should survive until ttl")

	clock.Advance(2 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry should expire after ttl")
	assert.Equal(t, uint64(1), c.Stats().Expirations)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Set_RefreshesTTL(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Set("k", "v1")
	clock.Advance(40 * time.Second)
	c.Set("k", "v2")
	clock.Advance(40 * time.Second)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", got)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 3)

	c.Set("first", "1")
	c.Set("second", "2")
	c.Set("third", "3")

	// Touch "first" so "second" becomes least recently used.
	_, ok := c.Get("first")
	require.True(t, ok)

	c.Set("fourth", "4")

	_, ok = c.Get("second")
	assert.False(t, ok, "second should be evicted")
	for _, key := range []string{"first", "third", "fourth"} {
		_, ok := c.Get(key)
		assert.True(t, ok, key)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCache_DeletePrefix(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Set("cp:room:t1/a", "1")
	c.Set("cp:room:t1/b", "2")
	c.Set("cp:room:t10/a", "3")
	c.Set("cp:room:t2/a", "4")

	removed := c.DeletePrefix("cp:room:t1/")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("cp:room:t10/a")
	assert.True(t, ok, "prefix must not match a longer thread id")
	_, ok = c.Get("cp:room:t2/a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Set("k", "v")
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_RemoveExpired(t *testing.T) {
	c, clock := newTestCache(t, time.Minute, 10)

	c.Set("a", "1")
	c.Set("b", "2")
	clock.Advance(30 * time.Second)
	c.Set("c", "3")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 2, c.removeExpired())
	assert.Equal(t, 1, c.Len())
}

func TestCache_Purge(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	c.Set("a", "1")
	c.Set("b", "2")
	c.Purge()
	assert.Equal(t, 0, c.Len())

	c.Set("c", "3")
	_, ok := c.Get("c")
	assert.True(t, ok, "cache should be usable after purge")
}

func TestCache_Defaults(t *testing.T) {
	c := New[int]("defaults", 0, 0, WithSweepInterval(0))
	defer c.Close()

	assert.Equal(t, DefaultMaxEntries, c.Stats().MaxEntries)
	assert.Equal(t, DefaultTTL, c.ttl)
}

func TestCache_HitRatio(t *testing.T) {
	assert.Equal(t, 0.0, Stats{}.HitRatio())
	assert.InDelta(t, 0.75, Stats{Hits: 3, Misses: 1}.HitRatio(), 0.0001)
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int]("concurrent", time.Minute, 100)
	defer c.Close()

	const goroutines = 50
	const ops = 200

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				key := fmt.Sprintf("key-%d-%d", id%7, j%13)
				c.Set(key, j)
				c.Get(key)
				if j%17 == 0 {
					c.DeletePrefix(fmt.Sprintf("key-%d-", id%7))
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}

func TestCache_Close(t *testing.T) {
	c := New[string]("close", time.Minute, 10)
	c.Set("before-close", "v")

	// Close should not panic and multiple closes should be safe.
	c.Close()
	c.Close()
}
