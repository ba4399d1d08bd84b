// ABOUTME: Metric snapshots for caches.
// ABOUTME: Stats are plain values so callers can log or print them without locking.

package cache

import "log/slog"

// Stats is a point-in-time snapshot of a cache's counters.
type Stats struct {
	Name        string
	Size        int
	MaxEntries  int
	Hits        uint64
	Misses      uint64
	Sets        uint64
	Evictions   uint64
	Expirations uint64
}

// HitRatio returns hits / (hits + misses), or 0 when the cache was never read.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// LogValue lets a Stats be passed directly as a slog attribute.
func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", s.Name),
		slog.Int("size", s.Size),
		slog.Uint64("hits", s.Hits),
		slog.Uint64("misses", s.Misses),
		slog.Uint64("sets", s.Sets),
		slog.Uint64("evictions", s.Evictions),
		slog.Uint64("expirations", s.Expirations),
	)
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Name:        c.name,
		Size:        c.Len(),
		MaxEntries:  c.maxEntries,
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
}
