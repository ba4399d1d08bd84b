// Package cache provides the bounded, process-local caches that sit in
// front of the Matrix room log.
//
// A [Cache] holds at most MaxEntries values. Each entry expires TTL after
// it was last written; reads refresh its LRU position but not its expiry.
// When the cache is full the least recently used entry is evicted. A
// background goroutine sweeps expired entries once a minute; Close stops
// it.
//
// Caches are never invalidated across processes. A write made by another
// process becomes visible here only after the local entry expires or is
// purged with [Cache.Delete] or [Cache.DeletePrefix].
//
// Every cache counts hits, misses, sets, evictions and expirations.
// [Cache.Stats] returns a snapshot for logging and the CLI stats command.
package cache
