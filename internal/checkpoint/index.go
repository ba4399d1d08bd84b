// ABOUTME: Thread index mapping thread ids to their most recently written checkpoint.
// ABOUTME: One thread map state event per namespace, read through an LRU/TTL cache.

package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"

	"github.com/2389/coven-checkpoint/internal/cache"
	"github.com/2389/coven-checkpoint/internal/statelog"
)

// ThreadIndex maps thread ids to the id of the checkpoint last written for them.
// Updates overwrite unconditionally; concurrent writers race and the last one wins.
type ThreadIndex struct {
	log    *statelog.Log
	types  EventTypes
	cache  *cache.Cache[map[string]string]
	logger *slog.Logger
}

// NewThreadIndex creates an index over log. The cache is owned by the caller.
func NewThreadIndex(log *statelog.Log, types EventTypes, c *cache.Cache[map[string]string], logger *slog.Logger) *ThreadIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadIndex{
		log:    log,
		types:  types,
		cache:  c,
		logger: logger.With("component", "thread_index"),
	}
}

// Get returns the thread map for namespace. A missing map is empty, not an error.
// The returned map is a copy.
func (x *ThreadIndex) Get(ctx context.Context, namespace string) (map[string]string, error) {
	m, err := x.load(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return maps.Clone(m), nil
}

// Lookup returns the checkpoint id the index holds for one entry.
func (x *ThreadIndex) Lookup(ctx context.Context, namespace, entry string) (string, bool, error) {
	m, err := x.load(ctx, namespace)
	if err != nil {
		return "", false, err
	}
	id, ok := m[entry]
	return id, ok, nil
}

// Update points entry at checkpointID. The cache is updated only after the durable write succeeds.
func (x *ThreadIndex) Update(ctx context.Context, namespace, entry, checkpointID string) error {
	current, err := x.load(ctx, namespace)
	if err != nil {
		return err
	}
	next := maps.Clone(current)
	if next == nil {
		next = map[string]string{}
	}
	next[entry] = checkpointID

	if err := x.store(ctx, namespace, next); err != nil {
		return err
	}
	x.logger.Debug("index updated", "namespace", namespace, "entry", entry, "checkpoint_id", checkpointID)
	return nil
}

// Remove deletes entry from the namespace's map. Removing a missing entry is a no-op.
func (x *ThreadIndex) Remove(ctx context.Context, namespace, entry string) error {
	current, err := x.load(ctx, namespace)
	if err != nil {
		return err
	}
	if _, ok := current[entry]; !ok {
		return nil
	}
	next := maps.Clone(current)
	delete(next, entry)
	return x.store(ctx, namespace, next)
}

// Rebuild reconstructs the namespace's map from room history, keeping for
// each entry the lexicographically greatest live checkpoint id. It is a
// recovery tool and is never run automatically.
func (x *ThreadIndex) Rebuild(ctx context.Context, namespace string) (map[string]string, error) {
	rebuilt := map[string]string{}
	records := 0
	err := x.log.Scan(ctx, x.types.Checkpoint, func(key string, value any) error {
		rec, err := checkpointRecordFrom(value)
		if err != nil {
			x.logger.Warn("skipping malformed checkpoint during rebuild", "key", key, "error", err)
			return nil
		}
		if recordNamespace(rec) != namespace {
			return nil
		}
		records++
		entry := indexKey(rec.ThreadID, rec.Namespace)
		if rec.CheckpointID > rebuilt[entry] {
			rebuilt[entry] = rec.CheckpointID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoints: %w", err)
	}

	if err := x.store(ctx, namespace, rebuilt); err != nil {
		return nil, err
	}
	x.logger.Info("index rebuilt", "namespace", namespace, "threads", len(rebuilt), "checkpoints", records)
	return maps.Clone(rebuilt), nil
}

// Invalidate drops the cached map for namespace.
func (x *ThreadIndex) Invalidate(namespace string) {
	x.cache.Delete(x.stateKey(namespace))
}

func (x *ThreadIndex) load(ctx context.Context, namespace string) (map[string]string, error) {
	key := x.stateKey(namespace)
	if m, ok := x.cache.Get(key); ok {
		return m, nil
	}

	v, found, err := x.log.Get(ctx, x.types.ThreadMap, key)
	if err != nil {
		return nil, fmt.Errorf("reading thread map %q: %w", namespace, err)
	}
	m := map[string]string{}
	if found {
		raw, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("thread map %q is %T, want object", namespace, v)
		}
		for entry, id := range raw {
			if s, ok := id.(string); ok && s != "" {
				m[entry] = s
			}
		}
	}
	x.cache.Set(key, m)
	return m, nil
}

func (x *ThreadIndex) store(ctx context.Context, namespace string, m map[string]string) error {
	key := x.stateKey(namespace)
	value := make(map[string]any, len(m))
	for entry, id := range m {
		value[entry] = id
	}
	if _, err := x.log.Put(ctx, x.types.ThreadMap, key, value); err != nil {
		return fmt.Errorf("writing thread map %q: %w", namespace, err)
	}
	x.cache.Set(key, m)
	return nil
}

func (x *ThreadIndex) stateKey(namespace string) string {
	return url.PathEscape(namespace)
}

// recordNamespace is the index namespace a record belongs to. Records written
// before namespaces were recorded belong to the default one.
func recordNamespace(rec *checkpointRecord) string {
	if rec.IndexNamespace == "" {
		return DefaultIndexNamespace
	}
	return rec.IndexNamespace
}
