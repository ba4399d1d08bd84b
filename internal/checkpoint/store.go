// ABOUTME: Checkpoint store: put, getTuple, list, putWrites, and deleteThread over room state.
// ABOUTME: Reads are cache-through; the thread index resolves a thread's head checkpoint.

package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/2389/coven-checkpoint/internal/cache"
	"github.com/2389/coven-checkpoint/internal/codec"
	"github.com/2389/coven-checkpoint/internal/statelog"
)

// DefaultMaxCheckpointBytes is the size above which Put warns.
const DefaultMaxCheckpointBytes = 10 * 1024 * 1024

// Options configures a Store. Zero values pick the defaults.
type Options struct {
	CacheTTL           time.Duration
	CacheMaxEntries    int
	MaxCheckpointBytes int
	// EventPrefix namespaces the state event types.
	EventPrefix string
	// IndexNamespace selects the thread map, for example one per bot identity.
	IndexNamespace string
	// VerifyParent makes Put fail with ErrParentMismatch when the index head
	// is not the parent the caller passed.
	VerifyParent bool
	// OnSizeWarning is called after an oversized checkpoint is written.
	OnSizeWarning func(SizeLimitWarning)
	Logger        *slog.Logger
	// Now overrides the clock for updated_at and cache expiry.
	Now func() time.Time
}

// Store persists checkpoints as state events in one room.
type Store struct {
	log    *statelog.Log
	types  EventTypes
	index  *ThreadIndex
	opts   Options
	logger *slog.Logger

	checkpoints *cache.Cache[*checkpointRecord]
	writes      *cache.Cache[[]writeRecord]
	threadMaps  *cache.Cache[map[string]string]
}

// NewStore creates a store writing through log.
func NewStore(log *statelog.Log, opts Options) *Store {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = cache.DefaultTTL
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = cache.DefaultMaxEntries
	}
	if opts.MaxCheckpointBytes <= 0 {
		opts.MaxCheckpointBytes = DefaultMaxCheckpointBytes
	}
	if opts.IndexNamespace == "" {
		opts.IndexNamespace = DefaultIndexNamespace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	cacheOpts := []cache.Option{cache.WithClock(opts.Now)}

	logger := opts.Logger.With("component", "checkpoint_store")
	types := NewEventTypes(opts.EventPrefix)
	threadMaps := cache.New[map[string]string]("thread_maps", opts.CacheTTL, opts.CacheMaxEntries, cacheOpts...)

	return &Store{
		log:         log,
		types:       types,
		index:       NewThreadIndex(log, types, threadMaps, opts.Logger),
		opts:        opts,
		logger:      logger,
		checkpoints: cache.New[*checkpointRecord]("checkpoints", opts.CacheTTL, opts.CacheMaxEntries, cacheOpts...),
		writes:      cache.New[[]writeRecord]("writes", opts.CacheTTL, opts.CacheMaxEntries, cacheOpts...),
		threadMaps:  threadMaps,
	}
}

// Index returns the store's thread index.
func (s *Store) Index() *ThreadIndex {
	return s.index
}

// IndexNamespace returns the thread map this store reads and writes.
func (s *Store) IndexNamespace() string {
	return s.opts.IndexNamespace
}

// Put writes cp as a child of cfg.CheckpointID, points the index at it, and
// updates the thread's latest pointer. A missing cp.ID is minted as a UUIDv7.
// Returns the config addressing the new checkpoint.
func (s *Store) Put(ctx context.Context, cfg Config, cp *Checkpoint, md Metadata) (Config, error) {
	if cfg.ThreadID == "" {
		return Config{}, ErrMissingThreadID
	}
	if cp == nil {
		return Config{}, errors.New("checkpoint: nil checkpoint")
	}

	stored := *cp
	if stored.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Config{}, fmt.Errorf("minting checkpoint id: %w", err)
		}
		stored.ID = id.String()
	}
	if stored.V == 0 {
		stored.V = CurrentVersion
	}
	if stored.TS.IsZero() {
		stored.TS = s.opts.Now().UTC()
	}
	parent := cfg.CheckpointID
	entry := indexKey(cfg.ThreadID, cfg.Namespace)

	if s.opts.VerifyParent {
		head, _, err := s.index.Lookup(ctx, s.opts.IndexNamespace, entry)
		if err != nil {
			return Config{}, err
		}
		if head != parent {
			return Config{}, fmt.Errorf("%w: head is %q, parent is %q", ErrParentMismatch, head, parent)
		}
	}

	serializedCheckpoint, err := codec.Serialize(checkpointValue(&stored))
	if err != nil {
		return Config{}, fmt.Errorf("serializing checkpoint: %w", err)
	}
	if md == nil {
		md = Metadata{}
	}
	serializedMetadata, err := codec.Serialize(map[string]any(md))
	if err != nil {
		return Config{}, fmt.Errorf("serializing metadata: %w", err)
	}

	rec := &checkpointRecord{
		ThreadID:       cfg.ThreadID,
		Namespace:      cfg.Namespace,
		CheckpointID:   stored.ID,
		ParentID:       parent,
		IndexNamespace: s.opts.IndexNamespace,
		SchemaVersion:  stored.V,
		Checkpoint:     serializedCheckpoint,
		Metadata:       serializedMetadata,
		SizeBytes:      len(serializedCheckpoint) + len(serializedMetadata),
		UpdatedAt:      s.opts.Now().UTC(),
	}

	key := checkpointKey(cfg.ThreadID, cfg.Namespace, stored.ID)
	if _, err := s.log.Put(ctx, s.types.Checkpoint, key, rec.value()); err != nil {
		return Config{}, fmt.Errorf("writing checkpoint: %w", err)
	}
	s.checkpoints.Set(key, rec)

	if err := s.index.Update(ctx, s.opts.IndexNamespace, entry, stored.ID); err != nil {
		return Config{}, err
	}

	latest := map[string]any{
		"thread_id":     cfg.ThreadID,
		"checkpoint_ns": cfg.Namespace,
		"checkpoint_id": stored.ID,
	}
	if _, err := s.log.Put(ctx, s.types.Latest, threadKey(cfg.ThreadID, cfg.Namespace), latest); err != nil {
		return Config{}, fmt.Errorf("writing latest pointer: %w", err)
	}

	if rec.SizeBytes > s.opts.MaxCheckpointBytes {
		s.warnSize(SizeLimitWarning{
			ThreadID:     cfg.ThreadID,
			Namespace:    cfg.Namespace,
			CheckpointID: stored.ID,
			Size:         rec.SizeBytes,
			Limit:        s.opts.MaxCheckpointBytes,
		})
	}

	s.logger.Debug("checkpoint stored",
		"thread_id", cfg.ThreadID,
		"checkpoint_ns", cfg.Namespace,
		"checkpoint_id", stored.ID,
		"parent_id", parent,
		"size", rec.SizeBytes,
	)
	return Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: stored.ID}, nil
}

// GetTuple loads a checkpoint with its metadata, parent, and pending writes.
// Without cfg.CheckpointID the thread's head is used. Returns nil when nothing is found.
func (s *Store) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	if cfg.ThreadID == "" {
		return nil, ErrMissingThreadID
	}
	id := cfg.CheckpointID
	if id == "" {
		head, err := s.head(ctx, cfg.ThreadID, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		if head == "" {
			return nil, nil
		}
		id = head
	}

	rec, err := s.loadCheckpoint(ctx, cfg.ThreadID, cfg.Namespace, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.tuple(ctx, rec)
}

// List walks a thread's checkpoint chain from its head (or cfg.CheckpointID)
// toward the root, newest first. Checkpoints rejected by Before or Filter are
// skipped without counting against Limit. The walk stops quietly at a missing link.
func (s *Store) List(ctx context.Context, cfg Config, opts ListOptions) ([]*Tuple, error) {
	if cfg.ThreadID == "" {
		return nil, ErrMissingThreadID
	}

	var filter map[string][]byte
	if len(opts.Filter) > 0 {
		var err error
		if filter, err = canonicalFields(opts.Filter); err != nil {
			return nil, fmt.Errorf("canonicalizing filter: %w", err)
		}
	}

	id := cfg.CheckpointID
	if id == "" {
		head, err := s.head(ctx, cfg.ThreadID, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		id = head
	}

	var out []*Tuple
	visited := map[string]bool{}
	for id != "" && !visited[id] {
		visited[id] = true

		rec, err := s.loadCheckpoint(ctx, cfg.ThreadID, cfg.Namespace, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		id = rec.ParentID

		if opts.Before != "" && rec.CheckpointID >= opts.Before {
			continue
		}
		if filter != nil {
			md, err := rec.metadata()
			if err != nil {
				return nil, fmt.Errorf("decoding metadata of %s: %w", rec.CheckpointID, err)
			}
			ok, err := matchesFilter(md, filter)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}

		t, err := s.tuple(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// PutWrites merges writes from taskID into the write set of cfg.CheckpointID.
// Writes are keyed by (task id, idx); replays overwrite in place. The set stays sorted by idx.
func (s *Store) PutWrites(ctx context.Context, cfg Config, writes []Write, taskID string) error {
	if cfg.ThreadID == "" {
		return ErrMissingThreadID
	}
	if cfg.CheckpointID == "" {
		return ErrMissingCheckpointID
	}

	existing, err := s.loadWrites(ctx, cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if err != nil {
		return err
	}
	merged := slices.Clone(existing)

	for pos, w := range writes {
		value, err := codec.Serialize(w.Value)
		if err != nil {
			return fmt.Errorf("serializing write on %s: %w", w.Channel, err)
		}
		rec := writeRecord{TaskID: taskID, Idx: WriteIdx(w.Channel, pos), Channel: w.Channel, Value: value}
		i := slices.IndexFunc(merged, func(e writeRecord) bool {
			return e.TaskID == rec.TaskID && e.Idx == rec.Idx
		})
		if i >= 0 {
			merged[i] = rec
		} else {
			merged = append(merged, rec)
		}
	}
	slices.SortStableFunc(merged, func(a, b writeRecord) int {
		return a.Idx - b.Idx
	})

	key := checkpointKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID)
	if _, err := s.log.Put(ctx, s.types.Writes, key, writesValue(cfg, merged)); err != nil {
		return fmt.Errorf("writing pending writes: %w", err)
	}
	s.writes.Set(key, merged)
	return nil
}

// DeleteThread nullifies every checkpoint and write set on the thread's chain,
// removes the index entry and latest pointer, and purges the cache entries of
// that thread and namespace. Other namespaces of the thread are left alone.
func (s *Store) DeleteThread(ctx context.Context, cfg Config) error {
	if cfg.ThreadID == "" {
		return ErrMissingThreadID
	}

	id, err := s.head(ctx, cfg.ThreadID, cfg.Namespace)
	if err != nil {
		return err
	}

	deleted := 0
	visited := map[string]bool{}
	for id != "" && !visited[id] {
		visited[id] = true
		rec, err := s.loadCheckpoint(ctx, cfg.ThreadID, cfg.Namespace, id)
		if err != nil {
			return err
		}
		key := checkpointKey(cfg.ThreadID, cfg.Namespace, id)
		if err := s.log.Clear(ctx, s.types.Checkpoint, key); err != nil {
			return err
		}
		if err := s.log.Clear(ctx, s.types.Writes, key); err != nil {
			return err
		}
		deleted++
		if rec == nil {
			break
		}
		id = rec.ParentID
	}

	if err := s.index.Remove(ctx, s.opts.IndexNamespace, indexKey(cfg.ThreadID, cfg.Namespace)); err != nil {
		return err
	}
	if err := s.log.Clear(ctx, s.types.Latest, threadKey(cfg.ThreadID, cfg.Namespace)); err != nil {
		return err
	}

	prefix := threadPrefix(cfg.ThreadID, cfg.Namespace)
	purged := s.checkpoints.DeletePrefix(prefix) + s.writes.DeletePrefix(prefix)
	s.logger.Info("thread deleted",
		"thread_id", cfg.ThreadID,
		"checkpoint_ns", cfg.Namespace,
		"checkpoints", deleted,
		"cache_entries", purged,
	)
	return nil
}

// GetState reads one stored checkpoint record straight from the room, bypassing the cache.
func (s *Store) GetState(ctx context.Context, cfg Config) (any, bool, error) {
	if cfg.ThreadID == "" {
		return nil, false, ErrMissingThreadID
	}
	if cfg.CheckpointID == "" {
		return nil, false, ErrMissingCheckpointID
	}
	return s.log.Get(ctx, s.types.Checkpoint, checkpointKey(cfg.ThreadID, cfg.Namespace, cfg.CheckpointID))
}

// CacheStats returns a snapshot of every cache the store uses.
func (s *Store) CacheStats() []cache.Stats {
	return []cache.Stats{s.checkpoints.Stats(), s.writes.Stats(), s.threadMaps.Stats()}
}

// PurgeCaches empties every cache.
func (s *Store) PurgeCaches() {
	s.checkpoints.Purge()
	s.writes.Purge()
	s.threadMaps.Purge()
}

// Close waits for background migrations and stops cache sweepers.
func (s *Store) Close() {
	s.log.Wait()
	s.checkpoints.Close()
	s.writes.Close()
	s.threadMaps.Close()
}

// head resolves a thread's current checkpoint id: index first, then the latest pointer.
func (s *Store) head(ctx context.Context, thread, ns string) (string, error) {
	id, ok, err := s.index.Lookup(ctx, s.opts.IndexNamespace, indexKey(thread, ns))
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	v, found, err := s.log.Get(ctx, s.types.Latest, threadKey(thread, ns))
	if err != nil {
		return "", fmt.Errorf("reading latest pointer: %w", err)
	}
	if !found {
		return "", nil
	}
	m, _ := v.(map[string]any)
	return stringField(m, "checkpoint_id"), nil
}

func (s *Store) loadCheckpoint(ctx context.Context, thread, ns, id string) (*checkpointRecord, error) {
	key := checkpointKey(thread, ns, id)
	if rec, ok := s.checkpoints.Get(key); ok {
		return rec, nil
	}

	v, found, err := s.log.Get(ctx, s.types.Checkpoint, key)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	rec, err := checkpointRecordFrom(v)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", id, err)
	}
	s.checkpoints.Set(key, rec)
	return rec, nil
}

func (s *Store) loadWrites(ctx context.Context, thread, ns, id string) ([]writeRecord, error) {
	key := checkpointKey(thread, ns, id)
	if writes, ok := s.writes.Get(key); ok {
		return writes, nil
	}

	v, found, err := s.log.Get(ctx, s.types.Writes, key)
	if err != nil {
		return nil, fmt.Errorf("reading writes of %s: %w", id, err)
	}
	var writes []writeRecord
	if found {
		if writes, err = writesFrom(v); err != nil {
			return nil, fmt.Errorf("reading writes of %s: %w", id, err)
		}
		slices.SortStableFunc(writes, func(a, b writeRecord) int {
			return a.Idx - b.Idx
		})
	}
	s.writes.Set(key, writes)
	return writes, nil
}

func (s *Store) tuple(ctx context.Context, rec *checkpointRecord) (*Tuple, error) {
	cp, err := rec.checkpoint()
	if err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", rec.CheckpointID, err)
	}
	md, err := rec.metadata()
	if err != nil {
		return nil, fmt.Errorf("decoding metadata of %s: %w", rec.CheckpointID, err)
	}

	if cp.V < PendingSendsVersion && rec.ParentID != "" {
		if err := s.migratePendingSends(ctx, cp, rec); err != nil {
			return nil, err
		}
	}

	writes, err := s.loadWrites(ctx, rec.ThreadID, rec.Namespace, rec.CheckpointID)
	if err != nil {
		return nil, err
	}
	pending := make([]PendingWrite, 0, len(writes))
	for _, w := range writes {
		pw, err := w.pending()
		if err != nil {
			return nil, fmt.Errorf("decoding write %s/%d: %w", w.TaskID, w.Idx, err)
		}
		pending = append(pending, pw)
	}

	t := &Tuple{
		Config:        Config{ThreadID: rec.ThreadID, Namespace: rec.Namespace, CheckpointID: rec.CheckpointID},
		Checkpoint:    cp,
		Metadata:      md,
		PendingWrites: pending,
	}
	if rec.ParentID != "" {
		t.ParentConfig = &Config{ThreadID: rec.ThreadID, Namespace: rec.Namespace, CheckpointID: rec.ParentID}
	}
	return t, nil
}

func (s *Store) warnSize(w SizeLimitWarning) {
	s.logger.Warn("checkpoint exceeds size limit",
		"thread_id", w.ThreadID,
		"checkpoint_ns", w.Namespace,
		"checkpoint_id", w.CheckpointID,
		"size", w.Size,
		"limit", w.Limit,
	)
	if s.opts.OnSizeWarning != nil {
		s.opts.OnSizeWarning(w)
	}
}

// canonicalFields renders each filter value as RFC 8785 JSON so numerically equal values compare equal.
func canonicalFields(m Metadata) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		c, err := canonicalJSON(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = c
	}
	return out, nil
}

func matchesFilter(md Metadata, filter map[string][]byte) (bool, error) {
	for k, want := range filter {
		got, ok := md[k]
		if !ok {
			return false, nil
		}
		c, err := canonicalJSON(got)
		if err != nil {
			return false, fmt.Errorf("metadata field %q: %w", k, err)
		}
		if !bytes.Equal(c, want) {
			return false, nil
		}
	}
	return true, nil
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}
