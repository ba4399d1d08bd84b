// ABOUTME: Local persistence for verified secret storage keys.
// ABOUTME: SQLite-backed cache for real runs and an in-memory one for tests.

package ssss

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// KeyCache stores verified raw keys by key id.
type KeyCache interface {
	Get(ctx context.Context, keyID string) ([]byte, bool, error)
	Put(ctx context.Context, keyID string, raw []byte) error
	Delete(ctx context.Context, keyID string) error
	Clear(ctx context.Context) error
}

// MemoryKeyCache is a KeyCache held in process memory.
type MemoryKeyCache struct {
	mu   sync.Mutex
	keys map[string][]byte
}

// NewMemoryKeyCache creates an empty in-memory cache.
func NewMemoryKeyCache() *MemoryKeyCache {
	return &MemoryKeyCache{keys: make(map[string][]byte)}
}

// Compile-time checks.
var (
	_ KeyCache = (*MemoryKeyCache)(nil)
	_ KeyCache = (*SQLiteKeyCache)(nil)
)

func (c *MemoryKeyCache) Get(ctx context.Context, keyID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.keys[keyID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (c *MemoryKeyCache) Put(ctx context.Context, keyID string, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[keyID] = append([]byte(nil), raw...)
	return nil
}

func (c *MemoryKeyCache) Delete(ctx context.Context, keyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, keyID)
	return nil
}

func (c *MemoryKeyCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string][]byte)
	return nil
}

// Len returns the number of cached keys.
func (c *MemoryKeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// SQLiteKeyCache persists keys in a SQLite database.
type SQLiteKeyCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteKeyCache opens or creates the cache database at path.
// Parent directories are created if needed.
func NewSQLiteKeyCache(path string) (*SQLiteKeyCache, error) {
	logger := slog.Default().With("component", "key_cache")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating key cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening key cache: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS secret_storage_keys (
			key_id TEXT PRIMARY KEY,
			raw_key BLOB NOT NULL,
			created_at DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating key cache schema: %w", err)
	}

	// Raw keys are secrets; keep the file private to the user.
	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("could not restrict key cache permissions", "path", path, "error", err)
	}

	logger.Debug("key cache opened", "path", path)
	return &SQLiteKeyCache{db: db, logger: logger}, nil
}

func (c *SQLiteKeyCache) Get(ctx context.Context, keyID string) ([]byte, bool, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, "SELECT raw_key FROM secret_storage_keys WHERE key_id = ?", keyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached key %s: %w", keyID, err)
	}
	return raw, true, nil
}

func (c *SQLiteKeyCache) Put(ctx context.Context, keyID string, raw []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO secret_storage_keys (key_id, raw_key, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET raw_key = excluded.raw_key, created_at = excluded.created_at
	`, keyID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("caching key %s: %w", keyID, err)
	}
	return nil
}

func (c *SQLiteKeyCache) Delete(ctx context.Context, keyID string) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM secret_storage_keys WHERE key_id = ?", keyID); err != nil {
		return fmt.Errorf("deleting cached key %s: %w", keyID, err)
	}
	return nil
}

func (c *SQLiteKeyCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "DELETE FROM secret_storage_keys"); err != nil {
		return fmt.Errorf("clearing key cache: %w", err)
	}
	c.logger.Info("key cache cleared")
	return nil
}

// Close closes the database.
func (c *SQLiteKeyCache) Close() error {
	return c.db.Close()
}
