// ABOUTME: Codec-aware accessor for state events in the checkpoint room.
// ABOUTME: Decodes every payload format and rewrites legacy payloads in the background.

package statelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-checkpoint/internal/codec"
	"github.com/2389/coven-checkpoint/internal/transport"
)

// scanPageSize is how many events Scan requests per page.
const scanPageSize = 100

// migrationTimeout bounds a single background rewrite.
const migrationTimeout = 30 * time.Second

// Log reads and writes codec payloads as state events in one room.
type Log struct {
	transport transport.Transport
	roomID    string
	logger    *slog.Logger

	migrations sync.WaitGroup
	inflight   sync.Map
	migrated   atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
}

// New creates a Log for roomID. A nil logger uses slog.Default.
func New(t transport.Transport, roomID string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		transport: t,
		roomID:    roomID,
		logger:    logger.With("component", "statelog", "room", roomID),
	}
}

// RoomID returns the room this log writes to.
func (l *Log) RoomID() string {
	return l.roomID
}

// Get returns the decoded value of a state event. found is false when the
// event does not exist or was cleared.
func (l *Log) Get(ctx context.Context, eventType, key string) (value any, found bool, err error) {
	payload, found, err := l.getPayload(ctx, eventType, key)
	if err != nil || !found {
		return nil, false, err
	}

	decoded, err := codec.Decode(payload)
	if err != nil {
		return nil, false, fmt.Errorf("decoding %s %q: %w", eventType, key, err)
	}
	if decoded.Legacy {
		l.scheduleMigration(eventType, key, payload)
	}
	return decoded.Value, true, nil
}

// Put encodes value in the current format and writes it. Returns the encoded size in bytes.
func (l *Log) Put(ctx context.Context, eventType, key string, value any) (int, error) {
	payload, err := codec.Encode(value)
	if err != nil {
		return 0, fmt.Errorf("encoding %s %q: %w", eventType, key, err)
	}
	if _, err := l.transport.SendStateEvent(ctx, l.roomID, eventType, key, payload); err != nil {
		return 0, fmt.Errorf("sending %s %q: %w", eventType, key, err)
	}
	return payloadSize(payload), nil
}

// PutPayload writes an already-encoded payload unchanged. Used by compatibility tooling.
func (l *Log) PutPayload(ctx context.Context, eventType, key string, payload codec.Payload) error {
	if _, err := l.transport.SendStateEvent(ctx, l.roomID, eventType, key, payload); err != nil {
		return fmt.Errorf("sending %s %q: %w", eventType, key, err)
	}
	return nil
}

// Clear nullifies a state event.
func (l *Log) Clear(ctx context.Context, eventType, key string) error {
	if _, err := l.transport.SendStateEvent(ctx, l.roomID, eventType, key, struct{}{}); err != nil {
		return fmt.Errorf("clearing %s %q: %w", eventType, key, err)
	}
	return nil
}

// IsLegacy reports whether a stored event still needs the legacy decode path.
func (l *Log) IsLegacy(ctx context.Context, eventType, key string) (bool, error) {
	payload, found, err := l.getPayload(ctx, eventType, key)
	if err != nil || !found {
		return false, err
	}
	decoded, err := codec.Decode(payload)
	if err != nil {
		return false, err
	}
	return decoded.Legacy, nil
}

// Scan visits the latest live value of every state key of eventType, newest first.
// Events that fail to decode are logged and skipped. Returning an error from fn stops the scan.
func (l *Log) Scan(ctx context.Context, eventType string, fn func(key string, value any) error) error {
	seen := make(map[string]bool)
	from := ""
	for {
		page, err := l.transport.Paginate(ctx, l.roomID, from, scanPageSize)
		if err != nil {
			return fmt.Errorf("paginating room history: %w", err)
		}

		for _, evt := range page.Events {
			if evt.Type != eventType || !evt.IsState() {
				continue
			}
			key := *evt.StateKey
			if seen[key] {
				continue
			}
			seen[key] = true

			var payload codec.Payload
			if err := json.Unmarshal(evt.Content, &payload); err != nil {
				l.logger.Warn("skipping unreadable event during scan", "event_id", evt.ID, "key", key, "error", err)
				continue
			}
			if payload.IsEmpty() {
				continue
			}
			decoded, err := codec.Decode(payload)
			if err != nil {
				l.logger.Warn("skipping undecodable event during scan", "event_id", evt.ID, "key", key, "error", err)
				continue
			}
			if err := fn(key, decoded.Value); err != nil {
				return err
			}
		}

		if page.Next == "" {
			return nil
		}
		from = page.Next
	}
}

// Wait blocks until all scheduled migrations have finished.
func (l *Log) Wait() {
	l.migrations.Wait()
}

// MigrationStats reports how many legacy rewrites succeeded, failed, or were skipped because the event changed.
func (l *Log) MigrationStats() (migrated, failed, skipped uint64) {
	return l.migrated.Load(), l.failed.Load(), l.skipped.Load()
}

func (l *Log) getPayload(ctx context.Context, eventType, key string) (codec.Payload, bool, error) {
	raw, err := l.transport.GetStateEvent(ctx, l.roomID, eventType, key)
	if errors.Is(err, transport.ErrNotFound) {
		return codec.Payload{}, false, nil
	}
	if err != nil {
		return codec.Payload{}, false, fmt.Errorf("reading %s %q: %w", eventType, key, err)
	}

	var payload codec.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return codec.Payload{}, false, &codec.SerializationError{Op: "parse event content", Err: err}
	}
	if payload.IsEmpty() {
		return codec.Payload{}, false, nil
	}
	return payload, true, nil
}

// scheduleMigration rewrites a legacy payload in the current format in the background.
// The goroutine decodes its own copy of original; the caller owns the value Get returned.
func (l *Log) scheduleMigration(eventType, key string, original codec.Payload) {
	id := eventType + "\x00" + key
	if _, busy := l.inflight.LoadOrStore(id, struct{}{}); busy {
		return
	}

	l.migrations.Add(1)
	go func() {
		defer l.migrations.Done()
		defer l.inflight.Delete(id)

		ctx, cancel := context.WithTimeout(context.Background(), migrationTimeout)
		defer cancel()

		if err := l.migrate(ctx, eventType, key, original); err != nil {
			l.failed.Add(1)
			l.logger.Warn("legacy payload migration failed", "type", eventType, "key", key, "error", err)
		}
	}()
}

func (l *Log) migrate(ctx context.Context, eventType, key string, original codec.Payload) error {
	current, found, err := l.getPayload(ctx, eventType, key)
	if err != nil {
		return err
	}
	if !found || current != original {
		l.skipped.Add(1)
		l.logger.Debug("event changed before migration, skipping", "type", eventType, "key", key)
		return nil
	}

	decoded, err := codec.Decode(original)
	if err != nil {
		return err
	}
	if _, err := l.Put(ctx, eventType, key, decoded.Value); err != nil {
		return err
	}
	l.migrated.Add(1)
	l.logger.Debug("migrated legacy payload", "type", eventType, "key", key)
	return nil
}

// payloadSize is the size of the event content as it goes over the wire.
func payloadSize(p codec.Payload) int {
	raw, err := json.Marshal(p)
	if err != nil {
		return len(p.Payload) + len(p.Data)
	}
	return len(raw)
}
