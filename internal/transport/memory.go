// ABOUTME: In-memory Transport implementation for tests and local runs.
// ABOUTME: Keeps per-room state and timeline plus account data, with call counters and fault injection.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Transport. The zero value is not usable; call NewMemory.
type Memory struct {
	mu          sync.RWMutex
	rooms       map[string]*memoryRoom
	accountData map[string]json.RawMessage // keyed by "userID\x00type"
	calls       map[string]int
	failures    map[string]error
	now         func() time.Time
}

type memoryRoom struct {
	state    map[string]json.RawMessage // keyed by "type\x00stateKey"
	timeline []Event                    // oldest first
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		rooms:       make(map[string]*memoryRoom),
		accountData: make(map[string]json.RawMessage),
		calls:       make(map[string]int),
		failures:    make(map[string]error),
		now:         time.Now,
	}
}

// Compile-time check: *Memory implements Transport.
var _ Transport = (*Memory)(nil)

// Calls returns how many times the named method was called.
func (m *Memory) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// ResetCalls zeroes every call counter.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// FailNext makes the next call to method return err.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

// enter records a call and returns an injected failure, if any. Must be called with mu held.
func (m *Memory) enter(method string) error {
	m.calls[method]++
	if err, ok := m.failures[method]; ok {
		delete(m.failures, method)
		return err
	}
	return nil
}

func (m *Memory) room(roomID string) *memoryRoom {
	r, ok := m.rooms[roomID]
	if !ok {
		r = &memoryRoom{state: make(map[string]json.RawMessage)}
		m.rooms[roomID] = r
	}
	return r
}

// GetStateEvent returns the current content of a state event.
func (m *Memory) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetStateEvent"); err != nil {
		return nil, err
	}

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	content, ok := r.state[eventType+"\x00"+stateKey]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), content...), nil
}

// SendStateEvent replaces a state event and appends it to the room timeline.
func (m *Memory) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("marshaling content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SendStateEvent"); err != nil {
		return "", err
	}

	r := m.room(roomID)
	r.state[eventType+"\x00"+stateKey] = raw

	key := stateKey
	evt := Event{
		ID:        "$" + uuid.NewString(),
		Type:      eventType,
		StateKey:  &key,
		Sender:    "@memory:localhost",
		Timestamp: m.now(),
		Content:   raw,
	}
	r.timeline = append(r.timeline, evt)
	return evt.ID, nil
}

// Paginate returns history newest first. Tokens are timeline offsets from the newest end.
func (m *Memory) Paginate(ctx context.Context, roomID, from string, limit int) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Paginate"); err != nil {
		return nil, err
	}

	r, ok := m.rooms[roomID]
	if !ok {
		return &Page{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	skip := 0
	if from != "" {
		n, err := strconv.Atoi(from)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid pagination token %q", from)
		}
		skip = n
	}

	page := &Page{}
	end := len(r.timeline) - skip
	for i := end - 1; i >= 0 && len(page.Events) < limit; i-- {
		page.Events = append(page.Events, r.timeline[i])
	}
	if consumed := skip + len(page.Events); consumed < len(r.timeline) {
		page.Next = strconv.Itoa(consumed)
	}
	return page, nil
}

// GetAccountData returns a user's account data entry.
func (m *Memory) GetAccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAccountData"); err != nil {
		return nil, err
	}

	content, ok := m.accountData[userID+"\x00"+eventType]
	if !ok {
		return nil, ErrNotFound
	}
	return append(json.RawMessage(nil), content...), nil
}

// SetAccountData replaces a user's account data entry.
func (m *Memory) SetAccountData(ctx context.Context, userID, eventType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshaling content: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SetAccountData"); err != nil {
		return err
	}
	m.accountData[userID+"\x00"+eventType] = raw
	return nil
}

// DeleteAccountData removes an account data entry. Matrix cannot do this; tests use it to reset fixtures.
func (m *Memory) DeleteAccountData(userID, eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accountData, userID+"\x00"+eventType)
}
