// ABOUTME: Transport interface over Matrix room state, history and account data.
// ABOUTME: Implemented by the mautrix adapter and by the in-memory Memory double.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a state event or account data entry does not exist.
var ErrNotFound = errors.New("not found")

// Event is one event from room history.
type Event struct {
	ID        string
	Type      string
	StateKey  *string
	Sender    string
	Timestamp time.Time
	Content   json.RawMessage
}

// IsState reports whether the event is a state event.
func (e Event) IsState() bool {
	return e.StateKey != nil
}

// Page is one batch of history returned by Paginate, newest event first.
type Page struct {
	Events []Event
	// Next is the token for the following (older) page. Empty means the start of the room was reached.
	Next string
}

// Transport is the Matrix surface used by this module.
type Transport interface {
	// GetStateEvent returns the current content of a state event, or ErrNotFound.
	GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error)

	// SendStateEvent replaces a state event's content and returns the new event ID.
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error)

	// Paginate walks room history backwards starting at from ("" = newest).
	Paginate(ctx context.Context, roomID, from string, limit int) (*Page, error)

	// GetAccountData returns a user's account data entry, or ErrNotFound.
	GetAccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error)

	// SetAccountData replaces a user's account data entry.
	SetAccountData(ctx context.Context, userID, eventType string, content any) error
}
