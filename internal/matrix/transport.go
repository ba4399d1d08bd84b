// ABOUTME: transport.Transport over the Matrix client-server API.
// ABOUTME: Converts M_NOT_FOUND into transport.ErrNotFound and events into transport events.

package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-checkpoint/internal/transport"
)

// Transport implements transport.Transport with a mautrix client.
type Transport struct {
	client *mautrix.Client
}

// NewTransport wraps client.
func NewTransport(client *mautrix.Client) *Transport {
	return &Transport{client: client}
}

var _ transport.Transport = (*Transport)(nil)

func stateType(eventType string) event.Type {
	return event.Type{Type: eventType, Class: event.StateEventType}
}

func (t *Transport) GetStateEvent(ctx context.Context, roomID, eventType, stateKey string) (json.RawMessage, error) {
	var content json.RawMessage
	err := t.client.StateEvent(ctx, id.RoomID(roomID), stateType(eventType), stateKey, &content)
	if err != nil {
		return nil, mapError(err)
	}
	return content, nil
}

func (t *Transport) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (string, error) {
	resp, err := t.client.SendStateEvent(ctx, id.RoomID(roomID), stateType(eventType), stateKey, content)
	if err != nil {
		return "", mapError(err)
	}
	return resp.EventID.String(), nil
}

func (t *Transport) Paginate(ctx context.Context, roomID, from string, limit int) (*transport.Page, error) {
	resp, err := t.client.Messages(ctx, id.RoomID(roomID), from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, mapError(err)
	}

	page := &transport.Page{Events: make([]transport.Event, 0, len(resp.Chunk))}
	for _, evt := range resp.Chunk {
		page.Events = append(page.Events, convertEvent(evt))
	}
	if len(resp.Chunk) > 0 && resp.End != "" && resp.End != from {
		page.Next = resp.End
	}
	return page, nil
}

func (t *Transport) GetAccountData(ctx context.Context, userID, eventType string) (json.RawMessage, error) {
	if err := t.checkUser(userID); err != nil {
		return nil, err
	}
	var content json.RawMessage
	if err := t.client.GetAccountData(ctx, eventType, &content); err != nil {
		return nil, mapError(err)
	}
	return content, nil
}

func (t *Transport) SetAccountData(ctx context.Context, userID, eventType string, content any) error {
	if err := t.checkUser(userID); err != nil {
		return err
	}
	return mapError(t.client.SetAccountData(ctx, eventType, content))
}

// checkUser rejects account data access for anyone but the logged-in user.
func (t *Transport) checkUser(userID string) error {
	if userID != "" && userID != t.client.UserID.String() {
		return fmt.Errorf("account data of %s is not accessible as %s", userID, t.client.UserID)
	}
	return nil
}

func convertEvent(evt *event.Event) transport.Event {
	out := transport.Event{
		ID:        evt.ID.String(),
		Type:      evt.Type.Type,
		StateKey:  evt.StateKey,
		Sender:    evt.Sender.String(),
		Timestamp: time.UnixMilli(evt.Timestamp),
		Content:   evt.Content.VeryRaw,
	}
	if out.Content == nil {
		out.Content = json.RawMessage("{}")
	}
	return out
}

// mapError converts Matrix not-found responses into transport.ErrNotFound.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("%w: %w", transport.ErrNotFound, err)
	}
	return err
}
