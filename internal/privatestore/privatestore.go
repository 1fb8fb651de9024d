// Package privatestore syncs the server-persisted per-user document used to
// record the last-viewed timestamp per room.
//
// The server stores one opaque blob per user and supports no field-level
// merge, so every write replaces the whole document. Callers must
// read-modify-write; SetLastViewed does exactly that and preserves keys it
// does not own. Concurrent writers race on the whole document and the last
// write wins, which is acceptable for a freshness marker.
package privatestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/wire"
)

// Namespaces for the private XML storage protocol and our document element.
const (
	NSPrivate = "jabber:iq:private"
	NSChats   = "parley:rooms"
)

// Document is the per-user store blob: room id -> arbitrary JSON value. Keys
// written by this layer hold last-viewed unix-millisecond timestamps, but
// unrelated keys pass through untouched.
type Document map[string]json.RawMessage

// Store reads and writes the private document over the session transport.
type Store struct {
	sender wire.Sender
	bus    *dispatch.Dispatcher
}

// New creates a private-store client.
func New(sender wire.Sender, bus *dispatch.Dispatcher) *Store {
	return &Store{sender: sender, bus: bus}
}

// Get fetches the whole document. A missing or empty server-side blob yields
// an empty document, not an error.
func (s *Store) Get(ctx context.Context) (Document, error) {
	reqID := uuid.NewString()
	iq := wire.New("iq", map[string]string{
		"id":   reqID,
		"type": "get",
	}, wire.New("query", map[string]string{"xmlns": NSPrivate},
		wire.New("chats", map[string]string{"xmlns": NSChats})))

	res, err := s.roundTrip(ctx, iq, reqID)
	if err != nil {
		return nil, fmt.Errorf("private store read: %w", err)
	}

	raw := res.ChildText("query", "chats")
	if raw == "" {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("private store read: malformed document: %w", err)
	}
	return doc, nil
}

// Set replaces the whole document. Callers must pass a document derived from
// a fresh Get; partial documents erase everything else.
func (s *Store) Set(ctx context.Context, doc Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("private store write: %w", err)
	}

	reqID := uuid.NewString()
	iq := wire.New("iq", map[string]string{
		"id":   reqID,
		"type": "set",
	}, wire.New("query", map[string]string{"xmlns": NSPrivate},
		wire.New("chats", map[string]string{"xmlns": NSChats}).WithText(string(payload))))

	if _, err := s.roundTrip(ctx, iq, reqID); err != nil {
		return fmt.Errorf("private store write: %w", err)
	}
	return nil
}

// SetLastViewed records the last-viewed timestamp for one room, preserving
// every other key in the document via read-modify-write.
func (s *Store) SetLastViewed(ctx context.Context, roomID string, at time.Time) error {
	doc, err := s.Get(ctx)
	if err != nil {
		return err
	}
	doc[roomID] = json.RawMessage(strconv.FormatInt(at.UnixMilli(), 10))
	return s.Set(ctx, doc)
}

// LastViewed reads the last-viewed timestamp for one room. The second return
// is false when the room has no marker.
func (s *Store) LastViewed(ctx context.Context, roomID string) (time.Time, bool, error) {
	doc, err := s.Get(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	raw, ok := doc[roomID]
	if !ok {
		return time.Time{}, false, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, false, fmt.Errorf("private store read: marker for %s: %w", roomID, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (s *Store) roundTrip(ctx context.Context, iq wire.Element, reqID string) (wire.Element, error) {
	waiter := dispatch.NewWaiter(s.bus, dispatch.KindIQ, func(el wire.Element) bool {
		return el.Attr("id") == reqID
	})
	if err := s.sender.Send(ctx, iq); err != nil {
		waiter.Cancel()
		return wire.Element{}, err
	}
	res, err := waiter.Wait(ctx)
	if err != nil {
		return wire.Element{}, err
	}
	if res.Attr("type") == "error" {
		return wire.Element{}, fmt.Errorf("server returned error for request %s", reqID)
	}
	return res, nil
}
