package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meszmate/parley/internal/chat"
	"github.com/meszmate/parley/internal/muc"
	"github.com/meszmate/parley/internal/session"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{
		JID:              "alice@example.com",
		Password:         "secret",
		ConferenceDomain: "conference.example.com",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadJID(t *testing.T) {
	if _, err := New(Config{JID: "not a jid@@", Password: "x"}, nil); err == nil {
		t.Fatal("expected error for malformed JID")
	}
}

func TestOfflineClientReportsNotConnected(t *testing.T) {
	c := newTestClient(t)

	if got := c.Status(); got != session.StatusDisconnected {
		t.Fatalf("status = %v, want disconnected", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := c.SendMessage(ctx, "room@conference.example.com", "hi", chat.Meta{}); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("SendMessage err = %v, want ErrNotConnected", err)
	}
	if err := c.SendTyping(ctx, "room@conference.example.com", "Alice", true); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("SendTyping err = %v, want ErrNotConnected", err)
	}
	if _, err := c.CreateRoom(ctx, "general", ""); !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("CreateRoom err = %v, want ErrNotConnected", err)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	c := newTestClient(t)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop on fresh client: %v", err)
	}
}

func TestRoomStateDefaultsToNotJoined(t *testing.T) {
	c := newTestClient(t)
	if got := c.RoomState("room@conference.example.com"); got != muc.NotJoined {
		t.Fatalf("state = %v, want NotJoined", got)
	}
	if occ := c.Occupants("room@conference.example.com"); len(occ) != 0 {
		t.Fatalf("occupants = %v, want none", occ)
	}
}
