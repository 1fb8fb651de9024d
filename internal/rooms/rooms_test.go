package rooms

import (
	"context"
	"testing"
	"time"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/wire"
)

type senderFunc func(ctx context.Context, el wire.Element) error

func (f senderFunc) Send(ctx context.Context, el wire.Element) error { return f(ctx, el) }

func TestListParsesRoomSummaries(t *testing.T) {
	bus := dispatch.New()
	svc := New(senderFunc(func(_ context.Context, el wire.Element) error {
		go bus.Dispatch(wire.New("iq", map[string]string{"id": el.Attr("id"), "type": "result"},
			wire.New("query", map[string]string{"xmlns": NSGetRooms},
				wire.New("room", map[string]string{"jid": "a@conference.example.com", "name": "General", "users_cnt": "12"}),
				wire.New("room", map[string]string{"jid": "b@conference.example.com", "name": "Random", "users_cnt": "3"}),
			)))
		return nil
	}), bus, func() string { return "alice@example.com/parley" })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rooms, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list returned error: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("expected two rooms, got %d", len(rooms))
	}
	if rooms[0].ID != "a@conference.example.com" || rooms[0].Users != 12 {
		t.Fatalf("unexpected first room: %+v", rooms[0])
	}
}

func TestListTimesOut(t *testing.T) {
	bus := dispatch.New()
	svc := New(senderFunc(func(context.Context, wire.Element) error { return nil }), bus,
		func() string { return "alice@example.com/parley" })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := svc.List(ctx); err == nil {
		t.Fatalf("expected timeout error")
	}
}
