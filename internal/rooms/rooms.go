// Package rooms retrieves the list of rooms the user belongs to.
package rooms

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/wire"
)

// NSGetRooms is the server extension namespace for the room-list query.
const NSGetRooms = "ns:getrooms"

// Summary describes one room from the server's room list.
type Summary struct {
	ID    string
	Name  string
	Users int
}

// Service issues room-list queries.
type Service struct {
	sender wire.Sender
	bus    *dispatch.Dispatcher
	addr   func() string
}

// New creates the room-list service.
func New(sender wire.Sender, bus *dispatch.Dispatcher, addr func() string) *Service {
	return &Service{sender: sender, bus: bus, addr: addr}
}

// List fetches the rooms the current user belongs to, awaiting the
// correlated result. The wait is bounded by ctx.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	reqID := uuid.NewString()
	iq := wire.New("iq", map[string]string{
		"id":   reqID,
		"from": s.addr(),
		"type": "get",
	}, wire.New("query", map[string]string{"xmlns": NSGetRooms}))

	waiter := dispatch.NewWaiter(s.bus, dispatch.KindIQ, func(el wire.Element) bool {
		return el.Attr("id") == reqID
	})
	if err := s.sender.Send(ctx, iq); err != nil {
		waiter.Cancel()
		return nil, fmt.Errorf("room list query: %w", err)
	}
	res, err := waiter.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("room list query: %w", err)
	}
	if res.Attr("type") == "error" {
		return nil, fmt.Errorf("room list query: server returned error")
	}

	query, ok := res.Child("query")
	if !ok {
		return nil, nil
	}
	var out []Summary
	for _, room := range query.Children {
		if !room.Is("room") {
			continue
		}
		users, _ := strconv.Atoi(room.Attr("users_cnt"))
		out = append(out, Summary{
			ID:    room.Attr("jid"),
			Name:  room.Attr("name"),
			Users: users,
		})
	}
	return out, nil
}
