// Package chatstate tracks who is typing in each room.
//
// Remote composing signals arrive as body-less groupchat messages. An
// explicit stop clears the state immediately; a missing stop degrades back
// to idle after a grace window, tolerating dropped stop signals.
package chatstate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/wire"
)

// NSChatStates is the chat-state notification namespace.
const NSChatStates = "http://jabber.org/protocol/chatstates"

// DefaultGraceWindow is how long a composing state survives without an
// explicit stop signal.
const DefaultGraceWindow = 10 * time.Second

// Tracker is the typing-state subsystem.
type Tracker struct {
	mu     sync.Mutex
	sender wire.Sender
	addr   func() string
	window time.Duration
	rooms  map[string]map[string]*entry // roomID -> identity -> state

	onChange func(roomID string, typing []string)
}

type entry struct {
	displayName string
	timer       *time.Timer
}

// NewTracker creates the typing tracker and registers its handler on the
// dispatcher. A non-positive grace window selects the default.
func NewTracker(sender wire.Sender, bus *dispatch.Dispatcher, addr func() string, grace time.Duration) *Tracker {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	t := &Tracker{
		sender: sender,
		addr:   addr,
		window: grace,
		rooms:  make(map[string]map[string]*entry),
	}
	bus.Register(t.handleMessage, dispatch.KindMessage)
	return t
}

// SetChangeHandler sets the callback fired whenever a room's typing set
// changes.
func (t *Tracker) SetChangeHandler(h func(roomID string, typing []string)) {
	t.onChange = h
}

// SendTyping emits a start or stop typing signal for the local identity.
// Callers debounce keystroke-driven invocations themselves.
func (t *Tracker) SendTyping(ctx context.Context, roomID, displayName string, start bool) error {
	state := "composing"
	if !start {
		state = "paused"
	}
	msg := wire.New("message", map[string]string{
		"id":   uuid.NewString(),
		"type": "groupchat",
		"from": t.addr(),
		"to":   roomID,
	},
		wire.New(state, map[string]string{"xmlns": NSChatStates}),
		wire.New("data", map[string]string{"fullName": displayName}),
	)
	if err := t.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send typing signal to %s: %w", roomID, err)
	}
	return nil
}

// Typing returns the display names currently composing in a room, sorted.
func (t *Tracker) Typing(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked(roomID)
}

func (t *Tracker) typingLocked(roomID string) []string {
	room := t.rooms[roomID]
	if len(room) == 0 {
		return nil
	}
	out := make([]string, 0, len(room))
	for _, e := range room {
		out = append(out, e.displayName)
	}
	sort.Strings(out)
	return out
}

// handleMessage interprets composing/paused children on inbound messages.
// Messages without a chat-state child are ignored.
func (t *Tracker) handleMessage(el wire.Element) {
	from := el.Attr("from")
	roomID, nick := splitRoom(from)
	if roomID == "" || nick == "" {
		return
	}

	var composing bool
	switch {
	case el.HasChild("composing", NSChatStates):
		composing = true
	case el.HasChild("paused", NSChatStates), el.HasChild("active", NSChatStates), el.HasChild("inactive", NSChatStates):
		composing = false
	default:
		return
	}

	displayName := nick
	if data, ok := el.Child("data"); ok && data.Attr("fullName") != "" {
		displayName = data.Attr("fullName")
	}

	if composing {
		t.setComposing(roomID, nick, displayName)
	} else {
		t.setIdle(roomID, nick)
	}
}

func (t *Tracker) setComposing(roomID, identity, displayName string) {
	t.mu.Lock()
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]*entry)
		t.rooms[roomID] = room
	}
	if prev := room[identity]; prev != nil {
		prev.timer.Stop()
	}
	room[identity] = &entry{
		displayName: displayName,
		timer: time.AfterFunc(t.window, func() {
			t.setIdle(roomID, identity)
		}),
	}
	t.notifyLocked(roomID)
	t.mu.Unlock()
}

func (t *Tracker) setIdle(roomID, identity string) {
	t.mu.Lock()
	room := t.rooms[roomID]
	e := room[identity]
	if e == nil {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(room, identity)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
	t.notifyLocked(roomID)
	t.mu.Unlock()
}

func (t *Tracker) notifyLocked(roomID string) {
	if t.onChange == nil {
		return
	}
	typing := t.typingLocked(roomID)
	go t.onChange(roomID, typing)
}

func splitRoom(from string) (room, nick string) {
	for i := 0; i < len(from); i++ {
		if from[i] == '/' {
			return from[:i], from[i+1:]
		}
	}
	return from, ""
}
