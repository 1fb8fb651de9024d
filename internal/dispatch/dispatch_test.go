package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/meszmate/parley/internal/wire"
)

func TestDispatchFansOutToMatchingHandlers(t *testing.T) {
	d := New()

	// One stanza carrying both a body and a composing flag: the content and
	// typing handlers are relevant, the private-store handler is not.
	stanza, err := wire.Unmarshal([]byte(
		`<message from='room@conference.example.com/bob' type='groupchat' id='m1'>` +
			`<body>hi</body>` +
			`<composing xmlns='http://jabber.org/protocol/chatstates'/>` +
			`</message>`))
	if err != nil {
		t.Fatalf("unmarshal returned error: %v", err)
	}

	var content, typing, store bool
	d.Register(func(el wire.Element) {
		if el.ChildText("body") != "" {
			content = true
		}
	}, KindMessage)
	d.Register(func(el wire.Element) {
		if el.HasChild("composing", "http://jabber.org/protocol/chatstates") {
			typing = true
		}
	}, KindMessage)
	d.Register(func(el wire.Element) {
		if _, ok := el.Child("query", "chats"); ok {
			store = true
		}
	}, KindMessage, KindIQ)

	d.Dispatch(stanza)

	if !content {
		t.Fatalf("expected content handler to fire")
	}
	if !typing {
		t.Fatalf("expected typing handler to fire")
	}
	if store {
		t.Fatalf("did not expect private-store handler to fire")
	}
}

func TestDispatchPreservesRegistrationOrder(t *testing.T) {
	d := New()

	var order []string
	d.Register(func(wire.Element) { order = append(order, "first") }, KindPresence)
	d.Register(func(wire.Element) { order = append(order, "second") }, KindPresence)

	d.Dispatch(wire.New("presence", nil))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected handler order: %v", order)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	d := New()

	calls := 0
	token := d.Register(func(wire.Element) { calls++ }, KindIQ)

	d.Dispatch(wire.New("iq", nil))
	d.Unregister(token)
	d.Dispatch(wire.New("iq", nil))

	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
}

func TestDispatchDropsUnrecognizedKinds(t *testing.T) {
	d := New()

	called := false
	d.Register(func(wire.Element) { called = true }, KindMessage)

	// Must not panic and must not reach message handlers.
	d.Dispatch(wire.New("stream:error", nil))

	if called {
		t.Fatalf("did not expect handler to fire for unknown kind")
	}
}

func TestAwaitResolvesOnMatch(t *testing.T) {
	d := New()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		// Non-matching element first, then the correlated response.
		d.Dispatch(wire.New("iq", map[string]string{"type": "result", "id": "other"}))
		d.Dispatch(wire.New("iq", map[string]string{"type": "result", "id": "want"}))
	}()

	el, err := Await(ctx, d, KindIQ, func(el wire.Element) bool {
		return el.Attr("id") == "want"
	})
	if err != nil {
		t.Fatalf("await returned error: %v", err)
	}
	if el.Attr("id") != "want" {
		t.Fatalf("unexpected element resolved: %v", el.Attrs)
	}
}

func TestAwaitTimesOutAndRetractsRegistration(t *testing.T) {
	d := New()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Await(ctx, d, KindPresence, func(wire.Element) bool { return false })
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	d.mu.Lock()
	remaining := len(d.handlers[KindPresence])
	d.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected listener to be retracted, %d still registered", remaining)
	}
}
