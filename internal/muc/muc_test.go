package muc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/wire"
)

type fakeIdentity struct{}

func (fakeIdentity) Address() string { return "alice@example.com/parley" }
func (fakeIdentity) Nick() string    { return "alice" }

// fakeSender records outbound stanzas and can fail selectively or feed
// responses back through the dispatcher.
type fakeSender struct {
	mu      sync.Mutex
	sent    []wire.Element
	failOn  func(el wire.Element) error
	respond func(el wire.Element)
}

func (f *fakeSender) Send(_ context.Context, el wire.Element) error {
	f.mu.Lock()
	f.sent = append(f.sent, el)
	failOn := f.failOn
	respond := f.respond
	f.mu.Unlock()

	if failOn != nil {
		if err := failOn(el); err != nil {
			return err
		}
	}
	if respond != nil {
		go respond(el)
	}
	return nil
}

func (f *fakeSender) sentStanzas() []wire.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Element, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestManager(t *testing.T, sender *fakeSender, timeout time.Duration) (*Manager, *dispatch.Dispatcher) {
	t.Helper()
	bus := dispatch.New()
	m := NewManager(Config{
		ConferenceDomain: "conference.example.com",
		Persistent:       true,
		JoinTimeout:      timeout,
	}, sender, bus, fakeIdentity{}, nil)
	return m, bus
}

func TestDeriveRoomIDDeterministic(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	a := DeriveRoomID("planning", at, 42, "conference.example.com")
	b := DeriveRoomID("planning", at, 42, "conference.example.com")
	if a != b {
		t.Fatalf("identical inputs produced different ids: %s vs %s", a, b)
	}
	if !strings.HasSuffix(a, "@conference.example.com") {
		t.Fatalf("expected conference-anchored id, got %s", a)
	}
	if strings.Contains(a, "planning") {
		t.Fatalf("room id leaks the title: %s", a)
	}
}

func TestDeriveRoomIDCollisionFree(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := DeriveRoomID("room", at, uint64(i), "conference.example.com")
		if _, dup := seen[id]; dup {
			t.Fatalf("collision after %d ids: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestJoinResolvesOnPresenceEcho(t *testing.T) {
	sender := &fakeSender{}
	m, bus := newTestManager(t, sender, 200*time.Millisecond)
	roomID := "room1@conference.example.com"

	sender.respond = func(el wire.Element) {
		if !el.Is("presence") {
			return
		}
		// Room echoes our own occupant presence back.
		bus.Dispatch(wire.New("presence", map[string]string{
			"from": roomID + "/alice",
		}))
	}

	if err := m.Join(context.Background(), roomID); err != nil {
		t.Fatalf("join returned error: %v", err)
	}
	if got := m.State(roomID); got != Joined {
		t.Fatalf("expected joined state, got %s", got)
	}

	sent := sender.sentStanzas()
	if len(sent) != 1 {
		t.Fatalf("expected one presence sent, got %d", len(sent))
	}
	if sent[0].Attr("to") != roomID+"/alice" {
		t.Fatalf("join presence addressed to %q", sent[0].Attr("to"))
	}
	if !sent[0].HasChild("x", NSMUC) {
		t.Fatalf("join presence missing muc namespace child")
	}
}

func TestJoinIgnoresPresenceFromOtherRooms(t *testing.T) {
	sender := &fakeSender{}
	m, bus := newTestManager(t, sender, 100*time.Millisecond)
	roomID := "room1@conference.example.com"

	sender.respond = func(el wire.Element) {
		if !el.Is("presence") {
			return
		}
		bus.Dispatch(wire.New("presence", map[string]string{
			"from": "other@conference.example.com/alice",
		}))
	}

	err := m.Join(context.Background(), roomID)
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected join timeout, got %v", err)
	}
	if got := m.State(roomID); got != JoinFailed {
		t.Fatalf("expected join-failed state, got %s", got)
	}
}

func TestJoinTimesOutWithoutEcho(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, 50*time.Millisecond)
	roomID := "room1@conference.example.com"

	start := time.Now()
	err := m.Join(context.Background(), roomID)
	if !errors.Is(err, ErrJoinTimeout) {
		t.Fatalf("expected join timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("join resolved before the timeout window: %v", elapsed)
	}
	if got := m.State(roomID); got != JoinFailed {
		t.Fatalf("expected join-failed state, got %s", got)
	}
}

func TestJoinStateTransitionsAreMonotonic(t *testing.T) {
	sender := &fakeSender{}
	m, bus := newTestManager(t, sender, 200*time.Millisecond)
	roomID := "room1@conference.example.com"

	if got := m.State(roomID); got != NotJoined {
		t.Fatalf("expected not-joined before any attempt, got %s", got)
	}

	var observed []JoinState
	sender.respond = func(el wire.Element) {
		if !el.Is("presence") {
			return
		}
		// Sampled while the join is in flight.
		observed = append(observed, m.State(roomID))
		bus.Dispatch(wire.New("presence", map[string]string{"from": roomID + "/alice"}))
	}

	if err := m.Join(context.Background(), roomID); err != nil {
		t.Fatalf("join returned error: %v", err)
	}

	if len(observed) != 1 || observed[0] != JoinPending {
		t.Fatalf("expected join-pending while in flight, observed %v", observed)
	}
	if got := m.State(roomID); got != Joined {
		t.Fatalf("expected joined after echo, got %s", got)
	}
}

func TestSecondJoinWhilePendingIsRejected(t *testing.T) {
	sender := &fakeSender{}
	m, bus := newTestManager(t, sender, 200*time.Millisecond)
	roomID := "room1@conference.example.com"

	secondErr := make(chan error, 1)
	sender.respond = func(el wire.Element) {
		if !el.Is("presence") {
			return
		}
		secondErr <- m.Join(context.Background(), roomID)
		bus.Dispatch(wire.New("presence", map[string]string{"from": roomID + "/alice"}))
	}

	if err := m.Join(context.Background(), roomID); err != nil {
		t.Fatalf("first join returned error: %v", err)
	}
	if err := <-secondErr; !errors.Is(err, ErrJoinPending) {
		t.Fatalf("expected pending-join rejection, got %v", err)
	}
}

func TestCreateRoomReportsFailedStep(t *testing.T) {
	sendErr := errors.New("transport down")
	sender := &fakeSender{failOn: func(el wire.Element) error {
		if el.Is("iq") {
			return sendErr
		}
		return nil
	}}
	m, _ := newTestManager(t, sender, 100*time.Millisecond)

	_, err := m.CreateRoom(context.Background(), "standup", "daily sync")
	if err == nil {
		t.Fatalf("expected create to fail")
	}
	if !strings.Contains(err.Error(), "ownership step") {
		t.Fatalf("expected error to name the ownership step, got: %v", err)
	}
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected wrapped transport error, got: %v", err)
	}
}

func TestCreateRoomSequence(t *testing.T) {
	sender := &fakeSender{}
	m, bus := newTestManager(t, sender, 200*time.Millisecond)

	sender.respond = func(el wire.Element) {
		if !el.Is("iq") {
			return
		}
		bus.Dispatch(wire.New("iq", map[string]string{
			"id":   el.Attr("id"),
			"type": "result",
		}))
	}

	roomID, err := m.CreateRoom(context.Background(), "standup", "daily sync")
	if err != nil {
		t.Fatalf("create returned error: %v", err)
	}
	if !strings.HasSuffix(roomID, "@conference.example.com") {
		t.Fatalf("unexpected room id: %s", roomID)
	}

	sent := sender.sentStanzas()
	if len(sent) != 3 {
		t.Fatalf("expected presence + owner iq + config iq, got %d stanzas", len(sent))
	}
	if !sent[0].Is("presence") || !sent[0].HasChild("x", NSMUC) {
		t.Fatalf("first stanza is not the room presence footprint")
	}
	if q, ok := sent[1].Child("query"); !ok || q.Attr("xmlns") != NSMUCOwner {
		t.Fatalf("second stanza is not the ownership claim")
	}
	form, ok := sent[2].Child("query", "x")
	if !ok {
		t.Fatalf("third stanza carries no configuration form")
	}
	var sawTitle bool
	for _, f := range form.Children {
		if f.Attr("var") == "muc#roomconfig_roomname" && f.ChildText("value") == "standup" {
			sawTitle = true
		}
	}
	if !sawTitle {
		t.Fatalf("configuration form missing room title field")
	}
}

func TestLeaveSendsUnavailablePresence(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, 100*time.Millisecond)
	roomID := "room1@conference.example.com"

	if err := m.Leave(context.Background(), roomID); err != nil {
		t.Fatalf("leave returned error: %v", err)
	}
	sent := sender.sentStanzas()
	if len(sent) != 1 {
		t.Fatalf("expected one stanza, got %d", len(sent))
	}
	if sent[0].Attr("type") != "unavailable" {
		t.Fatalf("expected unavailable presence, got type %q", sent[0].Attr("type"))
	}
	if sent[0].Attr("to") != roomID+"/alice" {
		t.Fatalf("leave addressed to %q", sent[0].Attr("to"))
	}
}

func TestUnsubscribeSendsMucsubIQ(t *testing.T) {
	sender := &fakeSender{}
	m, _ := newTestManager(t, sender, 100*time.Millisecond)
	roomID := "room1@conference.example.com"

	if err := m.Unsubscribe(context.Background(), roomID); err != nil {
		t.Fatalf("unsubscribe returned error: %v", err)
	}
	sent := sender.sentStanzas()
	if len(sent) != 1 || !sent[0].Is("iq") {
		t.Fatalf("expected one iq stanza, got %v", sent)
	}
	if !sent[0].HasChild("unsubscribe", NSMUCSub) {
		t.Fatalf("iq missing mucsub unsubscribe child")
	}
}

func TestOccupantTracking(t *testing.T) {
	sender := &fakeSender{}
	m, bus := newTestManager(t, sender, 200*time.Millisecond)
	roomID := "room1@conference.example.com"

	sender.respond = func(el wire.Element) {
		if !el.Is("presence") {
			return
		}
		bus.Dispatch(wire.New("presence", map[string]string{"from": roomID + "/alice"}))
	}
	if err := m.Join(context.Background(), roomID); err != nil {
		t.Fatalf("join returned error: %v", err)
	}

	bus.Dispatch(wire.New("presence", map[string]string{"from": roomID + "/bob"},
		wire.New("x", map[string]string{"xmlns": NSMUCUser},
			wire.New("item", map[string]string{"affiliation": "member", "role": "participant"}))))

	occs := m.Occupants(roomID)
	var sawBob bool
	for _, o := range occs {
		if o.Nick == "bob" && o.Affiliation == "member" {
			sawBob = true
		}
	}
	if !sawBob {
		t.Fatalf("expected bob among occupants, got %v", occs)
	}

	bus.Dispatch(wire.New("presence", map[string]string{"from": roomID + "/bob", "type": "unavailable"}))
	for _, o := range m.Occupants(roomID) {
		if o.Nick == "bob" {
			t.Fatalf("expected bob removed after unavailable presence")
		}
	}
}
