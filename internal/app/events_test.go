package app

import (
	"testing"
	"time"
)

func TestEventBusPublishReachesSubscribers(t *testing.T) {
	bus := NewEventBus()

	got := make(chan EventMsg, 2)
	bus.Subscribe(EventMessage, func(ev EventMsg) { got <- ev })
	bus.Subscribe(EventMessage, func(ev EventMsg) { got <- ev })

	bus.Publish(EventMsg{Type: EventMessage, Account: "alice@example.com", Data: "hi"})

	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			if ev.Account != "alice@example.com" || ev.Data != "hi" {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestEventBusTypeIsolation(t *testing.T) {
	bus := NewEventBus()

	got := make(chan EventMsg, 1)
	bus.Subscribe(EventTyping, func(ev EventMsg) { got <- ev })

	bus.Publish(EventMsg{Type: EventMessage})

	select {
	case ev := <-got:
		t.Fatalf("typing subscriber saw a message event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	got := make(chan EventMsg, 1)
	bus.Subscribe(EventError, func(ev EventMsg) { got <- ev })
	bus.Unsubscribe(EventError)

	bus.Publish(EventMsg{Type: EventError})

	select {
	case <-got:
		t.Fatal("unsubscribed handler still ran")
	case <-time.After(50 * time.Millisecond):
	}
}
