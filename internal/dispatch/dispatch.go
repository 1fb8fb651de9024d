// Package dispatch routes inbound stanzas to interested subsystems.
//
// The session read loop calls Dispatch once per inbound element, in arrival
// order, from a single goroutine. Every handler registered for the element's
// kind runs; a message stanza may carry chat content, a typing notification
// and an archive result at the same time, so handlers must predicate-check
// relevance themselves and tolerate running unconditionally.
package dispatch

import (
	"context"
	"sync"

	"github.com/meszmate/parley/internal/logging"
	"github.com/meszmate/parley/internal/wire"
)

// Stanza kinds routed by the dispatcher.
const (
	KindMessage  = "message"
	KindPresence = "presence"
	KindIQ       = "iq"
)

// Handler receives inbound stanzas of the kinds it registered for.
type Handler func(el wire.Element)

// Token identifies a registration so it can be retracted.
type Token int

type entry struct {
	token   Token
	handler Handler
}

// Dispatcher fans inbound stanzas out to registered handlers.
type Dispatcher struct {
	mu       sync.Mutex
	next     Token
	handlers map[string][]entry
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]entry)}
}

// Register adds a handler for one or more stanza kinds and returns a token
// that retracts it. Handlers for a kind run in registration order.
func (d *Dispatcher) Register(h Handler, kinds ...string) Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next++
	token := d.next
	for _, kind := range kinds {
		d.handlers[kind] = append(d.handlers[kind], entry{token: token, handler: h})
	}
	return token
}

// Unregister retracts a prior registration. Unknown tokens are ignored.
func (d *Dispatcher) Unregister(token Token) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for kind, entries := range d.handlers {
		kept := entries[:0]
		for _, e := range entries {
			if e.token != token {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.handlers, kind)
		} else {
			d.handlers[kind] = kept
		}
	}
}

// Dispatch routes one inbound element to all handlers registered for its
// kind. Unrecognized kinds are logged and dropped, never fatal.
func (d *Dispatcher) Dispatch(el wire.Element) {
	d.mu.Lock()
	entries := d.handlers[el.Name]
	// Snapshot so a handler can unregister (or register) without corrupting
	// the iteration. Dispatch itself is single-threaded.
	snapshot := make([]entry, len(entries))
	copy(snapshot, entries)
	d.mu.Unlock()

	switch el.Name {
	case KindMessage, KindPresence, KindIQ:
	default:
		logging.Debug("dropping unhandled stanza kind %q", el.Name)
		return
	}

	if len(snapshot) == 0 {
		logging.Debug("no handlers for %s stanza id=%q", el.Name, el.Attr("id"))
		return
	}
	for _, e := range snapshot {
		e.handler(el)
	}
}

// Waiter is a one-shot listener for a correlated response.
//
// This is the request/response correlation primitive for a stream with no
// native request ids: callers narrow the predicate to whatever identifies
// the response (an iq id, a sender prefix), register the waiter before
// sending the request, and race Wait against a context deadline. The
// registration is retracted when Wait returns, win or lose.
type Waiter struct {
	d     *Dispatcher
	token Token
	ch    chan wire.Element
}

// NewWaiter registers a one-shot listener for the given kind and predicate.
func NewWaiter(d *Dispatcher, kind string, pred func(wire.Element) bool) *Waiter {
	w := &Waiter{d: d, ch: make(chan wire.Element, 1)}
	var once sync.Once
	w.token = d.Register(func(el wire.Element) {
		if !pred(el) {
			return
		}
		once.Do(func() { w.ch <- el })
	}, kind)
	return w
}

// Wait blocks until the matching element arrives or ctx is done, whichever
// settles first, then retracts the registration.
func (w *Waiter) Wait(ctx context.Context) (wire.Element, error) {
	defer w.d.Unregister(w.token)
	select {
	case el := <-w.ch:
		return el, nil
	case <-ctx.Done():
		return wire.Element{}, ctx.Err()
	}
}

// Cancel retracts the registration without waiting. Used when the request
// that the waiter correlates with was never sent.
func (w *Waiter) Cancel() {
	w.d.Unregister(w.token)
}

// Await is the convenience form of NewWaiter + Wait for callers that have no
// request to send first.
func Await(ctx context.Context, d *Dispatcher, kind string, pred func(wire.Element) bool) (wire.Element, error) {
	return NewWaiter(d, kind, pred).Wait(ctx)
}
