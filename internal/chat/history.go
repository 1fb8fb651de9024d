package chat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/wire"
)

// Page is one page of archived messages in archive order (oldest first
// within the page). The core does not cache pages; the caller accumulates
// across calls.
type Page struct {
	Messages []Message
	// FirstID and LastID are the archive cursors bounding this page; FirstID
	// is the "before" cursor for the next older page.
	FirstID string
	LastID  string
	// Complete is true when the archive reported no older messages remain.
	Complete bool
}

// History requests one page of archived messages for a room, at most max
// messages, optionally bounded above by the before cursor (an archive id
// from a previous page's FirstID). It blocks until the archive reports the
// end of the page or ctx is done.
func (m *Manager) History(ctx context.Context, roomID string, max int, before string) (Page, error) {
	reqID := uuid.NewString()
	queryID := uuid.NewString()

	rsm := wire.New("set", map[string]string{"xmlns": NSRSM},
		wire.Text("max", strconv.Itoa(max)),
	)
	if before != "" {
		rsm.Children = append(rsm.Children, wire.Text("before", before))
	} else {
		// An empty before requests the newest page.
		rsm.Children = append(rsm.Children, wire.Text("before", ""))
	}

	query := wire.New("query", map[string]string{"xmlns": NSMAM, "queryid": queryID}, rsm)
	iq := wire.New("iq", map[string]string{
		"id":   reqID,
		"to":   roomID,
		"type": "set",
	}, query)

	// Collect result messages tagged with our query id until the terminal
	// fin arrives on the request id. Both registrations precede the send so
	// nothing can race past them.
	var page Page
	collector := m.bus.Register(func(el wire.Element) {
		msg, ok := parseArchived(el, queryID)
		if !ok {
			return
		}
		page.Messages = append(page.Messages, msg)
	}, dispatch.KindMessage)
	defer m.bus.Unregister(collector)

	fin := dispatch.NewWaiter(m.bus, dispatch.KindIQ, func(el wire.Element) bool {
		return el.Attr("id") == reqID
	})

	if err := m.sender.Send(ctx, iq); err != nil {
		fin.Cancel()
		return Page{}, fmt.Errorf("history query for %s: %w", roomID, err)
	}

	res, err := fin.Wait(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("history query for %s: %w", roomID, err)
	}
	if res.Attr("type") == "error" {
		return Page{}, fmt.Errorf("history query for %s: server returned error", roomID)
	}

	if finEl, ok := res.Child("fin"); ok {
		page.Complete = finEl.Attr("complete") == "true"
		page.FirstID = finEl.ChildText("set", "first")
		page.LastID = finEl.ChildText("set", "last")
	}
	return page, nil
}

// parseArchived unwraps one archive result stanza if it belongs to the given
// query, returning the forwarded message.
func parseArchived(el wire.Element, queryID string) (Message, bool) {
	result, ok := el.Child("result")
	if !ok || result.Attr("xmlns") != NSMAM || result.Attr("queryid") != queryID {
		return Message{}, false
	}
	inner, ok := result.Child("forwarded", "message")
	if !ok {
		return Message{}, false
	}

	msg := parseMessage(inner)
	msg.ArchiveID = result.Attr("id")
	if delay, ok := result.Child("forwarded", "delay"); ok {
		if t, err := time.Parse(time.RFC3339, delay.Attr("stamp")); err == nil {
			msg.CreatedAt = t
		}
	}
	return msg, true
}
