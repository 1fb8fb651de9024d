// Package chat builds and sends group-chat messages and retrieves archived
// history pages.
//
// Sends are fire-and-forget: no delivery acknowledgment is awaited, and the
// order exposed to callers is archive arrival order, never local send order.
package chat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/logging"
	"github.com/meszmate/parley/internal/wire"
)

// Namespaces used by the messaging protocol.
const (
	NSHints = "urn:xmpp:hints"
	NSMAM   = "urn:xmpp:mam:2"
	NSRSM   = "http://jabber.org/protocol/rsm"
	NSDelay = "urn:xmpp:delay"
	nsData  = "jabber:x:data"
)

// Attachment describes a media payload referenced by a message.
type Attachment struct {
	ID          string
	FileName    string
	MimeType    string
	Size        int64
	Duration    int64
	Waveform    string
	Location    string
	LocationURL string
}

// Meta is the sender metadata envelope attached to every outgoing message.
type Meta struct {
	SenderID    string // stable sender identity, not the room nick
	DisplayName string
	AvatarURL   string
	IsSystem    bool
	IsVisible   bool

	// Thread linkage.
	IsReply  bool
	ParentID string
}

// Message is one group-chat message, inbound or archived. Immutable once
// sent; deletion arrives separately as a tombstone signal.
type Message struct {
	ID         string
	RoomID     string
	Body       string
	SenderID   string
	SenderNick string
	SenderName string
	AvatarURL  string
	IsSystem   bool
	CreatedAt  time.Time
	Attachment *Attachment
	IsReply    bool
	ParentID   string

	// ArchiveID is the server archive id when the message came from a
	// history page.
	ArchiveID string
}

// Manager is the messaging subsystem.
type Manager struct {
	sender wire.Sender
	bus    *dispatch.Dispatcher
	addr   func() string
	log    *logging.Logger

	onMessage func(msg Message)
	onDelete  func(roomID, messageID string)
}

// NewManager creates the messaging subsystem and registers its live-message
// handler on the dispatcher. addr returns the current local address.
func NewManager(sender wire.Sender, bus *dispatch.Dispatcher, addr func() string, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	m := &Manager{sender: sender, bus: bus, addr: addr, log: log}
	bus.Register(m.handleMessage, dispatch.KindMessage)
	return m
}

// SetMessageHandler sets the callback for live inbound messages.
func (m *Manager) SetMessageHandler(h func(msg Message)) { m.onMessage = h }

// SetDeleteHandler sets the callback for inbound retraction signals.
func (m *Manager) SetDeleteHandler(h func(roomID, messageID string)) { m.onDelete = h }

// Send builds and sends a text message to the room. The returned id is the
// stanza id; any delivery echo carrying it is the caller's to correlate.
func (m *Manager) Send(ctx context.Context, roomID, body string, meta Meta) (string, error) {
	id := uuid.NewString()
	msg := wire.New("message", map[string]string{
		"id":   id,
		"type": "groupchat",
		"from": m.addr(),
		"to":   roomID,
	},
		wire.Text("body", body),
		wire.New("store", map[string]string{"xmlns": NSHints}),
		wire.New("data", envelope(meta, nil)),
	)
	if err := m.sender.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("send message to %s: %w", roomID, err)
	}
	return id, nil
}

// SendMedia sends a message whose payload is an attachment descriptor. The
// body may be empty; clients render from the attachment fields.
func (m *Manager) SendMedia(ctx context.Context, roomID string, att Attachment, meta Meta) (string, error) {
	id := uuid.NewString()
	msg := wire.New("message", map[string]string{
		"id":   id,
		"type": "groupchat",
		"from": m.addr(),
		"to":   roomID,
	},
		wire.Text("body", att.FileName),
		wire.New("store", map[string]string{"xmlns": NSHints}),
		wire.New("data", envelope(meta, &att)),
	)
	if err := m.sender.Send(ctx, msg); err != nil {
		return "", fmt.Errorf("send media to %s: %w", roomID, err)
	}
	return id, nil
}

// Delete sends a retraction intent for a message. Nothing is removed
// client-side; UI removal happens when the retraction echo is observed.
func (m *Manager) Delete(ctx context.Context, roomID, messageID string) error {
	msg := wire.New("message", map[string]string{
		"id":   uuid.NewString(),
		"type": "groupchat",
		"from": m.addr(),
		"to":   roomID,
	}, wire.New("delete", map[string]string{"id": messageID}))
	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("delete message %s in %s: %w", messageID, roomID, err)
	}
	return nil
}

// envelope flattens the metadata into the data element's attributes, the
// shape the archive stores and other clients read back.
func envelope(meta Meta, att *Attachment) map[string]string {
	attrs := map[string]string{
		"senderJid":       meta.SenderID,
		"senderName":      meta.DisplayName,
		"photoURL":        meta.AvatarURL,
		"isSystemMessage": strconv.FormatBool(meta.IsSystem),
		"isVisible":       strconv.FormatBool(meta.IsVisible),
		"createdAt":       strconv.FormatInt(time.Now().UnixMilli(), 10),
		"isMediafile":     strconv.FormatBool(att != nil),
	}
	if meta.IsReply {
		attrs["isReply"] = "true"
		attrs["mainMessage"] = meta.ParentID
	}
	if att != nil {
		attrs["attachmentId"] = att.ID
		attrs["fileName"] = att.FileName
		attrs["mimetype"] = att.MimeType
		attrs["size"] = strconv.FormatInt(att.Size, 10)
		if att.Duration > 0 {
			attrs["duration"] = strconv.FormatInt(att.Duration, 10)
		}
		if att.Waveform != "" {
			attrs["waveForm"] = att.Waveform
		}
		if att.Location != "" {
			attrs["location"] = att.Location
			attrs["locationPreview"] = att.LocationURL
		}
	}
	return attrs
}

// handleMessage turns live groupchat stanzas into caller events. Archive
// results are handled by the history collector and skipped here.
func (m *Manager) handleMessage(el wire.Element) {
	if el.Attr("type") != "groupchat" {
		return
	}
	if _, ok := el.Child("result"); ok {
		return
	}

	if del, ok := el.Child("delete"); ok {
		if m.onDelete != nil {
			m.onDelete(roomOf(el.Attr("from")), del.Attr("id"))
		}
		return
	}

	if el.ChildText("body") == "" {
		// Typing notifications and other body-less signals belong to the
		// chatstate subsystem.
		return
	}
	if m.onMessage != nil {
		m.onMessage(parseMessage(el))
	}
}

// parseMessage maps one message stanza onto the Message model. Unknown or
// missing envelope fields degrade to zero values; nothing here is fatal.
func parseMessage(el wire.Element) Message {
	from := el.Attr("from")
	msg := Message{
		ID:         el.Attr("id"),
		RoomID:     roomOf(from),
		SenderNick: nickOf(from),
		Body:       el.ChildText("body"),
		CreatedAt:  time.Now(),
	}

	data, ok := el.Child("data")
	if !ok {
		return msg
	}
	msg.SenderID = data.Attr("senderJid")
	msg.SenderName = data.Attr("senderName")
	msg.AvatarURL = data.Attr("photoURL")
	msg.IsSystem = data.Attr("isSystemMessage") == "true"
	if ms, err := strconv.ParseInt(data.Attr("createdAt"), 10, 64); err == nil {
		msg.CreatedAt = time.UnixMilli(ms)
	}
	if data.Attr("isReply") == "true" {
		msg.IsReply = true
		msg.ParentID = data.Attr("mainMessage")
	}
	if data.Attr("isMediafile") == "true" {
		att := &Attachment{
			ID:          data.Attr("attachmentId"),
			FileName:    data.Attr("fileName"),
			MimeType:    data.Attr("mimetype"),
			Waveform:    data.Attr("waveForm"),
			Location:    data.Attr("location"),
			LocationURL: data.Attr("locationPreview"),
		}
		att.Size, _ = strconv.ParseInt(data.Attr("size"), 10, 64)
		att.Duration, _ = strconv.ParseInt(data.Attr("duration"), 10, 64)
		msg.Attachment = att
	}
	return msg
}

func roomOf(from string) string {
	for i := 0; i < len(from); i++ {
		if from[i] == '/' {
			return from[:i]
		}
	}
	return from
}

func nickOf(from string) string {
	for i := 0; i < len(from); i++ {
		if from[i] == '/' {
			return from[i+1:]
		}
	}
	return ""
}
