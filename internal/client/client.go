// Package client is the caller-facing facade over the chat protocol
// subsystems: one struct owning the session, the dispatcher, and the room,
// message, typing, archive, and private-store managers.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meszmate/parley/internal/chat"
	"github.com/meszmate/parley/internal/chatstate"
	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/logging"
	"github.com/meszmate/parley/internal/muc"
	"github.com/meszmate/parley/internal/privatestore"
	"github.com/meszmate/parley/internal/rooms"
	"github.com/meszmate/parley/internal/session"
)

// Config carries everything one connected account needs.
type Config struct {
	JID      string
	Password string
	Server   string
	Port     int
	Resource string

	UseWebsocket bool
	WebsocketURL string

	// ConferenceDomain hosts the account's rooms, e.g. conference.example.com.
	ConferenceDomain string

	// Room defaults applied on creation.
	RoomsPersistent  bool
	RoomsMembersOnly bool

	JoinTimeout time.Duration
	TypingGrace time.Duration
}

// Client binds the protocol subsystems to a single session.
type Client struct {
	mu  sync.RWMutex
	cfg Config
	log *logging.Logger

	bus     *dispatch.Dispatcher
	session *session.Session
	rooms   *muc.Manager
	chat    *chat.Manager
	typing  *chatstate.Tracker
	store   *privatestore.Store
	listing *rooms.Service
}

// identity adapts the session to the address details rooms join with.
type identity struct{ s *session.Session }

func (id identity) Address() string { return id.s.JID().String() }
func (id identity) Nick() string    { return id.s.LocalNick() }

// New wires up a client. No network traffic happens until Start.
func New(cfg Config, log *logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Default()
	}

	bus := dispatch.New()

	sess, err := session.New(session.Config{
		JID:          cfg.JID,
		Password:     cfg.Password,
		Server:       cfg.Server,
		Port:         cfg.Port,
		Resource:     cfg.Resource,
		UseWebsocket: cfg.UseWebsocket,
		WebsocketURL: cfg.WebsocketURL,
	}, bus, log.WithScope("session"))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	id := identity{s: sess}
	addr := func() string { return sess.JID().String() }

	c := &Client{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		session: sess,
		rooms: muc.NewManager(muc.Config{
			ConferenceDomain: cfg.ConferenceDomain,
			MembersOnly:      cfg.RoomsMembersOnly,
			Persistent:       cfg.RoomsPersistent,
			JoinTimeout:      cfg.JoinTimeout,
		}, sess, bus, id, log.WithScope("muc")),
		chat:    chat.NewManager(sess, bus, addr, log.WithScope("chat")),
		typing:  chatstate.NewTracker(sess, bus, addr, cfg.TypingGrace),
		store:   privatestore.New(sess, bus),
		listing: rooms.New(sess, bus, addr),
	}
	return c, nil
}

// Start connects and negotiates the session. It resolves once online.
func (c *Client) Start(ctx context.Context) error {
	return c.session.Start(ctx)
}

// Stop sends unavailable presence and closes the session.
func (c *Client) Stop(ctx context.Context) error {
	return c.session.Stop(ctx)
}

// Status reports the connection lifecycle state.
func (c *Client) Status() session.Status {
	return c.session.Status()
}

// JID returns the session address, including the bound resource once online.
func (c *Client) JID() string {
	return c.session.JID().String()
}

// CreateRoom creates, claims, and configures a room, returning its id. The
// caller joins separately.
func (c *Client) CreateRoom(ctx context.Context, title, description string) (string, error) {
	return c.rooms.CreateRoom(ctx, title, description)
}

// JoinRoom enters a room and blocks until the room echoes our presence or
// the join window lapses.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.rooms.Join(ctx, roomID)
}

// LeaveRoom exits a room. Fire-and-forget.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.rooms.Leave(ctx, roomID)
}

// Unsubscribe removes the standing push subscription for a room.
func (c *Client) Unsubscribe(ctx context.Context, roomID string) error {
	return c.rooms.Unsubscribe(ctx, roomID)
}

// RoomState reports the local join state for a room.
func (c *Client) RoomState(roomID string) muc.JoinState {
	return c.rooms.State(roomID)
}

// Occupants lists the participants currently present in a room.
func (c *Client) Occupants(roomID string) []muc.Occupant {
	return c.rooms.Occupants(roomID)
}

// SendMessage posts a text message to a room, returning the client-assigned
// message id.
func (c *Client) SendMessage(ctx context.Context, roomID, body string, meta chat.Meta) (string, error) {
	return c.chat.Send(ctx, roomID, body, meta)
}

// SendMediaMessage posts a media message to a room.
func (c *Client) SendMediaMessage(ctx context.Context, roomID string, att chat.Attachment, meta chat.Meta) (string, error) {
	return c.chat.SendMedia(ctx, roomID, att, meta)
}

// DeleteMessage asks the room to retract a message.
func (c *Client) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	return c.chat.Delete(ctx, roomID, messageID)
}

// History fetches one archive page for a room, newest page when before is
// empty. Pass the returned FirstID as before to page older.
func (c *Client) History(ctx context.Context, roomID string, max int, before string) (chat.Page, error) {
	return c.chat.History(ctx, roomID, max, before)
}

// SendTyping broadcasts a typing start or stop signal to a room.
func (c *Client) SendTyping(ctx context.Context, roomID, displayName string, start bool) error {
	return c.typing.SendTyping(ctx, roomID, displayName, start)
}

// Typing lists the display names currently composing in a room.
func (c *Client) Typing(roomID string) []string {
	return c.typing.Typing(roomID)
}

// ListRooms queries the server for the rooms the account can see.
func (c *Client) ListRooms(ctx context.Context) ([]rooms.Summary, error) {
	return c.listing.List(ctx)
}

// Store returns the account-private key/value document store.
func (c *Client) Store() *privatestore.Store {
	return c.store
}

// SetLastViewed records the last-read marker for a room in the private
// store. Concurrent writers from other devices race last-write-wins.
func (c *Client) SetLastViewed(ctx context.Context, roomID string, at time.Time) error {
	return c.store.SetLastViewed(ctx, roomID, at)
}

// LastViewed reads a room's last-read marker from the private store.
func (c *Client) LastViewed(ctx context.Context, roomID string) (time.Time, bool, error) {
	return c.store.LastViewed(ctx, roomID)
}

// SetMessageHandler sets the callback for live inbound messages.
func (c *Client) SetMessageHandler(h func(msg chat.Message)) {
	c.chat.SetMessageHandler(h)
}

// SetDeleteHandler sets the callback for message retractions.
func (c *Client) SetDeleteHandler(h func(roomID, messageID string)) {
	c.chat.SetDeleteHandler(h)
}

// SetTypingHandler sets the callback fired when a room's composing set
// changes.
func (c *Client) SetTypingHandler(h func(roomID string, typing []string)) {
	c.typing.SetChangeHandler(h)
}

// SetOccupantHandler sets the callback for occupants entering or leaving
// rooms.
func (c *Client) SetOccupantHandler(h func(roomID string, occ muc.Occupant, left bool)) {
	c.rooms.SetOccupantHandler(h)
}

// SetOnlineHandler sets the handler fired when the session reaches online.
func (c *Client) SetOnlineHandler(h func()) {
	c.session.SetOnlineHandler(h)
}

// SetOfflineHandler sets the handler fired on clean stream end.
func (c *Client) SetOfflineHandler(h func()) {
	c.session.SetOfflineHandler(h)
}

// SetErrorHandler sets the handler fired on transport errors.
func (c *Client) SetErrorHandler(h func(err error)) {
	c.session.SetErrorHandler(h)
}

// SetDisconnectHandler sets the handler fired once when the transport drops.
func (c *Client) SetDisconnectHandler(h func(err error)) {
	c.session.SetDisconnectHandler(h)
}

// SetCloseHandler sets the notification fired exactly once per session when
// the connection closes.
func (c *Client) SetCloseHandler(h func()) {
	c.session.SetCloseHandler(h)
}
