// Package muc manages multi-user chat room lifecycle: creation, ownership,
// configuration, join confirmation, leaving, and push unsubscription.
package muc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/logging"
	"github.com/meszmate/parley/internal/wire"
)

// Namespaces used by the room protocol.
const (
	NSMUC      = "http://jabber.org/protocol/muc"
	NSMUCUser  = "http://jabber.org/protocol/muc#user"
	NSMUCOwner = "http://jabber.org/protocol/muc#owner"
	NSMUCSub   = "urn:xmpp:mucsub:0"
	nsData     = "jabber:x:data"
)

// DefaultJoinTimeout bounds the wait for the join presence echo.
const DefaultJoinTimeout = 3 * time.Second

// JoinState tracks membership per room. Transitions are monotonic per join
// attempt: NotJoined -> JoinPending -> Joined or JoinFailed.
type JoinState int

const (
	NotJoined JoinState = iota
	JoinPending
	Joined
	JoinFailed
)

// String returns the state name.
func (s JoinState) String() string {
	switch s {
	case NotJoined:
		return "not-joined"
	case JoinPending:
		return "join-pending"
	case Joined:
		return "joined"
	case JoinFailed:
		return "join-failed"
	default:
		return "unknown"
	}
}

// Errors reported by room operations.
var (
	// ErrJoinPending is returned when a join is requested while another join
	// for the same room is still pending. Second joins are rejected, not
	// coalesced.
	ErrJoinPending = errors.New("muc: join already pending for this room")
	// ErrJoinTimeout is returned when no presence echo from the room arrives
	// before the join timeout.
	ErrJoinTimeout = errors.New("muc: no presence echo before timeout")
)

// Occupant is a participant currently present in a room.
type Occupant struct {
	Nick        string
	JID         string // real JID if the room exposes it
	Affiliation string
	Role        string
}

// Room is the local view of one chat room.
type Room struct {
	ID          string
	Title       string
	Description string
	State       JoinState
	Occupants   map[string]*Occupant
}

// Config controls room behavior applied during creation.
type Config struct {
	ConferenceDomain string
	MembersOnly      bool
	Persistent       bool
	JoinTimeout      time.Duration
}

// Identity provides the local address details rooms are joined with.
type Identity interface {
	// Address is the full local JID string.
	Address() string
	// Nick is the nickname used inside rooms.
	Nick() string
}

// Manager coordinates room lifecycle over the session transport.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	sender wire.Sender
	bus    *dispatch.Dispatcher
	id     Identity
	log    *logging.Logger
	rooms  map[string]*Room

	onOccupant func(roomID string, occ Occupant, left bool)
}

// NewManager creates a room manager and registers its presence handler on
// the dispatcher.
func NewManager(cfg Config, sender wire.Sender, bus *dispatch.Dispatcher, id Identity, log *logging.Logger) *Manager {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if log == nil {
		log = logging.Default()
	}
	m := &Manager{
		cfg:    cfg,
		sender: sender,
		bus:    bus,
		id:     id,
		log:    log,
		rooms:  make(map[string]*Room),
	}
	bus.Register(m.handlePresence, dispatch.KindPresence)
	return m
}

// SetOccupantHandler sets the callback fired when an occupant joins or
// leaves a tracked room.
func (m *Manager) SetOccupantHandler(h func(roomID string, occ Occupant, left bool)) {
	m.onOccupant = h
}

// DeriveRoomID produces the room identifier for a new room: a salted hash of
// the title, creation time, and a random value, anchored at the conference
// domain. The title never appears in the identifier.
func DeriveRoomID(title string, at time.Time, salt uint64, conferenceDomain string) string {
	seed := title + strconv.FormatInt(at.UnixMilli(), 10) + strconv.FormatUint(salt, 10)
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:]) + "@" + conferenceDomain
}

func randomSalt() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Fall back to the clock; uniqueness still holds via the timestamp.
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// CreateRoom creates and configures a new room and returns its identifier.
//
// The sequence is: establish the room's presence footprint, claim ownership,
// then push the room configuration. A failure leaves earlier steps in place;
// the returned error names the step that failed and nothing is rolled back.
func (m *Manager) CreateRoom(ctx context.Context, title, description string) (string, error) {
	roomID := DeriveRoomID(title, time.Now(), randomSalt(), m.cfg.ConferenceDomain)

	presence := wire.New("presence", map[string]string{
		"id": uuid.NewString(),
		"to": roomID + "/" + m.id.Nick(),
	}, wire.New("x", map[string]string{"xmlns": NSMUC}))
	if err := m.sender.Send(ctx, presence); err != nil {
		return "", fmt.Errorf("create room %s: presence step: %w", roomID, err)
	}

	if err := m.claimOwnership(ctx, roomID); err != nil {
		return "", fmt.Errorf("create room %s: ownership step: %w", roomID, err)
	}

	if err := m.pushConfig(ctx, roomID, title, description); err != nil {
		return "", fmt.Errorf("create room %s: configuration step: %w", roomID, err)
	}

	m.mu.Lock()
	m.rooms[roomID] = &Room{
		ID:          roomID,
		Title:       title,
		Description: description,
		State:       NotJoined,
		Occupants:   make(map[string]*Occupant),
	}
	m.mu.Unlock()

	m.log.Info("created room %s", roomID)
	return roomID, nil
}

func (m *Manager) claimOwnership(ctx context.Context, roomID string) error {
	reqID := uuid.NewString()
	iq := wire.New("iq", map[string]string{
		"id":   reqID,
		"from": m.id.Address(),
		"to":   roomID,
		"type": "set",
	}, wire.New("query", map[string]string{"xmlns": NSMUCOwner},
		wire.New("x", map[string]string{"xmlns": nsData, "type": "submit"}),
	))
	return m.roundTrip(ctx, iq, reqID)
}

func (m *Manager) pushConfig(ctx context.Context, roomID, title, description string) error {
	boolField := func(v bool) string {
		if v {
			return "1"
		}
		return "0"
	}
	form := wire.New("x", map[string]string{"xmlns": nsData, "type": "submit"},
		formField("FORM_TYPE", NSMUC+"#roomconfig"),
		formField("muc#roomconfig_roomname", title),
		formField("muc#roomconfig_roomdesc", description),
		formField("muc#roomconfig_persistentroom", boolField(m.cfg.Persistent)),
		formField("muc#roomconfig_membersonly", boolField(m.cfg.MembersOnly)),
	)

	reqID := uuid.NewString()
	iq := wire.New("iq", map[string]string{
		"id":   reqID,
		"from": m.id.Address(),
		"to":   roomID,
		"type": "set",
	}, wire.New("query", map[string]string{"xmlns": NSMUCOwner}, form))
	return m.roundTrip(ctx, iq, reqID)
}

func formField(name, value string) wire.Element {
	return wire.New("field", map[string]string{"var": name}, wire.Text("value", value))
}

// roundTrip sends an iq and awaits the correlated result or error response.
// The listener is registered before the request is sent so a fast response
// cannot slip past it.
func (m *Manager) roundTrip(ctx context.Context, iq wire.Element, reqID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()

	waiter := dispatch.NewWaiter(m.bus, dispatch.KindIQ, func(el wire.Element) bool {
		return el.Attr("id") == reqID
	})
	if err := m.sender.Send(ctx, iq); err != nil {
		waiter.Cancel()
		return err
	}
	res, err := waiter.Wait(ctx)
	if err != nil {
		return err
	}
	if res.Attr("type") == "error" {
		return fmt.Errorf("server returned error for request %s", reqID)
	}
	return nil
}

// Join sends a join presence for the room and waits for the room to echo a
// presence back, racing the echo against the join timeout. The loser's
// listener registration is retracted so nothing leaks.
func (m *Manager) Join(ctx context.Context, roomID string) error {
	m.mu.Lock()
	room := m.rooms[roomID]
	if room == nil {
		room = &Room{ID: roomID, State: NotJoined, Occupants: make(map[string]*Occupant)}
		m.rooms[roomID] = room
	}
	switch room.State {
	case JoinPending:
		m.mu.Unlock()
		return ErrJoinPending
	case Joined:
		m.mu.Unlock()
		return nil
	}
	room.State = JoinPending
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.JoinTimeout)
	defer cancel()

	// Listener first, then the join presence: the first presence echoed from
	// the room wins the race against the timeout.
	waiter := dispatch.NewWaiter(m.bus, dispatch.KindPresence, func(el wire.Element) bool {
		return fromRoom(el.Attr("from")) == roomID
	})

	presence := wire.New("presence", map[string]string{
		"id": "joinByPresence",
		"to": roomID + "/" + m.id.Nick(),
	}, wire.New("x", map[string]string{"xmlns": NSMUC}))

	if err := m.sender.Send(ctx, presence); err != nil {
		m.setState(roomID, JoinFailed)
		waiter.Cancel()
		return fmt.Errorf("join %s: %w", roomID, err)
	}

	if _, err := waiter.Wait(ctx); err != nil {
		m.setState(roomID, JoinFailed)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("join %s: %w", roomID, ErrJoinTimeout)
		}
		return fmt.Errorf("join %s: %w", roomID, err)
	}

	m.setState(roomID, Joined)
	m.log.Info("joined room %s", roomID)
	return nil
}

// Leave sends an unavailable presence for the room. Fire-and-forget; no
// confirmation is awaited.
func (m *Manager) Leave(ctx context.Context, roomID string) error {
	presence := wire.New("presence", map[string]string{
		"from": m.id.Address(),
		"to":   roomID + "/" + m.id.Nick(),
		"type": "unavailable",
	})
	if err := m.sender.Send(ctx, presence); err != nil {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}

	m.mu.Lock()
	if room := m.rooms[roomID]; room != nil {
		room.State = NotJoined
		room.Occupants = make(map[string]*Occupant)
	}
	m.mu.Unlock()
	return nil
}

// Unsubscribe stops push notifications for the room. Fire-and-forget.
func (m *Manager) Unsubscribe(ctx context.Context, roomID string) error {
	iq := wire.New("iq", map[string]string{
		"id":   "unsubscribe",
		"from": m.id.Address(),
		"to":   roomID,
		"type": "set",
	}, wire.New("unsubscribe", map[string]string{"xmlns": NSMUCSub}))
	if err := m.sender.Send(ctx, iq); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", roomID, err)
	}
	return nil
}

// State returns the membership state for a room.
func (m *Manager) State(roomID string) JoinState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room := m.rooms[roomID]; room != nil {
		return room.State
	}
	return NotJoined
}

// Occupants returns the known occupants of a room.
func (m *Manager) Occupants(roomID string) []Occupant {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[roomID]
	if room == nil {
		return nil
	}
	out := make([]Occupant, 0, len(room.Occupants))
	for _, occ := range room.Occupants {
		out = append(out, *occ)
	}
	return out
}

func (m *Manager) setState(roomID string, state JoinState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room := m.rooms[roomID]; room != nil {
		room.State = state
	}
}

// handlePresence tracks who is in each room. It runs for every presence
// stanza and ignores anything not addressed from a tracked room.
func (m *Manager) handlePresence(el wire.Element) {
	from := el.Attr("from")
	roomID := fromRoom(from)
	nick := fromNick(from)
	if roomID == "" || nick == "" {
		return
	}

	m.mu.Lock()
	room := m.rooms[roomID]
	if room == nil {
		m.mu.Unlock()
		return
	}

	left := el.Attr("type") == "unavailable"
	occ := Occupant{Nick: nick}
	if item, ok := el.Child("x", "item"); ok {
		occ.JID = item.Attr("jid")
		occ.Affiliation = item.Attr("affiliation")
		occ.Role = item.Attr("role")
	}
	if left {
		delete(room.Occupants, nick)
	} else {
		room.Occupants[nick] = &occ
	}
	handler := m.onOccupant
	m.mu.Unlock()

	if handler != nil {
		handler(roomID, occ, left)
	}
}

// fromRoom extracts the room identifier from a room-scoped address
// ("room@conference/nick" -> "room@conference").
func fromRoom(from string) string {
	if from == "" {
		return ""
	}
	if i := strings.IndexByte(from, '/'); i >= 0 {
		return from[:i]
	}
	return from
}

func fromNick(from string) string {
	if i := strings.IndexByte(from, '/'); i >= 0 {
		return from[i+1:]
	}
	return ""
}
