package plugin

import (
	"context"
	"time"
)

// Plugin is the interface that all plugins must implement
type Plugin interface {
	// Name returns the plugin name
	Name() string

	// Version returns the plugin version
	Version() string

	// Description returns a short description
	Description() string

	// Init initializes the plugin with the API
	Init(ctx context.Context, api API) error

	// Start starts the plugin
	Start() error

	// Stop stops the plugin
	Stop() error
}

// API is the interface exposed to plugins
type API interface {
	ChatAPI
	RoomsAPI
	EventsAPI
}

// ChatAPI provides access to messaging operations
type ChatAPI interface {
	// SendMessage posts a text message to a room
	SendMessage(roomID, body string) error

	// GetHistory returns cached messages for a room
	GetHistory(roomID string, limit int) []Message

	// GetUnreadCount returns the unread message count for a room
	GetUnreadCount(roomID string) int
}

// RoomsAPI provides access to room operations
type RoomsAPI interface {
	// GetRooms returns the rooms the account can see
	GetRooms() []Room

	// GetOccupants returns the participants present in a room
	GetOccupants(roomID string) []Occupant
}

// EventsAPI provides access to event subscriptions
type EventsAPI interface {
	// OnMessage registers a message handler
	OnMessage(handler func(msg Message)) func()

	// OnTyping registers a typing-change handler
	OnTyping(handler func(roomID string, typing []string)) func()

	// OnOccupant registers a room occupancy handler
	OnOccupant(handler func(roomID, nick string, left bool)) func()

	// OnConnect registers a connect handler
	OnConnect(handler func()) func()

	// OnDisconnect registers a disconnect handler
	OnDisconnect(handler func()) func()
}

// Room represents a chat room summary
type Room struct {
	ID       string
	Name     string
	UsersCnt int
}

// Occupant represents a participant in a room
type Occupant struct {
	Nick        string
	JID         string
	Affiliation string
	Role        string
}

// Message represents a group-chat message
type Message struct {
	ID         string
	RoomID     string
	Body       string
	SenderID   string
	SenderNick string
	SenderName string
	IsSystem   bool
	Timestamp  time.Time
}

// Metadata contains plugin metadata
type Metadata struct {
	Name        string
	Version     string
	Description string
	Author      string
	Homepage    string
	License     string
	MinVersion  string // Minimum parley version required
}

// Config contains plugin configuration
type Config struct {
	Enabled bool
	Options map[string]interface{}
}
