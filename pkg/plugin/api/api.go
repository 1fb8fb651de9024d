package api

import (
	"sync"
	"time"

	"github.com/meszmate/parley/pkg/plugin"
)

// PluginAPI implements the plugin.API interface
type PluginAPI struct {
	mu sync.RWMutex

	// Callbacks to the main application
	sendMessage    func(roomID, body string) error
	getHistory     func(roomID string, limit int) []plugin.Message
	getUnreadCount func(roomID string) int
	getRooms       func() []plugin.Room
	getOccupants   func(roomID string) []plugin.Occupant

	// Event handlers
	messageHandlers    []func(msg plugin.Message)
	typingHandlers     []func(roomID string, typing []string)
	occupantHandlers   []func(roomID, nick string, left bool)
	connectHandlers    []func()
	disconnectHandlers []func()
}

// NewPluginAPI creates a new plugin API
func NewPluginAPI() *PluginAPI {
	return &PluginAPI{}
}

// SetSendMessage sets the send message callback
func (a *PluginAPI) SetSendMessage(f func(roomID, body string) error) {
	a.sendMessage = f
}

// SetGetHistory sets the get history callback
func (a *PluginAPI) SetGetHistory(f func(roomID string, limit int) []plugin.Message) {
	a.getHistory = f
}

// SetGetUnreadCount sets the get unread count callback
func (a *PluginAPI) SetGetUnreadCount(f func(roomID string) int) {
	a.getUnreadCount = f
}

// SetGetRooms sets the get rooms callback
func (a *PluginAPI) SetGetRooms(f func() []plugin.Room) {
	a.getRooms = f
}

// SetGetOccupants sets the get occupants callback
func (a *PluginAPI) SetGetOccupants(f func(roomID string) []plugin.Occupant) {
	a.getOccupants = f
}

// ChatAPI implementation

// SendMessage posts a text message to a room
func (a *PluginAPI) SendMessage(roomID, body string) error {
	if a.sendMessage != nil {
		return a.sendMessage(roomID, body)
	}
	return nil
}

// GetHistory returns cached messages for a room
func (a *PluginAPI) GetHistory(roomID string, limit int) []plugin.Message {
	if a.getHistory != nil {
		return a.getHistory(roomID, limit)
	}
	return nil
}

// GetUnreadCount returns the unread message count for a room
func (a *PluginAPI) GetUnreadCount(roomID string) int {
	if a.getUnreadCount != nil {
		return a.getUnreadCount(roomID)
	}
	return 0
}

// RoomsAPI implementation

// GetRooms returns the rooms the account can see
func (a *PluginAPI) GetRooms() []plugin.Room {
	if a.getRooms != nil {
		return a.getRooms()
	}
	return nil
}

// GetOccupants returns the participants present in a room
func (a *PluginAPI) GetOccupants(roomID string) []plugin.Occupant {
	if a.getOccupants != nil {
		return a.getOccupants(roomID)
	}
	return nil
}

// EventsAPI implementation

// OnMessage registers a message handler
func (a *PluginAPI) OnMessage(handler func(msg plugin.Message)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.messageHandlers = append(a.messageHandlers, handler)

	// Return unsubscribe function
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		// Remove handler (simplified - in practice would track by ID)
	}
}

// OnTyping registers a typing-change handler
func (a *PluginAPI) OnTyping(handler func(roomID string, typing []string)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.typingHandlers = append(a.typingHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// OnOccupant registers a room occupancy handler
func (a *PluginAPI) OnOccupant(handler func(roomID, nick string, left bool)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.occupantHandlers = append(a.occupantHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// OnConnect registers a connect handler
func (a *PluginAPI) OnConnect(handler func()) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connectHandlers = append(a.connectHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// OnDisconnect registers a disconnect handler
func (a *PluginAPI) OnDisconnect(handler func()) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.disconnectHandlers = append(a.disconnectHandlers, handler)

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
}

// EmitMessage emits a message event to all handlers
func (a *PluginAPI) EmitMessage(msg plugin.Message) {
	a.mu.RLock()
	handlers := make([]func(plugin.Message), len(a.messageHandlers))
	copy(handlers, a.messageHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler(msg)
	}
}

// EmitTyping emits a typing-change event to all handlers
func (a *PluginAPI) EmitTyping(roomID string, typing []string) {
	a.mu.RLock()
	handlers := make([]func(string, []string), len(a.typingHandlers))
	copy(handlers, a.typingHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler(roomID, typing)
	}
}

// EmitOccupant emits a room occupancy event to all handlers
func (a *PluginAPI) EmitOccupant(roomID, nick string, left bool) {
	a.mu.RLock()
	handlers := make([]func(string, string, bool), len(a.occupantHandlers))
	copy(handlers, a.occupantHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler(roomID, nick, left)
	}
}

// EmitConnect emits a connect event to all handlers
func (a *PluginAPI) EmitConnect() {
	a.mu.RLock()
	handlers := make([]func(), len(a.connectHandlers))
	copy(handlers, a.connectHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler()
	}
}

// EmitDisconnect emits a disconnect event to all handlers
func (a *PluginAPI) EmitDisconnect() {
	a.mu.RLock()
	handlers := make([]func(), len(a.disconnectHandlers))
	copy(handlers, a.disconnectHandlers)
	a.mu.RUnlock()

	for _, handler := range handlers {
		go handler()
	}
}

// CreateMessage creates a plugin message from app data
func CreateMessage(id, roomID, body, senderID, senderNick, senderName string, ts time.Time, isSystem bool) plugin.Message {
	return plugin.Message{
		ID:         id,
		RoomID:     roomID,
		Body:       body,
		SenderID:   senderID,
		SenderNick: senderNick,
		SenderName: senderName,
		IsSystem:   isSystem,
		Timestamp:  ts,
	}
}
