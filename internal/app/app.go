// Package app wires configuration, logging, storage, the chat client, and
// the plugin host into one headless application.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meszmate/parley/internal/chat"
	"github.com/meszmate/parley/internal/client"
	"github.com/meszmate/parley/internal/config"
	"github.com/meszmate/parley/internal/logging"
	"github.com/meszmate/parley/internal/muc"
	"github.com/meszmate/parley/internal/storage/sqlite"
	"github.com/meszmate/parley/pkg/plugin"
	pluginapi "github.com/meszmate/parley/pkg/plugin/api"
)

// App coordinates the connected accounts and fans events out to subscribers.
type App struct {
	cfg      *config.Config
	accounts *config.AccountsConfig
	log      *logging.Logger
	events   *EventBus

	mu      sync.RWMutex
	clients map[string]*client.Client // account JID -> client
	current string

	storage    *sqlite.DB
	pluginAPI  *pluginapi.PluginAPI
	pluginHost *plugin.Host
}

// New creates the application. No account is connected until Connect.
func New(cfg *config.Config, log *logging.Logger) (*App, error) {
	accounts, err := config.LoadAccounts()
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if log == nil {
		log = logging.Default()
	}

	dataDir := cfg.General.DataDir
	if dataDir == "" {
		if paths, err := config.GetPaths(); err == nil {
			dataDir = paths.DataDir
		}
	}

	var storage *sqlite.DB
	if dataDir != "" {
		storage, err = sqlite.New(dataDir)
		if err != nil {
			// The message cache is optional; run without it.
			log.Warn("failed to initialize storage: %v", err)
			storage = nil
		}
	}

	a := &App{
		cfg:      cfg,
		accounts: accounts,
		log:      log,
		events:   NewEventBus(),
		clients:  make(map[string]*client.Client),
		storage:  storage,
	}

	if storage != nil && cfg.Storage.MessageRetentionDays > 0 {
		if n, err := storage.DeleteOldMessages(cfg.Storage.MessageRetentionDays); err == nil && n > 0 {
			log.Info("pruned %d cached messages past retention", n)
		}
	}

	a.pluginAPI = pluginapi.NewPluginAPI()
	a.wirePluginAPI()
	a.pluginHost = plugin.NewHost(cfg.Plugins.PluginDir, a.pluginAPI, log.WithScope("plugins"))

	return a, nil
}

// Events returns the subscription bus.
func (a *App) Events() *EventBus {
	return a.events
}

// Config returns the configuration
func (a *App) Config() *config.Config {
	return a.cfg
}

// Accounts returns the account configurations
func (a *App) Accounts() []config.Account {
	return a.accounts.Accounts
}

// CurrentAccount returns the account most recently connected.
func (a *App) CurrentAccount() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Start loads plugins and connects every auto-connect account.
func (a *App) Start(ctx context.Context) error {
	if err := a.pluginHost.LoadAll(); err != nil {
		a.log.Warn("plugin load: %v", err)
	}
	for _, lp := range a.pluginHost.List() {
		if err := a.pluginHost.Start(lp.Name); err != nil {
			a.log.Warn("plugin %s start: %v", lp.Name, err)
		}
	}

	var firstErr error
	for _, acc := range a.accounts.Accounts {
		if !acc.AutoConnect || acc.Password == "" {
			continue
		}
		if err := a.Connect(ctx, acc.JID); err != nil {
			a.log.Error("auto-connect %s: %v", acc.JID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Connect brings one account online. Connecting a connected account is a
// no-op.
func (a *App) Connect(ctx context.Context, accountJID string) error {
	acc := a.getAccount(accountJID)
	if acc == nil {
		return fmt.Errorf("account not found: %s", accountJID)
	}

	a.mu.Lock()
	if _, ok := a.clients[accountJID]; ok {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	c, err := client.New(client.Config{
		JID:              acc.JID,
		Password:         acc.Password,
		Server:           acc.Server,
		Port:             acc.Port,
		Resource:         acc.Resource,
		UseWebsocket:     acc.UseWebsocket,
		WebsocketURL:     acc.WebsocketURL,
		ConferenceDomain: acc.ConferenceDomain,
		RoomsPersistent:  a.cfg.Chat.RoomsPersistent,
		RoomsMembersOnly: a.cfg.Chat.RoomsMembersOnly,
		JoinTimeout:      time.Duration(a.cfg.Chat.JoinTimeoutSeconds) * time.Second,
		TypingGrace:      time.Duration(a.cfg.Chat.TypingGraceSeconds) * time.Second,
	}, a.log.WithScope(acc.JID))
	if err != nil {
		return fmt.Errorf("create client for %s: %w", accountJID, err)
	}

	a.wireClient(accountJID, c)

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", accountJID, err)
	}

	a.mu.Lock()
	a.clients[accountJID] = c
	a.current = accountJID
	a.mu.Unlock()

	a.events.Publish(EventMsg{Type: EventConnected, Account: accountJID})
	a.pluginAPI.EmitConnect()
	return nil
}

// wireClient routes one client's callbacks into the event bus, the cache,
// and the plugin API.
func (a *App) wireClient(accountJID string, c *client.Client) {
	c.SetMessageHandler(func(msg chat.Message) {
		a.cacheMessage(accountJID, msg)
		a.events.Publish(EventMsg{Type: EventMessage, Account: accountJID, Data: msg})
		a.pluginAPI.EmitMessage(pluginapi.CreateMessage(
			msg.ID, msg.RoomID, msg.Body, msg.SenderID, msg.SenderNick, msg.SenderName,
			msg.CreatedAt, msg.IsSystem))
	})

	c.SetDeleteHandler(func(roomID, messageID string) {
		if a.storage != nil {
			_ = a.storage.MarkMessageDeleted(accountJID, roomID, messageID)
		}
		a.events.Publish(EventMsg{
			Type:    EventMessageDeleted,
			Account: accountJID,
			Data:    map[string]string{"room": roomID, "message": messageID},
		})
	})

	c.SetTypingHandler(func(roomID string, typing []string) {
		a.events.Publish(EventMsg{
			Type:    EventTyping,
			Account: accountJID,
			Data:    map[string]interface{}{"room": roomID, "typing": typing},
		})
		a.pluginAPI.EmitTyping(roomID, typing)
	})

	c.SetOccupantHandler(func(roomID string, occ muc.Occupant, left bool) {
		a.events.Publish(EventMsg{
			Type:    EventOccupant,
			Account: accountJID,
			Data:    map[string]interface{}{"room": roomID, "occupant": occ, "left": left},
		})
		a.pluginAPI.EmitOccupant(roomID, occ.Nick, left)
	})

	c.SetErrorHandler(func(err error) {
		a.events.Publish(EventMsg{Type: EventError, Account: accountJID, Data: err})
	})

	c.SetDisconnectHandler(func(err error) {
		a.mu.Lock()
		delete(a.clients, accountJID)
		if a.current == accountJID {
			a.current = ""
		}
		a.mu.Unlock()

		a.events.Publish(EventMsg{Type: EventDisconnected, Account: accountJID, Data: err})
		a.pluginAPI.EmitDisconnect()
	})
}

func (a *App) cacheMessage(accountJID string, msg chat.Message) {
	if a.storage == nil || !a.cfg.Storage.SaveMessages {
		return
	}
	row := sqlite.Message{
		ID:         msg.ID,
		Room:       msg.RoomID,
		Body:       msg.Body,
		SenderID:   msg.SenderID,
		SenderNick: msg.SenderNick,
		SenderName: msg.SenderName,
		AvatarURL:  msg.AvatarURL,
		IsSystem:   msg.IsSystem,
		IsReply:    msg.IsReply,
		ParentID:   msg.ParentID,
		ArchiveID:  msg.ArchiveID,
		CreatedAt:  msg.CreatedAt,
	}
	if msg.Attachment != nil {
		row.FileName = msg.Attachment.FileName
		row.MimeType = msg.Attachment.MimeType
		row.FileSize = msg.Attachment.Size
	}
	if err := a.storage.SaveMessage(accountJID, row); err != nil {
		a.log.Warn("cache message %s: %v", msg.ID, err)
	}
}

// Disconnect takes one account offline.
func (a *App) Disconnect(ctx context.Context, accountJID string) error {
	a.mu.Lock()
	c, ok := a.clients[accountJID]
	if ok {
		delete(a.clients, accountJID)
	}
	if a.current == accountJID {
		a.current = ""
	}
	a.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Stop(ctx)
}

// Close disconnects everything and shuts the plugin host and cache down.
func (a *App) Close(ctx context.Context) {
	a.mu.Lock()
	clients := make(map[string]*client.Client, len(a.clients))
	for jid, c := range a.clients {
		clients[jid] = c
	}
	a.clients = make(map[string]*client.Client)
	a.current = ""
	a.mu.Unlock()

	for jid, c := range clients {
		if err := c.Stop(ctx); err != nil {
			a.log.Warn("stop %s: %v", jid, err)
		}
	}

	a.pluginHost.UnloadAll()
	if a.storage != nil {
		a.storage.Close()
	}
}

// Client returns the connected client for an account, or nil.
func (a *App) Client(accountJID string) *client.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clients[accountJID]
}

func (a *App) currentClient() *client.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clients[a.current]
}

func (a *App) getAccount(jid string) *config.Account {
	for i := range a.accounts.Accounts {
		if a.accounts.Accounts[i].JID == jid {
			return &a.accounts.Accounts[i]
		}
	}
	return nil
}

// SyncRooms refreshes the room list from the server into the cache.
func (a *App) SyncRooms(ctx context.Context, accountJID string) error {
	c := a.Client(accountJID)
	if c == nil {
		return fmt.Errorf("account not connected: %s", accountJID)
	}

	summaries, err := c.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	if a.storage != nil {
		rows := make([]sqlite.Room, len(summaries))
		for i, s := range summaries {
			rows[i] = sqlite.Room{Room: s.ID, Name: s.Name, UsersCnt: s.Users}
		}
		if err := a.storage.SaveRooms(accountJID, rows); err != nil {
			a.log.Warn("cache rooms: %v", err)
		}
	}

	a.events.Publish(EventMsg{Type: EventRoomsUpdate, Account: accountJID, Data: summaries})
	return nil
}

// SyncHistory pages a room's archive backwards from where the last sync
// stopped, caching each page, until the archive reports completion or
// maxPages is reached.
func (a *App) SyncHistory(ctx context.Context, accountJID, roomID string, maxPages int) error {
	c := a.Client(accountJID)
	if c == nil {
		return fmt.Errorf("account not connected: %s", accountJID)
	}

	pageSize := a.cfg.Chat.HistoryPageSize
	if pageSize <= 0 {
		pageSize = 30
	}

	before := ""
	if a.storage != nil {
		if sync, err := a.storage.GetArchiveSync(accountJID, roomID); err == nil && sync != nil {
			if sync.Complete {
				return nil
			}
			before = sync.FirstArchiveID
		}
	}

	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		p, err := c.History(ctx, roomID, pageSize, before)
		if err != nil {
			return fmt.Errorf("history page for %s: %w", roomID, err)
		}

		for _, msg := range p.Messages {
			a.cacheMessage(accountJID, msg)
			a.events.Publish(EventMsg{Type: EventMessage, Account: accountJID, Data: msg})
		}

		if a.storage != nil {
			_ = a.storage.SaveArchiveSync(sqlite.ArchiveSync{
				Account:        accountJID,
				Room:           roomID,
				FirstArchiveID: p.FirstID,
				Complete:       p.Complete,
			})
		}

		if p.Complete || p.FirstID == "" {
			return nil
		}
		before = p.FirstID
	}
	return nil
}

// MarkRead records the read marker on the server's private store and in the
// local cache.
func (a *App) MarkRead(ctx context.Context, accountJID, roomID string, at time.Time) error {
	c := a.Client(accountJID)
	if c == nil {
		return fmt.Errorf("account not connected: %s", accountJID)
	}
	if err := c.SetLastViewed(ctx, roomID, at); err != nil {
		return err
	}
	if a.storage != nil {
		_ = a.storage.SetLastViewed(accountJID, roomID, at)
	}
	return nil
}

// wirePluginAPI exposes the cache and the current client to plugins.
func (a *App) wirePluginAPI() {
	a.pluginAPI.SetSendMessage(func(roomID, body string) error {
		c := a.currentClient()
		if c == nil {
			return fmt.Errorf("not connected")
		}
		_, err := c.SendMessage(context.Background(), roomID, body, chat.Meta{
			SenderID:  c.JID(),
			IsVisible: true,
		})
		return err
	})

	a.pluginAPI.SetGetHistory(func(roomID string, limit int) []plugin.Message {
		a.mu.RLock()
		account := a.current
		a.mu.RUnlock()
		if a.storage == nil || account == "" {
			return nil
		}
		rows, err := a.storage.GetMessages(account, roomID, limit, 0)
		if err != nil {
			return nil
		}
		msgs := make([]plugin.Message, len(rows))
		for i, row := range rows {
			msgs[i] = plugin.Message{
				ID:         row.ID,
				RoomID:     row.Room,
				Body:       row.Body,
				SenderID:   row.SenderID,
				SenderNick: row.SenderNick,
				SenderName: row.SenderName,
				IsSystem:   row.IsSystem,
				Timestamp:  row.CreatedAt,
			}
		}
		return msgs
	})

	a.pluginAPI.SetGetUnreadCount(func(roomID string) int {
		a.mu.RLock()
		account := a.current
		a.mu.RUnlock()
		if a.storage == nil || account == "" {
			return 0
		}
		n, err := a.storage.UnreadCount(account, roomID)
		if err != nil {
			return 0
		}
		return n
	})

	a.pluginAPI.SetGetRooms(func() []plugin.Room {
		a.mu.RLock()
		account := a.current
		a.mu.RUnlock()
		if a.storage == nil || account == "" {
			return nil
		}
		rows, err := a.storage.GetRooms(account)
		if err != nil {
			return nil
		}
		out := make([]plugin.Room, len(rows))
		for i, row := range rows {
			out[i] = plugin.Room{ID: row.Room, Name: row.Name, UsersCnt: row.UsersCnt}
		}
		return out
	})

	a.pluginAPI.SetGetOccupants(func(roomID string) []plugin.Occupant {
		c := a.currentClient()
		if c == nil {
			return nil
		}
		occs := c.Occupants(roomID)
		out := make([]plugin.Occupant, len(occs))
		for i, o := range occs {
			out[i] = plugin.Occupant{
				Nick:        o.Nick,
				JID:         o.JID,
				Affiliation: o.Affiliation,
				Role:        o.Role,
			}
		}
		return out
	})
}
