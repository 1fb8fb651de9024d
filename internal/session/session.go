// Package session owns the XMPP transport session and its lifecycle.
//
// It is the single writer to the connection: every other component sends
// outbound stanzas through Send. Inbound stanzas are decoded on one read
// goroutine and handed to the dispatcher in arrival order, so handlers never
// run concurrently for the same session.
package session

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmpp/websocket"

	"github.com/meszmate/parley/internal/dispatch"
	"github.com/meszmate/parley/internal/logging"
	"github.com/meszmate/parley/internal/wire"
)

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusOnline
	StatusOffline
	StatusErrored
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by Send when no session is online.
var ErrNotConnected = errors.New("session: not connected")

// Config contains connection settings for one account.
type Config struct {
	JID      string
	Password string
	Server   string
	Port     int
	Resource string

	// UseWebsocket dials the websocket endpoint instead of TCP+StartTLS.
	UseWebsocket bool
	// WebsocketURL is the wss endpoint, e.g. wss://chat.example.com:5443/ws.
	WebsocketURL string
}

// Session manages the connection to the chat server.
type Session struct {
	mu       sync.RWMutex
	cfg      Config
	jid      jid.JID
	status   Status
	session  *xmpp.Session
	conn     net.Conn
	bus      *dispatch.Dispatcher
	log      *logging.Logger
	closed   *sync.Once // guards the close notification for the current session
	readDone chan struct{}

	onOnline     func()
	onOffline    func()
	onError      func(err error)
	onDisconnect func(err error)
	onClose      func()
}

// New creates a session manager. The dispatcher receives every inbound stanza.
func New(cfg Config, bus *dispatch.Dispatcher, log *logging.Logger) (*Session, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}
	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource: %w", err)
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if log == nil {
		log = logging.Default()
	}
	return &Session{
		cfg:    cfg,
		jid:    j,
		status: StatusDisconnected,
		bus:    bus,
		log:    log,
	}, nil
}

// JID returns the session's address, including the server-assigned resource
// once online.
func (s *Session) JID() jid.JID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jid
}

// LocalNick returns the localpart used as the default room nickname.
func (s *Session) LocalNick() string {
	return s.JID().Localpart()
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetOnlineHandler sets the handler fired when the session reaches online.
func (s *Session) SetOnlineHandler(h func()) { s.onOnline = h }

// SetOfflineHandler sets the handler fired when the session goes offline.
func (s *Session) SetOfflineHandler(h func()) { s.onOffline = h }

// SetErrorHandler sets the handler fired on transport errors.
func (s *Session) SetErrorHandler(h func(err error)) { s.onError = h }

// SetDisconnectHandler sets the handler fired once when the transport drops.
// No reconnection is attempted; that decision belongs to the caller.
func (s *Session) SetDisconnectHandler(h func(err error)) { s.onDisconnect = h }

// SetCloseHandler sets the notification fired exactly once per session when
// the connection is closed, cleanly or not.
func (s *Session) SetCloseHandler(h func()) { s.onClose = h }

// Start connects and negotiates the stream, resolving once the session is
// online. Calling Start while already online is a no-op.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusOnline || s.status == StatusConnecting {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusConnecting
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.setStatus(StatusErrored)
		return fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: s.jid.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		features := []xmpp.StreamFeature{
			xmpp.SASL("", s.cfg.Password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
			xmpp.BindResource(),
		}
		if !s.cfg.UseWebsocket {
			// Websocket endpoints are TLS-terminated already.
			features = append([]xmpp.StreamFeature{xmpp.StartTLS(tlsConfig)}, features...)
		}
		return xmpp.StreamConfig{Features: features}
	})

	xs, err := xmpp.NewSession(ctx, s.jid.Domain(), s.jid, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		s.setStatus(StatusErrored)
		if s.onError != nil {
			s.onError(err)
		}
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	s.mu.Lock()
	s.session = xs
	s.conn = conn
	s.jid = xs.LocalAddr()
	s.status = StatusOnline
	s.closed = new(sync.Once)
	s.readDone = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop(xs)

	if s.onOnline != nil {
		s.onOnline()
	}
	return nil
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	if s.cfg.UseWebsocket {
		url := s.cfg.WebsocketURL
		if url == "" {
			url = fmt.Sprintf("wss://%s:5443/ws", s.jid.Domain())
		}
		return websocket.DialDirect(ctx, "https://"+s.jid.Domain().String(), url)
	}

	server := s.cfg.Server
	if server == "" {
		server = s.jid.Domain().String()
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", server, s.cfg.Port))
}

// Stop requests a graceful session close and guarantees the close
// notification fires exactly once, whether or not the close completed
// cleanly. Stopping a stopped session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	xs := s.session
	conn := s.conn
	closed := s.closed
	done := s.readDone
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDisconnected
	s.session = nil
	s.conn = nil
	s.mu.Unlock()

	var closeErr error
	if xs != nil {
		_ = xs.Encode(ctx, stanza.Presence{Type: stanza.UnavailablePresence})
		closeErr = xs.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
			s.log.Warn("read loop did not exit before deadline")
		}
	}
	s.notifyClosed(closed)

	if closeErr != nil {
		return fmt.Errorf("session close: %w", closeErr)
	}
	return nil
}

func (s *Session) notifyClosed(closed *sync.Once) {
	if closed == nil {
		return
	}
	closed.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Send encodes one outbound element on the session. All components route
// their sends through here, keeping a single transport writer.
func (s *Session) Send(ctx context.Context, el wire.Element) error {
	s.mu.RLock()
	xs := s.session
	online := s.status == StatusOnline
	s.mu.RUnlock()

	if !online || xs == nil {
		return ErrNotConnected
	}
	if err := xs.Encode(ctx, el); err != nil {
		return fmt.Errorf("send %s stanza: %w", el.Name, err)
	}
	return nil
}

// readLoop decodes inbound elements and feeds the dispatcher until the
// stream ends. It runs on its own goroutine; dispatch order is the arrival
// order on the wire.
func (s *Session) readLoop(xs *xmpp.Session) {
	defer close(s.readDone)

	dec := xml.NewTokenDecoder(xs.TokenReader())
	for {
		tok, err := dec.Token()
		if err != nil {
			s.handleStreamEnd(err)
			return
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		var el wire.Element
		if err := el.UnmarshalXML(dec, start); err != nil {
			// Malformed subtree: log and keep the stream alive if we can.
			s.log.Warn("malformed %s stanza: %v", start.Name.Local, err)
			if errors.Is(err, io.EOF) {
				s.handleStreamEnd(err)
				return
			}
			continue
		}
		s.bus.Dispatch(el)
	}
}

func (s *Session) handleStreamEnd(err error) {
	s.mu.Lock()
	wasOnline := s.status == StatusOnline
	closed := s.closed
	if wasOnline {
		s.status = StatusOffline
		s.session = nil
	}
	s.mu.Unlock()

	if !wasOnline {
		// Stop already tore the session down.
		return
	}

	if err != nil && !errors.Is(err, io.EOF) {
		s.log.Error("session terminated: %v", err)
		s.setStatus(StatusErrored)
		if s.onError != nil {
			s.onError(err)
		}
	} else {
		err = nil
		if s.onOffline != nil {
			s.onOffline()
		}
	}

	if s.onDisconnect != nil {
		s.onDisconnect(err)
	}
	s.notifyClosed(closed)
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
