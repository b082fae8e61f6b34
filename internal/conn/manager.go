// Package conn owns the websocket transport to the agent gateway: dialing,
// the clear-then-resume handshake, keepalive, close classification and the
// single-shot reconnect policy.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumohealth/agentlink/internal/logger"
	"github.com/lumohealth/agentlink/internal/protocol"
	"github.com/lumohealth/agentlink/internal/securemem"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	handshakeTimeout = 10 * time.Second

	defaultReconnectDelay = 3 * time.Second
)

// ErrNotConnected is returned by SendFrame while the transport is down.
// Sends are never buffered; the caller surfaces the failure immediately.
var ErrNotConnected = errors.New("conn: not connected")

// Options configures a Manager
type Options struct {
	BaseURL        string // http(s) base URL of the gateway
	Namespace      string
	IdentityKey    string // identity-or-session key path segment
	SessionID      string
	Token          *securemem.String
	ReconnectDelay time.Duration
	FrameBuffer    int
	Logger         *logger.Logger
}

// Manager owns one logical connection per identity+session. It delivers
// inbound frames in arrival order on Frames().
type Manager struct {
	opts Options
	log  *logger.Logger

	mu          sync.Mutex
	ws          *websocket.Conn
	connected   bool
	closed      bool
	retryOnOpen bool

	writeMu sync.Mutex

	frames  chan protocol.Frame
	onReset func()
	onOpen  func(retry bool)
	onClose func(code int, reason string, terminal bool)
}

// New creates a Manager. The transport is not opened until Open is called.
func New(opts Options) (*Manager, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 64
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		opts:   opts,
		log:    log.WithPrefix("conn"),
		frames: make(chan protocol.Frame, opts.FrameBuffer),
	}, nil
}

// Frames returns the inbound frame stream. Frames are delivered in the
// order they arrive on the wire.
func (m *Manager) Frames() <-chan protocol.Frame {
	return m.frames
}

// OnReset registers the clear step of the open handshake: invoked after each
// successful dial, before the resume request is sent, so the caller can
// discard stale local stream state.
func (m *Manager) OnReset(fn func()) {
	m.onReset = fn
}

// OnOpen registers a callback invoked after each successful open. retry is
// true when RequestRetryOnOpen was called since the last open; the flag is
// consumed exactly once.
func (m *Manager) OnOpen(fn func(retry bool)) {
	m.onOpen = fn
}

// OnClose registers a callback invoked when the connection drops. terminal
// closes are never auto-retried.
func (m *Manager) OnClose(fn func(code int, reason string, terminal bool)) {
	m.onClose = fn
}

// RequestRetryOnOpen asks that the caller's last message be resent after
// the next successful open
func (m *Manager) RequestRetryOnOpen() {
	m.mu.Lock()
	m.retryOnOpen = true
	m.mu.Unlock()
}

// IsConnected reports whether the transport is currently open
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// agentURL derives the websocket address from the HTTP base URL; the scheme
// mirrors the base (https -> wss, http -> ws)
func (m *Manager) agentURL() (string, error) {
	u, err := url.Parse(m.opts.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/agents/%s/%s", m.opts.Namespace, m.opts.IdentityKey)

	q := u.Query()
	m.opts.Token.WithValue(func(token string) {
		q.Set("token", token)
	})
	q.Set("sid", m.opts.SessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials the gateway and performs the clear-then-resume handshake:
// stale local stream registration is discarded and the server is asked to
// resume any in-flight stream.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	if m.closed {
		m.mu.Unlock()
		return errors.New("conn: manager closed")
	}
	m.mu.Unlock()

	addr, err := m.agentURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("failed to open agent connection: %w", err)
	}

	m.mu.Lock()
	m.ws = ws
	m.connected = true
	retry := m.retryOnOpen
	m.retryOnOpen = false
	m.mu.Unlock()

	done := make(chan struct{})
	go m.readPump(ws, done)
	go m.pingLoop(ws, done)

	// Clear, then resume: stale local stream state goes first, so the
	// server's stream_resuming answer lands on a clean session.
	if m.onReset != nil {
		m.onReset()
	}

	if err := m.SendFrame(protocol.Frame{Type: protocol.FrameStreamResumeRequest}); err != nil {
		m.log.Warn("failed to send resume request: %v", err)
	}

	m.log.Info("connected to %s/%s", m.opts.Namespace, m.opts.IdentityKey)

	if m.onOpen != nil {
		m.onOpen(retry)
	}
	return nil
}

// SendFrame writes one frame to the peer. Fails fast with ErrNotConnected
// while the transport is down.
func (m *Manager) SendFrame(f protocol.Frame) error {
	m.mu.Lock()
	if !m.connected || m.ws == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ws := m.ws
	m.mu.Unlock()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", f.Type, err)
	}
	return nil
}

// Close shuts the manager down permanently; no reconnect is scheduled
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	ws := m.ws
	m.ws = nil
	m.connected = false
	m.mu.Unlock()

	if ws == nil {
		return nil
	}
	m.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	return ws.Close()
}

// readPump delivers frames in order until the connection drops
func (m *Manager) readPump(ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClose(ws, err)
			return
		}

		var frame protocol.Frame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr != nil {
			// Malformed frames are dropped; never crash the session.
			m.log.Debug("dropped malformed frame: %v", jsonErr)
			continue
		}
		m.frames <- frame
	}
}

func (m *Manager) pingLoop(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			m.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleClose classifies a dropped connection and applies the reconnect
// policy: terminal control codes (auth failure, identity mismatch, rate
// limit) and clean closes are final; anything else gets exactly one
// reconnect attempt after the configured delay.
func (m *Manager) handleClose(ws *websocket.Conn, err error) {
	m.mu.Lock()
	if m.ws != ws {
		// A newer connection replaced this one.
		m.mu.Unlock()
		return
	}
	m.ws = nil
	m.connected = false
	closed := m.closed
	m.mu.Unlock()

	_ = ws.Close()

	code := -1
	reason := ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
		reason = ce.Text
	}

	terminal := protocol.IsTerminalClose(code)
	clean := code == websocket.CloseNormalClosure

	if !closed {
		m.log.Warn("connection dropped (code=%d terminal=%v): %v", code, terminal, err)
		if m.onClose != nil {
			m.onClose(code, reason, terminal)
		}
	}

	if closed || terminal || clean {
		return
	}

	delay := m.opts.ReconnectDelay
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		skip := m.closed || m.connected
		m.mu.Unlock()
		if skip {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()
		if err := m.Open(ctx); err != nil {
			m.log.Error("reconnect failed: %v", err)
		}
	})
}
