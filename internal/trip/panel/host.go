package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 20 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// ConnState describes the advisory panel connection lifecycle.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateBindingDead
	StateConnected
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBindingDead:
		return "binding_dead"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// ErrNotReady is returned when a send is attempted before the panel
// completed its handshake. Callers treat it as a transient dispatch failure.
var ErrNotReady = errors.New("advisory panel not ready")

// Logger defines minimal logging interface required by the host.
type Logger interface {
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

type frame struct {
	Kind      string      `json:"kind"` // "show" or "dismiss"
	MessageID int64       `json:"message_id"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Host manages the websocket connection to the driver-facing display panel.
// At most one panel connection is active; a newcomer replaces the old one.
type Host struct {
	logger Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conn    *websocket.Conn
	wlock   sync.Mutex
	state   ConnState
	onState func(ConnState)
}

// NewHost constructs a panel host.
func NewHost(logger Logger) *Host {
	return &Host{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		state: StateDisconnected,
	}
}

// OnStateChange registers a single connection-state listener.
func (h *Host) OnStateChange(fn func(ConnState)) {
	h.mu.Lock()
	h.onState = fn
	h.mu.Unlock()
}

// State returns the current connection state.
func (h *Host) State() ConnState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *Host) setState(s ConnState) {
	h.mu.Lock()
	changed := h.state != s
	h.state = s
	fn := h.onState
	h.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// ServeWS upgrades the panel connection.
func (h *Host) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("panel ws upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if old := h.conn; old != nil {
		_ = old.Close()
	}
	h.conn = conn
	h.mu.Unlock()
	h.setState(StateConnected)

	h.logger.Infof("advisory panel connected from %s", r.RemoteAddr)

	go h.pingLoop(conn)
	go h.readLoop(conn)
}

func (h *Host) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		h.mu.RLock()
		alive := h.conn == conn
		h.mu.RUnlock()
		if !alive {
			return
		}
		h.wlock.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		h.wlock.Unlock()
		if err != nil {
			h.closeConn(conn, StateBindingDead)
			return
		}
	}
}

func (h *Host) readLoop(conn *websocket.Conn) {
	defer h.closeConn(conn, StateDisconnected)

	conn.SetReadLimit(16 << 10)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		trimmed := strings.TrimSpace(string(message))
		switch {
		case strings.EqualFold(trimmed, "ready"):
			h.setState(StateReady)
		case strings.EqualFold(trimmed, "ping"):
			h.wlock.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			h.wlock.Unlock()
		}
	}
}

func (h *Host) closeConn(conn *websocket.Conn, next ConnState) {
	_ = conn.Close()
	h.mu.Lock()
	current := h.conn == conn
	if current {
		h.conn = nil
	}
	h.mu.Unlock()
	if current {
		h.setState(next)
	}
}

// Send pushes a show frame to the panel. No-op with ErrNotReady unless the
// connection finished its handshake.
func (h *Host) Send(messageID int64, payload interface{}) error {
	return h.write(frame{Kind: "show", MessageID: messageID, Payload: payload})
}

// Dismiss pushes a dismiss frame for a previously shown message.
func (h *Host) Dismiss(messageID int64) error {
	return h.write(frame{Kind: "dismiss", MessageID: messageID})
}

func (h *Host) write(f frame) error {
	h.mu.RLock()
	conn := h.conn
	state := h.state
	h.mu.RUnlock()
	if state != StateReady || conn == nil {
		return ErrNotReady
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	h.wlock.Lock()
	defer h.wlock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Errorf("panel write failed: %v", err)
		h.closeConn(conn, StateBindingDead)
		return err
	}
	return nil
}
