package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0x6d61/proctor/internal/engine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Message is the frame written to websocket subscribers.
type Message struct {
	Type      engine.EventType `json:"type"`
	SessionID string           `json:"session_id"`
	Time      time.Time        `json:"time"`
	Session   *engine.Session  `json:"session,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
}

// client is one websocket subscriber to a single session's events.
type client struct {
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	closed    bool // guarded by Hub.mu
}

// Hub streams engine events to websocket subscribers of each session.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

// NewHub returns a hub. checkOrigin may be nil to accept any origin.
func NewHub(logger *slog.Logger, checkOrigin func(r *http.Request) bool) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger,
		clients:  make(map[string]map[*client]struct{}),
	}
}

// Subscribers returns the number of open subscriptions for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

// Notify implements engine.Notifier. Slow subscribers are disconnected
// instead of blocking delivery.
func (h *Hub) Notify(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.clients[ev.SessionID]
	if len(subs) == 0 {
		return
	}

	frame, err := json.Marshal(Message{
		Type:      ev.Type,
		SessionID: ev.SessionID,
		Time:      ev.Time,
		Session:   ev.Session,
		Data:      ev.Data,
	})
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	for c := range subs {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("websocket subscriber too slow, disconnecting", "session", ev.SessionID)
			h.removeLocked(c)
		}
	}
}

// Serve upgrades the request and streams events for sessionID until the
// peer disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*client]struct{})
	}
	h.clients[sessionID][c] = struct{}{}
	total := len(h.clients[sessionID])
	h.mu.Unlock()

	h.logger.Debug("websocket subscriber connected", "session", sessionID, "subscribers", total)

	go h.writePump(c)
	h.readPump(c)
}

// removeLocked unregisters c and closes its send channel. The caller
// holds h.mu.
func (h *Hub) removeLocked(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	subs := h.clients[c.sessionID]
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.clients, c.sessionID)
	}
}

// readPump discards inbound frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "session", c.sessionID, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CloseSession disconnects every subscriber of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[sessionID] {
		h.removeLocked(c)
	}
}
