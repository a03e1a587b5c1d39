package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/template-detector/internal/events"
)

// Hub tracks the websockets of every session. Publishing to a session reaches
// all of its open sockets; the last terminal event is kept for sockets that
// connect after it was sent.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	last     map[string]Message

	// OnIdle is called when the last socket of a session disconnects.
	OnIdle func(sessionID string)
}

// New creates an empty hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessions: make(map[string]map[*Client]struct{}),
		last:     make(map[string]Message),
	}
}

// ServeWS upgrades the request and blocks until the socket closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		return err
	}

	client := newClient(h, conn, sessionID)
	h.register(client)
	client.run()
	return nil
}

// Publish sends evt to every socket of the session.
func (h *Hub) Publish(sessionID string, evt events.Event) error {
	msg, err := Encode(evt)
	if err != nil {
		return err
	}

	var dropped []*Client
	idle := false
	h.mu.Lock()
	if msg.Terminal {
		h.last[sessionID] = msg
	} else if evt.Name == events.JobStarted {
		delete(h.last, sessionID)
	}
	h.pruneLocked(msg.At)
	for client := range h.sessions[sessionID] {
		select {
		case client.send <- msg:
		default:
			// Client's buffer is full, it is too slow to keep
			dropped = append(dropped, client)
			h.removeLocked(client)
		}
	}
	if len(dropped) > 0 && len(h.sessions[sessionID]) == 0 {
		idle = true
	}
	h.mu.Unlock()

	for _, client := range dropped {
		h.logger.Warn("dropped slow client", zap.String("session_id", client.sessionID))
	}
	// the dropped client's own unregister is a no-op, so it cannot report this
	if idle && h.OnIdle != nil {
		h.OnIdle(sessionID)
	}
	return nil
}

// ClientCount returns the number of open sockets for a session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	clients, ok := h.sessions[c.sessionID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.sessions[c.sessionID] = clients
	}
	clients[c] = struct{}{}
	count := len(clients)
	if msg, ok := h.last[c.sessionID]; ok && time.Since(msg.At) < replayTTL {
		c.send <- msg
	}
	h.mu.Unlock()

	h.logger.Debug("client connected", zap.String("session_id", c.sessionID), zap.Int("clients", count))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	remaining := len(h.sessions[c.sessionID])
	h.mu.Unlock()

	if !removed {
		return
	}
	h.logger.Debug("client disconnected", zap.String("session_id", c.sessionID), zap.Int("clients", remaining))
	if remaining == 0 && h.OnIdle != nil {
		h.OnIdle(c.sessionID)
	}
}

// removeLocked detaches c and closes its send channel. h.mu must be held.
func (h *Hub) removeLocked(c *Client) bool {
	clients, ok := h.sessions[c.sessionID]
	if !ok {
		return false
	}
	if _, ok := clients[c]; !ok {
		return false
	}
	delete(clients, c)
	close(c.send)
	if len(clients) == 0 {
		delete(h.sessions, c.sessionID)
	}
	return true
}

func (h *Hub) pruneLocked(now time.Time) {
	for sessionID, msg := range h.last {
		if now.Sub(msg.At) >= replayTTL {
			delete(h.last, sessionID)
		}
	}
}
