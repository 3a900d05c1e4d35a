package feedback

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	clientBacklog  = 32
	maxInboundSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The page shell may be served from a dev server on another port
		return true
	},
}

// Hub is a Renderer that broadcasts events to websocket subscribers as JSON
type Hub struct {
	mutex   sync.RWMutex
	clients map[uuid.UUID]*hubClient

	// Greeting, when set, produces the events a new subscriber receives first
	Greeting func() []Event
}

type hubClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]*hubClient)}
}

// Render broadcasts ev. Slow subscribers miss events instead of blocking the game.
func (h *Hub) Render(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Debug("Dropping event for slow subscriber", "client", c.id, "type", ev.Type)
		}
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &hubClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, clientBacklog),
	}

	if h.Greeting != nil {
		for _, ev := range h.Greeting() {
			if data, err := json.Marshal(ev); err == nil {
				c.send <- data
			}
		}
	}

	h.mutex.Lock()
	h.clients[c.id] = c
	h.mutex.Unlock()
	slog.Debug("Event subscriber connected", "client", c.id, "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound frames and notices disconnects
func (h *Hub) readLoop(c *hubClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxInboundSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *hubClient) {
	defer h.remove(c)
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("Event subscriber write failed", "client", c.id, "error", err)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (h *Hub) remove(c *hubClient) {
	c.once.Do(func() {
		h.mutex.Lock()
		delete(h.clients, c.id)
		close(c.send)
		h.mutex.Unlock()
		_ = c.conn.Close()
		slog.Debug("Event subscriber disconnected", "client", c.id)
	})
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mutex.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mutex.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}
