// Package bus is the gateway-wide event bus: one WebSocket endpoint where
// every lifecycle transition, provider status change, and stream chunk is
// broadcast to all connected clients.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// Event is the wire shape of every broadcast frame.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	writeTimeout  = 5 * time.Second
	clientBacklog = 128
)

// Hub fans events out to every connected WebSocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	upgrader websocket.FastHTTPUpgrader
	log      *slog.Logger

	// OnClientCountChange observes the connection count (metrics). May be
	// nil.
	OnClientCountChange func(count int)
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

// NewHub creates a Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.FastHTTPUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The bus is broadcast-only; any origin may listen.
			CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
		},
		log: log.With(slog.String("component", "bus")),
	}
}

// Handler upgrades the connection and serves it until the peer disconnects.
func (h *Hub) Handler(ctx *fasthttp.RequestCtx) {
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		c := &client{
			conn: conn,
			send: make(chan []byte, clientBacklog),
			done: make(chan struct{}),
		}
		h.add(c)
		defer h.remove(c)

		go c.writeLoop()

		// Drain (and discard) client frames so pings are answered and
		// closes are noticed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
	}
}

// Broadcast sends an event to every connected client. Slow clients are
// dropped rather than allowed to stall the bus.
func (h *Hub) Broadcast(eventType string, data any) {
	frame, err := json.Marshal(Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("broadcast marshal failed",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
		return
	}

	h.mu.RLock()
	var stalled []*client
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.log.Warn("dropping stalled websocket client")
		h.remove(c)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	h.notify(0)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.shutdown()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.notify(n)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.shutdown()
		h.notify(n)
	}
}

func (h *Hub) notify(count int) {
	if h.OnClientCountChange != nil {
		h.OnClientCountChange(count)
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}
