// Package observability implements the core's read-only introspection
// surface (SPEC_FULL §A): /healthz, /metrics, /debug/eventlog and a
// WebSocket fan-out of bus events. Grounded on internal/api/server.go
// and internal/api/websocket.go's hub/broadcast pattern, trimmed to a
// server-push-only surface -- there are no order-placing endpoints and
// no client-originated commands, since the core owns no brokerage I/O.
package observability

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-core/internal/events"
)

// MsgType discriminates the WebSocket wire messages pushed to clients.
type MsgType string

const (
	MsgPositionOpened     MsgType = "position_opened"
	MsgPositionClosed     MsgType = "position_closed"
	MsgCircuitBreaker     MsgType = "circuit_breaker_triggered"
	MsgVIXRegimeChange    MsgType = "vix_regime_change"
	MsgHeartbeat          MsgType = "heartbeat"
)

// WSMessage is a WebSocket message pushed to every connected client.
type WSMessage struct {
	Type      MsgType         `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client is one connected WebSocket subscriber.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out bus events to every connected introspection client.
// Unlike the teacher's Hub, there is no per-channel subscription model
// and no client->server command path -- every client receives every
// rebroadcast message, matching the read-only nature of this surface.
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// NewHub constructs a hub. Call Run in its own goroutine.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives client (un)registration and broadcast fan-out until the
// caller closes stop.
func (h *Hub) Run(stop <-chan struct{}) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-stop:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		case <-heartbeat.C:
			h.push(MsgHeartbeat, nil)
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) push(t MsgType, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			if h.logger != nil {
				h.logger.Error("observability: marshal push payload", zap.Error(err))
			}
			return
		}
		raw = b
	}
	msg := WSMessage{Type: t, Data: raw, Timestamp: time.Now().UnixMilli()}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- b:
	default:
		if h.logger != nil {
			h.logger.Warn("observability: broadcast channel full, dropping message")
		}
	}
}

// SubscribeBus rebroadcasts the named bus events to every connected
// client, translating each to the introspection-facing MsgType.
func (h *Hub) SubscribeBus(bus *events.EventBus) {
	wire := map[events.EventType]MsgType{
		events.PositionOpened:          MsgPositionOpened,
		events.PositionClosed:          MsgPositionClosed,
		events.CircuitBreakerTriggered: MsgCircuitBreaker,
		events.VIXRegimeChange:         MsgVIXRegimeChange,
	}
	for evType, msgType := range wire {
		evType, msgType := evType, msgType
		bus.Subscribe(evType, "observability_hub", 0, func(ev *events.Event) error {
			h.push(msgType, ev.Payload)
			return nil
		})
	}
}

// ReadPump drains (and discards) inbound frames to keep the connection
// alive and detect client disconnects; this surface accepts no
// client-originated commands.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// WritePump pumps hub broadcasts to the underlying connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
