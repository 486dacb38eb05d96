package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fleetdeck.control/internal/core/domain"
	"fleetdeck.control/internal/core/logger"
)

// Message is one frame pushed to connected observers.
type Message struct {
	Type    string `json:"type"` // "snapshot" or "shutdown"
	Payload any    `json:"payload,omitempty"`
}

// Hub holds the live observer connections and drives re-aggregation.
// Two triggers wake it: the filesystem-change channel (best effort,
// coalesced) and a fixed-interval ticker. Each wakeup recomputes the
// snapshot; a push only happens when its serialized form differs from
// the last broadcast payload. A slow or disconnected observer is
// dropped on first send failure and never blocks the others.
type Hub struct {
	aggregate func(ctx context.Context) domain.FleetState

	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]bool

	lastState   domain.FleetState
	lastPayload []byte
}

func NewHub(aggregate func(ctx context.Context) domain.FleetState) *Hub {
	return &Hub{
		aggregate:  aggregate,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run services registrations and the two re-aggregation triggers until
// the context is cancelled, then notifies every observer the server is
// shutting down and closes them.
func (h *Hub) Run(ctx context.Context, interval time.Duration, changes <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Seed the state so newly connecting clients get a snapshot even
	// before the first tick.
	h.push(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			state := h.lastState
			h.mu.Unlock()
			observersConnected.Inc()
			// On connect the observer immediately receives the current
			// snapshot; updates follow as state changes.
			client.send <- Message{Type: "snapshot", Payload: state}
		case client := <-h.unregister:
			h.drop(client)
		case <-ticker.C:
			h.push(ctx)
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			h.push(ctx)
		}
	}
}

// push recomputes the snapshot and broadcasts it unless the serialized
// form matches the previous push. Returns whether a broadcast went out.
func (h *Hub) push(ctx context.Context) bool {
	state := h.aggregate(ctx)
	payload := fingerprint(state)

	h.mu.Lock()
	if bytes.Equal(payload, h.lastPayload) {
		h.mu.Unlock()
		return false
	}
	h.lastState = state
	h.lastPayload = payload

	msg := Message{Type: "snapshot", Payload: state}
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			close(client.send)
			delete(h.clients, client)
			observersConnected.Dec()
		}
	}
	h.mu.Unlock()

	recordSnapshot(state)
	broadcastsTotal.Inc()
	return true
}

// fingerprint serializes the state for change comparison. GeneratedAt
// is zeroed first: two passes over unchanged disk state must compare
// equal even though they ran at different instants.
func fingerprint(state domain.FleetState) []byte {
	state.GeneratedAt = time.Time{}
	payload, _ := json.Marshal(state)
	return payload
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		observersConnected.Dec()
	}
	h.mu.Unlock()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- Message{Type: "shutdown", Payload: "server shutting down"}:
		default:
		}
		close(client.send)
		delete(h.clients, client)
		observersConnected.Dec()
	}
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is the middleman between one websocket connection and the hub.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// writePump pumps hub messages to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			json.NewEncoder(w).Encode(message)
			if err := w.Close(); err != nil {
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

// readPump discards inbound frames and unregisters on close.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeWs upgrades the request and attaches the connection to the hub.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &Client{hub: hub, conn: conn, send: make(chan Message, 16)}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
