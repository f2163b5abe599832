// Package realtime serves market and settlement pushes to directly connected
// WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"premium-market/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// Envelope wraps every pushed payload
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// UserTopic is the envelope type of messages routed to a single user
const UserTopic = "prediction-result"

type client struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub tracks connected clients and implements pubsub.Sink. Clients identify
// themselves with ?user_id= to receive their own settlement results.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the client until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		userID: r.URL.Query().Get("user_id"),
		send:   make(chan []byte, sendBuffer),
	}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebsocketClients.Set(float64(n))
	h.logger.WithFields(logrus.Fields{"user_id": c.userID, "clients": n}).Debug("WebSocket client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.WebsocketClients.Set(float64(n))
}

// readPump discards inbound frames; it exists to notice disconnects and pongs
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Broadcast queues payload for every client. Slow clients drop messages.
func (h *Hub) Broadcast(_ context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(Envelope{Type: topic, Data: payload})
	if err != nil {
		return err
	}
	h.deliver(data, func(*client) bool { return true })
	return nil
}

// EmitToUser queues payload for the clients connected as userID
func (h *Hub) EmitToUser(_ context.Context, userID string, payload interface{}) error {
	data, err := json.Marshal(Envelope{Type: UserTopic, Data: payload})
	if err != nil {
		return err
	}
	h.deliver(data, func(c *client) bool { return c.userID != "" && c.userID == userID })
	return nil
}

func (h *Hub) deliver(data []byte, match func(*client) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !match(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.WithField("user_id", c.userID).Debug("Dropping message for slow WebSocket client")
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
