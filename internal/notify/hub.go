package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/greenride/internal/auth"
	"github.com/example/greenride/internal/ride/domain"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub pushes ride events to the participants connected over websockets.
// A user may hold several connections; each one receives every event
// addressed to that user.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*client]struct{}
	logger  *zap.Logger
}

type client struct {
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[uuid.UUID]map[*client]struct{}), logger: logger}
}

// ServeWS upgrades an authenticated request and streams the caller's events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go c.writePump()
	go h.readPump(c)
}

// Connections reports how many sockets userID has open.
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Publish satisfies domain.EventPublisher. Slow clients whose buffer is full
// are disconnected rather than blocking the publisher.
func (h *Hub) Publish(_ context.Context, event domain.RideEvent) error {
	recipients := Recipients(event)
	if len(recipients) == 0 {
		return nil
	}
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var slow []*client
	h.mu.RLock()
	for _, id := range recipients {
		for c := range h.clients[id] {
			select {
			case c.send <- msg:
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", zap.String("user_id", c.userID.String()))
		h.unregister(c)
	}
	return nil
}

// Subscribe forwards every ride event on subject to connected clients. Each
// replica subscribes on its own since sockets are local to a process.
func (h *Hub) Subscribe(conn *nats.Conn, subject string) (*nats.Subscription, error) {
	return conn.Subscribe(subject, func(msg *nats.Msg) {
		var event domain.RideEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			h.logger.Warn("undecodable ride event", zap.Error(err))
			return
		}
		_ = h.Publish(context.Background(), event)
	})
}

// Recipients lists the users an event concerns, without duplicates.
func Recipients(event domain.RideEvent) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(raw string) {
		id, err := uuid.Parse(raw)
		if err != nil {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, key := range []string{"driver_id", "traveler_id", "to"} {
		if s, ok := event.Payload[key].(string); ok {
			add(s)
		}
	}
	switch travelers := event.Payload["travelers"].(type) {
	case []string:
		for _, s := range travelers {
			add(s)
		}
	case []any:
		for _, v := range travelers {
			if s, ok := v.(string); ok {
				add(s)
			}
		}
	}
	return out
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	close(c.send)
}

// readPump only services control frames; clients do not send data.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
