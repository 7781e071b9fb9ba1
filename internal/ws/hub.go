// Package ws tracks live client connections grouped into per-user rooms and
// fans issue events out to them. Delivery is best-effort and at-most-once: a
// grantee with no open connections is skipped, a slow or dead connection is
// dropped without affecting delivery to anyone else.
package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNoUser is returned when a connection cannot be tied to a user identity.
// Such connections are closed before they join any room.
var ErrNoUser = errors.New("connection has no resolvable user id")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 32
)

// Event is the wire envelope pushed to clients.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Hub is the connection registry. It is mutated concurrently by
// connect/disconnect handling and read concurrently by fan-out.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*client]struct{})}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	once   sync.Once
}

// ServeConn joins the connection to the user's room and pumps messages until
// the peer goes away. Connections without a user id are rejected outright.
// Blocks until the connection closes.
func (h *Hub) ServeConn(conn *websocket.Conn, userID string) error {
	if userID == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthenticated"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return ErrNoUser
	}

	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
	if !h.register(c) {
		_ = conn.Close()
		return errors.New("hub is closed")
	}

	go c.writePump()
	c.readPump()
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
	return true
}

// unregister is idempotent: removing an already-removed connection is a no-op.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	if ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// Notify pushes one copy of the event to every open connection of every
// listed user. Users with no connections are skipped silently. A connection
// whose send buffer is full is dropped; the loop never blocks on one peer.
func (h *Hub) Notify(event string, data any, userIDs []string) {
	payload, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		log.Printf("ws: marshal %s event: %v", event, err)
		return
	}

	var stale []*client
	h.mu.RLock()
	for _, userID := range userIDs {
		for c := range h.rooms[userID] {
			select {
			case c.send <- payload:
			default:
				stale = append(stale, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		log.Printf("ws: dropping slow connection for user %s", c.userID)
		h.unregister(c)
	}
}

// ConnectionCount reports the number of open connections in a user's room.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Close drops every connection and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// readPump discards inbound frames; the channel is push-only. Its job is to
// notice the peer going away and trigger registry cleanup.
func (c *client) readPump() {
	defer c.hub.unregister(c)
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

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
