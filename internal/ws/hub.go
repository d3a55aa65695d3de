package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/lobby"
)

// Hub indexes the connections attached to this process by id, by user and
// by lobby room. Events from other processes arrive through the events
// subscriber and are fanned out here.
type Hub struct {
	clients map[string]*Client            // connID -> Client
	users   map[string]map[string]*Client // userID -> connID -> Client
	rooms   map[string]map[string]*Client // lobbyID -> connID -> Client
	mu      sync.RWMutex

	// readers tracks live read loops so shutdown can wait for disconnect
	// cleanup to finish.
	readers sync.WaitGroup
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]*Client),
		users:   make(map[string]map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		log:     log,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c.id] = c
	uid := c.session.UserID
	if _, ok := h.users[uid]; !ok {
		h.users[uid] = make(map[string]*Client)
	}
	h.users[uid][c.id] = c
	h.log.Debug("ws_registered", zap.String("conn", c.id), zap.String("user", uid), zap.Int("clients", len(h.clients)))
}

// unregister drops c from every index and closes its send channel.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; !ok || cur != c {
		return
	}
	delete(h.clients, c.id)

	uid := c.session.UserID
	if conns, ok := h.users[uid]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.users, uid)
		}
	}
	for lobbyID := range c.rooms {
		h.removeFromRoom(c, lobbyID)
	}
	close(c.send)
	h.log.Debug("ws_unregistered", zap.String("conn", c.id), zap.String("user", uid), zap.Int("clients", len(h.clients)))
}

func (h *Hub) joinRoom(c *Client, lobbyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.id]; !ok || cur != c {
		return
	}
	if _, ok := h.rooms[lobbyID]; !ok {
		h.rooms[lobbyID] = make(map[string]*Client)
	}
	h.rooms[lobbyID][c.id] = c
	c.rooms[lobbyID] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, lobbyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(c, lobbyID)
}

// removeFromRoom expects h.mu to be held.
func (h *Hub) removeFromRoom(c *Client, lobbyID string) {
	delete(c.rooms, lobbyID)
	if room, ok := h.rooms[lobbyID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, lobbyID)
		}
	}
}

// DeliverToLobby sends frame to every local connection in the lobby room.
func (h *Hub) DeliverToLobby(lobbyID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[lobbyID] {
		h.enqueue(c, frame)
	}
}

// DeliverToUser sends frame to every local connection of the user.
func (h *Hub) DeliverToUser(userID string, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.users[userID] {
		h.enqueue(c, frame)
	}
}

// sendTo delivers frame to c if it is still registered.
func (h *Hub) sendTo(c *Client, frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		h.enqueue(c, frame)
	}
}

// enqueue expects h.mu to be held for reading.
func (h *Hub) enqueue(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.log.Warn("ws_send_buffer_full", zap.String("conn", c.id), zap.String("user", c.session.UserID))
	}
}

// Sessions returns the sessions of all registered connections.
func (h *Hub) Sessions() []*lobby.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*lobby.Session, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.session)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and waits until their disconnect cleanup
// has run or ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	deadline := time.Now().Add(time.Second)
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.readers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
