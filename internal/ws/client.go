package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/events"
	"github.com/puzzlearena/backend/internal/lobby"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 65536
	sendBuffer     = 256
)

// Handler is the session logic behind a connection.
type Handler interface {
	Handle(ctx context.Context, s *lobby.Session, event string, data json.RawMessage) any
	Disconnect(ctx context.Context, s *lobby.Session)
	Refresh(ctx context.Context, s *lobby.Session)
}

// Client is one websocket connection. It implements lobby.Conn.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *lobby.Session
	rooms   map[string]struct{} // guarded by hub.mu
	log     *zap.Logger
}

func newClient(id string, h *Hub, conn *websocket.Conn, ident lobby.Identity, log *zap.Logger) *Client {
	c := &Client{
		id:    id,
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
		log:   log.With(zap.String("conn", id), zap.String("user", ident.UserID)),
	}
	c.session = lobby.NewSession(id, ident, c)
	return c
}

func (c *Client) Send(event string, data any) {
	frame, err := events.Encode(event, data)
	if err != nil {
		c.log.Error("ws_encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	c.hub.sendTo(c, frame)
}

func (c *Client) JoinRoom(lobbyID string)  { c.hub.joinRoom(c, lobbyID) }
func (c *Client) LeaveRoom(lobbyID string) { c.hub.leaveRoom(c, lobbyID) }

// readPump handles inbound frames in arrival order. On exit it runs the
// disconnect cleanup while the session still knows its lobbies, then
// unregisters.
func (c *Client) readPump(ctx context.Context, svc Handler) {
	defer func() {
		svc.Disconnect(ctx, c.session)
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.readers.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Info("ws_closed_unexpectedly", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f events.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			c.log.Debug("ws_bad_frame", zap.Int("bytes", len(message)))
			continue
		}

		reply := svc.Handle(ctx, c.session, f.Event, f.Data)
		if f.Ack == nil {
			continue
		}
		frame, err := events.EncodeAck(*f.Ack, reply)
		if err != nil {
			c.log.Error("ws_ack_encode_failed", zap.String("event", f.Event), zap.Error(err))
			continue
		}
		c.hub.sendTo(c, frame)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings. It exits when the hub closes the channel.
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("ws_write_failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ws_ping_failed", zap.Error(err))
				return
			}
		}
	}
}
