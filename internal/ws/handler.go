package ws

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/puzzlearena/backend/internal/lobby"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by middleware.WebSocketCORSCheck before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Identifier resolves the caller of an upgrade request.
type Identifier interface {
	IdentifyRequest(r *http.Request) (lobby.Identity, error)
}

// Serve upgrades the request and attaches a new session to the hub. A request
// carrying an invalid token is refused before the upgrade.
func Serve(h *Hub, ids Identifier, svc Handler, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ident, err := ids.IdentifyRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("ws_upgrade_failed", zap.Error(err))
			return
		}

		client := newClient(uuid.NewString(), h, conn, ident, log)
		h.readers.Add(1)
		h.register(client)
		client.log.Info("ws_connected", zap.Bool("guest", ident.Guest))

		go client.writePump()
		// The request context ends when this handler returns.
		go client.readPump(context.Background(), svc)
	}
}
