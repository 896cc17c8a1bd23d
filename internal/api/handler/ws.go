package handler

import (
	"careline/backend/internal/chathub"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The SPA is served from a different origin in development.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the connection and binds a new Session to it.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	id := identityFrom(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Warn("websocket upgrade failed", zap.String("account_id", id.AccountID), zap.Error(err))
		return
	}

	session := chathub.NewSession(id, h.Storage, h.Presence, h.log, h.sessionOpts...)
	client := chathub.NewWebSocketClient(conn, h.Hub, session, h.log)

	// The hub starts the client once it is counted for presence.
	if !h.Hub.Register(client) {
		conn.Close()
	}
}
