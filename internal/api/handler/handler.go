package handler

import (
	"careline/backend/internal/auth"
	"careline/backend/internal/chathub"
	"careline/backend/internal/storage"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler holds the collaborators shared by all HTTP endpoints.
type Handler struct {
	Hub      *chathub.Hub
	Storage  storage.Storage
	Presence storage.Presence
	Issuer   *auth.Issuer
	log      *zap.Logger

	sessionOpts []chathub.Option
}

func NewHandler(hub *chathub.Hub, store storage.Storage, presence storage.Presence, issuer *auth.Issuer, log *zap.Logger, opts ...chathub.Option) *Handler {
	return &Handler{
		Hub:         hub,
		Storage:     store,
		Presence:    presence,
		Issuer:      issuer,
		log:         log.Named("http"),
		sessionOpts: opts,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)
	r.GET("/ws", h.Authenticate, h.ServeWebSocket)

	api := r.Group("/", h.Authenticate)
	api.GET("/me", h.GetMe)
	api.GET("/chats/:id", h.GetChat)
	api.GET("/chats/:id/messages", h.GetChatMessages)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
