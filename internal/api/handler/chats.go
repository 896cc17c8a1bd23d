package handler

import (
	"careline/backend/internal/storage"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GetMe returns the caller's profile.
func (h *Handler) GetMe(c *gin.Context) {
	id := identityFrom(c)
	profile, err := h.Storage.GetProfile(c.Request.Context(), id.AccountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// GetChat returns a chat the caller took part in, including ended ones.
func (h *Handler) GetChat(c *gin.Context) {
	chat, err := h.Storage.GetChat(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !chat.IsParticipant(identityFrom(c).AccountID) {
		h.fail(c, storage.ErrNotParticipant)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// GetChatMessages returns the retained log of a chat the caller took part in.
func (h *Handler) GetChatMessages(c *gin.Context) {
	ctx := c.Request.Context()
	chatID := c.Param("id")
	chat, err := h.Storage.GetChat(ctx, chatID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !chat.IsParticipant(identityFrom(c).AccountID) {
		h.fail(c, storage.ErrNotParticipant)
		return
	}
	msgs, err := h.Storage.ListMessages(ctx, chatID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chatID, "messages": msgs})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, storage.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant of this chat"})
	default:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
