package handler

import (
	"careline/backend/internal/auth"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter because browsers cannot set headers on websocket upgrades.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("token")
}

// Authenticate verifies the JWT and stores the caller's identity on the context.
func (h *Handler) Authenticate(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}
	id, err := h.Issuer.Parse(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}
	c.Set(identityKey, id)
	c.Next()
}

func identityFrom(c *gin.Context) auth.Identity {
	id, _ := c.Get(identityKey)
	identity, _ := id.(auth.Identity)
	return identity
}
