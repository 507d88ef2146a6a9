package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by Middleware. The deal handlers read the same keys.
const (
	ContextKeyIdentity = "authIdentity"
	ContextKeyPartyID  = "authPartyID"
	ContextKeyOperator = "authOperator"
)

// Middleware resolves the Authorization (or X-API-Key) header and stores
// the caller's identity in the context. Browsers cannot set headers on a
// WebSocket handshake, so upgrades may pass the credential as ?token=.
// Invalid credentials are treated as absent; RequireAuth decides whether
// that is acceptable.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("Authorization")
		if credential == "" {
			credential = c.GetHeader("X-API-Key")
		}
		if credential == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			credential = c.Query("token")
		}

		if credential != "" {
			id, err := m.Authenticate(c.Request.Context(), credential)
			if err == nil {
				c.Set(ContextKeyIdentity, id)
				c.Set(ContextKeyPartyID, id.PartyID)
				c.Set(ContextKeyOperator, id.Operator)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthenticated",
				"message": "Credentials required. Include 'Authorization: Bearer <token>' or an sk_ API key.",
			})
			return
		}
		c.Next()
	}
}

// RequireOperator rejects callers that are not configured operators.
func RequireOperator() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "unauthenticated",
				"message": "Credentials required.",
			})
			return
		}
		if !id.Operator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "forbidden",
				"message": "Operator access required.",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the caller identity (if authenticated)
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}
