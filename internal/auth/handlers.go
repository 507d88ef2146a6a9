package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the caller's identity and API keys.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the handlers on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// Info describes the accepted credentials. Public.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"schemes": []string{"Authorization: Bearer <jwt>", "Authorization: Bearer sk_...", "X-API-Key: sk_..."},
		"note":    "JWT subject is the party id. Operator access is granted by configuration only.",
	})
}

// Me returns the authenticated identity.
func (h *Handler) Me(c *gin.Context) {
	id, _ := GetIdentity(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "identity": id})
}

// ListKeys returns the caller's API keys.
func (h *Handler) ListKeys(c *gin.Context) {
	id, _ := GetIdentity(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), id.PartyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal",
			"message": "Failed to list keys",
		})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "keys": keys, "count": len(keys)})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues a new API key for the caller. The raw key is returned once.
func (h *Handler) CreateKey(c *gin.Context) {
	id, _ := GetIdentity(c)

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = "Operator tooling"
	}
	if len(req.Name) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation",
			"message": "name must be at most 100 characters",
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), id.PartyID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"apiKey":  rawKey,
		"key":     key,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	id, _ := GetIdentity(c)
	keyID := c.Param("keyId")

	if keyID == id.KeyID {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, id.PartyID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Key revoked", "keyId": keyID})
}
