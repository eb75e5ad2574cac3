package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for auth management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// Info returns auth configuration info.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API keys are issued by an administrator. Store yours securely.",
		"roles":     []string{"buyer", "seller", "admin"},
	})
}

// ListKeys returns API keys for the authenticated user.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"role":      k.Role,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional API key with the caller's identity.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.UserID, key.Role, key.StoreID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// IssueKeyRequest is an admin's request to issue a key for a user.
type IssueKeyRequest struct {
	UserID  string `json:"userId" binding:"required"`
	Role    string `json:"role" binding:"required"`
	StoreID string `json:"storeId"`
	Name    string `json:"name"`
}

// IssueKey creates a key for another user. Admin only (routed so).
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Name == "" {
		req.Name = "Issued key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), req.UserID, Role(req.Role), req.StoreID, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "failed to create key",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"userId":  newKey.UserID,
		"role":    newKey.Role,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")

	// Prevent revoking current key
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.UserID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// WhoAmI returns the authenticated identity.
func (h *Handler) WhoAmI(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	resp := gin.H{
		"userId":    key.UserID,
		"role":      key.Role,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	}
	if key.StoreID != "" {
		resp["storeId"] = key.StoreID
	}
	c.JSON(http.StatusOK, resp)
}
