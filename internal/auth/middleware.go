package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the key for the authenticated user's ID
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for the authenticated role
	ContextKeyRole = "authRole"
	// ContextKeyStoreID is the key for a seller's store ID
	ContextKeyStoreID = "authStoreID"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey, authUserID, authRole and authStoreID in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				c.Set(ContextKeyRole, string(key.Role))
				c.Set(ContextKeyStoreID, key.StoreID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole middleware requires auth AND one of the listed roles.
// Admins pass every role gate.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		if key.Role != RoleAdmin {
			allowed := false
			for _, r := range roles {
				if key.Role == r {
					allowed = true
					break
				}
			}
			if !allowed {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "This endpoint requires a different role.",
				})
				return
			}
		}

		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
