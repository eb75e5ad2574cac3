// Package security provides the hardening middleware and outbound
// endpoint checks for the Akatua API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware sets the standard hardening headers on every
// response. The API serves JSON only, so the CSP locks everything down
// except the websocket feed.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:; frame-ancestors 'none'")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		c.Next()
	}
}

// CORSMiddleware answers cross-origin requests for the allowed origin
// list. An empty list or a "*" entry admits any origin, in which case
// credentials are never allowed.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	wildcard := len(allowedOrigins) == 0 || allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if wildcard || allowed[origin] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-API-Key")
			c.Header("Access-Control-Max-Age", "86400")
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
