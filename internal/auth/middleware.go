package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// contextKeyClaims is the Gin context key holding the validated Claims.
const contextKeyClaims = "gateway.claims"

// RequireAuth validates the bearer token (or, for a WebSocket upgrade
// request, the "token" query parameter) and stores the resulting Claims
// in the Gin context.
//
// WebSocket upgrades get status-code-only failures (no JSON body) since
// the upgrader expects a clean HTTP response to complete or reject the
// handshake.
func RequireAuth(manager *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		isWebSocket := strings.EqualFold(c.GetHeader("Upgrade"), "websocket") &&
			strings.Contains(strings.ToLower(c.GetHeader("Connection")), "upgrade")

		tokenString := ""
		if isWebSocket {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			authHeader := c.GetHeader("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abort(c, isWebSocket, http.StatusUnauthorized, "authorization header required")
				return
			}
			tokenString = parts[1]
		}

		claims, err := manager.ValidateToken(tokenString)
		if err != nil {
			abort(c, isWebSocket, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		c.Set(contextKeyClaims, claims)
		c.Next()
	}
}

func abort(c *gin.Context, isWebSocket bool, status int, message string) {
	if isWebSocket {
		c.AbortWithStatus(status)
		return
	}
	c.JSON(status, gin.H{"error": message})
	c.Abort()
}

// ClaimsFromContext extracts the validated Claims stored by RequireAuth.
func ClaimsFromContext(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(contextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
