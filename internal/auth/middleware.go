package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyClaims is the key for storing verified claims in gin context
	ContextKeyClaims = "authClaims"
	// ContextKeyEmail is the key for storing the authenticated actor email
	ContextKeyEmail = "authEmail"
)

// Middleware extracts and validates the bearer token from the request.
// Sets claims and actor email in context if valid; never rejects on its
// own, so public endpoints can share the chain.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw != "" {
			claims, err := m.VerifyToken(raw)
			if err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyEmail, claims.Email)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyClaims); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests that carry neither an admin token claim
// nor the shared admin secret in X-Admin-Secret.
func RequireAdmin(adminSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, ok := GetClaims(c); ok && claims.Admin {
			c.Next()
			return
		}

		header := c.GetHeader("X-Admin-Secret")
		if adminSecret != "" && header != "" &&
			subtle.ConstantTimeCompare([]byte(header), []byte(adminSecret)) == 1 {
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin access required.",
		})
	}
}

// GetClaims returns the verified claims from context (if authenticated).
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// ActorEmail returns the authenticated actor's email, or "".
func ActorEmail(c *gin.Context) string {
	v, exists := c.Get(ContextKeyEmail)
	if !exists {
		return ""
	}
	email, _ := v.(string)
	return email
}

// IsAdmin reports whether the request carries an admin claim.
func IsAdmin(c *gin.Context) bool {
	claims, ok := GetClaims(c)
	return ok && claims.Admin
}
