package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for token management.
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
		"type":   "bearer_jwt",
		"header": "Authorization: Bearer <token>",
		"note":   "Tokens carry the actor email and an optional admin claim.",
	})
}

// MintTokenRequest is the request body for minting a token. The endpoint
// is admin-guarded; in production tokens come from the identity provider.
type MintTokenRequest struct {
	Email string `json:"email" binding:"required"`
	Admin bool   `json:"admin"`
}

// MintToken issues a token for the given actor.
func (h *Handler) MintToken(c *gin.Context) {
	var req MintTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email is required",
		})
		return
	}

	token, err := h.manager.IssueToken(req.Email, req.Admin)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue token",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"email":     req.Email,
		"admin":     req.Admin,
		"expiresIn": DefaultTokenTTL.String(),
	})
}

// Me returns the authenticated actor.
func (h *Handler) Me(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"email":     claims.Email,
		"admin":     claims.Admin,
		"expiresAt": claims.ExpiresAt,
	})
}
