package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/auth"
	"github.com/custodia-pay/custodia/internal/idgen"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// CreateRequest is the body for registering an endpoint.
type CreateRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// Create handles POST /v1/webhooks. The secret is returned exactly once.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and a non-empty events list are required",
		})
		return
	}

	if err := ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": "Endpoint must be a public http(s) URL",
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		t := EventType(e)
		if !KnownEvent(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, t)
	}

	sub := &Subscription{
		ID:         idgen.WithPrefix("wh_"),
		OwnerEmail: auth.ActorEmail(c),
		URL:        req.URL,
		Secret:     idgen.Hex(32),
		Events:     events,
		Active:     true,
		CreatedAt:  time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret,
		"usage": gin.H{
			"signature": "hex(HMAC-SHA256(body, secret))",
			"header":    "X-Custodia-Signature",
		},
	})
}

// List handles GET /v1/webhooks.
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.GetByOwner(c.Request.Context(), auth.ActorEmail(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list webhooks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// Delete handles DELETE /v1/webhooks/:id. Other users' subscriptions are
// indistinguishable from missing ones.
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil || sub.OwnerEmail != auth.ActorEmail(c) {
		if err != nil && !errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load webhook",
			})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No such webhook",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete webhook",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
