package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/auth"
	"github.com/custodia-pay/custodia/internal/payment"
)

// Handler provides read endpoints for escrows.
type Handler struct {
	manager  *Manager
	payments payment.Store
}

// NewHandler creates a new escrow handler.
func NewHandler(m *Manager, payments payment.Store) *Handler {
	return &Handler{manager: m, payments: payments}
}

// GetByPayment handles GET /v1/payments/:id/escrow. Participants only.
func (h *Handler) GetByPayment(c *gin.Context) {
	p, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load payment",
		})
		return
	}

	if payment.ResolveRole(p, auth.ActorEmail(c)) == payment.RoleNone && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You are not a participant of this payment",
		})
		return
	}

	e, err := h.manager.GetByPayment(c.Request.Context(), p.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow for this payment",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
