package approval

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/auth"
	"github.com/custodia-pay/custodia/internal/payment"
)

// Handler provides the approval HTTP endpoint.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new approval handler.
func NewHandler(c *Coordinator) *Handler {
	return &Handler{coordinator: c}
}

// Approve handles POST /v1/payments/:id/approve. The actor's role is
// resolved from the token; the second side's approval triggers release.
func (h *Handler) Approve(c *gin.Context) {
	p, err := h.coordinator.Approve(c.Request.Context(), c.Param("id"), auth.ActorEmail(c))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
		case errors.Is(err, payment.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the payer or payee can approve release",
			})
		case errors.Is(err, payment.ErrAlreadyApproved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_approved",
				"message": "This side has already approved release",
			})
		case errors.Is(err, payment.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Payment must be funded before it can be approved for release",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to record approval",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment":       p,
		"payerApproved": p.PayerApproved,
		"payeeApproved": p.PayeeApproved,
		"releasing":     p.Status == payment.StatusReleasing,
	})
}
