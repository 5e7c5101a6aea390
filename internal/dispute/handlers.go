package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/auth"
	"github.com/custodia-pay/custodia/internal/payment"
	"github.com/custodia-pay/custodia/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new dispute handler.
func NewHandler(e *Engine) *Handler {
	return &Handler{engine: e}
}

// RaiseRequest is the body for raising a dispute. Details and the
// evidence reference are optional context for the arbiter.
type RaiseRequest struct {
	Reason      string `json:"reason" binding:"required"`
	Details     string `json:"details"`
	EvidenceRef string `json:"evidenceRef"`
}

// Raise handles POST /v1/payments/:id/disputes.
func (h *Handler) Raise(c *gin.Context) {
	var req RaiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)
	req.Details = validation.SanitizeString(req.Details, validation.MaxStringLength)
	req.EvidenceRef = validation.SanitizeString(req.EvidenceRef, validation.MaxStringLength)

	d, err := h.engine.Raise(c.Request.Context(), c.Param("id"), auth.ActorEmail(c),
		req.Reason, req.Details, req.EvidenceRef)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only the payer or payee can raise a dispute",
			})
		case errors.Is(err, ErrAlreadyOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "dispute_open",
				"message": "This payment already has an active dispute",
			})
		case errors.Is(err, ErrNotDisputable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Only funded payments can be disputed",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to raise dispute",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id.
func (h *Handler) Get(c *gin.Context) {
	d, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// History handles GET /v1/disputes/:id/history.
func (h *Handler) History(c *gin.Context) {
	d, ok := h.load(c)
	if !ok {
		return
	}
	entries, err := h.engine.History(c.Request.Context(), d.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load dispute history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// ListOpen handles GET /v1/admin/disputes — the arbitration queue.
func (h *Handler) ListOpen(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	disputes, err := h.engine.ListOpen(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list open disputes",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ResolveRequest is the body for resolving a dispute.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"` // "refund" or "dismissed"
	Note       string `json:"note"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required",
		})
		return
	}

	res := Resolution(req.Resolution)
	if res != ResolutionRefund && res != ResolutionDismissed {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_resolution",
			"message": "resolution must be 'refund' or 'dismissed'",
		})
		return
	}

	d, err := h.engine.Resolve(c.Request.Context(), c.Param("id"), res,
		auth.ActorEmail(c), validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
		case errors.Is(err, ErrResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "Dispute has already been resolved",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to resolve dispute",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// RetryRefund handles POST /v1/admin/disputes/:id/retry-refund.
func (h *Handler) RetryRefund(c *gin.Context) {
	if err := h.engine.RetryRefund(c.Request.Context(), c.Param("id")); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
		case errors.Is(err, ErrNotDisputable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Dispute has no failed refund to retry",
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "refund_failed",
				"message": "Refund attempt failed; it can be retried",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refund_processed"})
}

func (h *Handler) load(c *gin.Context) (*Dispute, bool) {
	d, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load dispute",
			})
		}
		return nil, false
	}
	return d, true
}
