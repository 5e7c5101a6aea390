package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/automation"
	"github.com/custodia-pay/custodia/internal/payment"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	jobs     JobTrigger
	releases ReleaseRetrier
	payments PaymentLister
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithJobs sets the automation scheduler for manual triggers.
func (h *Handler) WithJobs(j JobTrigger) *Handler {
	h.jobs = j
	return h
}

// WithReleases sets the coordinator for stuck-release recovery.
func (h *Handler) WithReleases(r ReleaseRetrier) *Handler {
	h.releases = r
	return h
}

// WithPayments sets the payment store for status listings.
func (h *Handler) WithPayments(p PaymentLister) *Handler {
	h.payments = p
	return h
}

// RegisterRoutes sets up admin routes on an already-guarded group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/jobs", h.listJobs)
	r.POST("/admin/jobs/:name/run", h.runJob)
	r.GET("/admin/payments", h.listPayments)
	r.POST("/admin/payments/:id/retry-release", h.retryRelease)
}

// listJobs returns the registered automation jobs.
func (h *Handler) listJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "automation not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.jobs.JobNames()})
}

// runJob triggers one automation job outside its schedule.
func (h *Handler) runJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "automation not configured"})
		return
	}

	result, err := h.jobs.Trigger(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, automation.ErrUnknownJob) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_job",
				"message": "No job registered under that name",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trigger_failed", "message": err.Error()})
		return
	}

	status := http.StatusOK
	if result.Err != "" {
		status = http.StatusConflict // skipped or failed run; details in the result
	}
	c.JSON(status, gin.H{"result": result})
}

// listPayments returns payments by status for ops review.
func (h *Handler) listPayments(c *gin.Context) {
	if h.payments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment store not configured"})
		return
	}

	status := payment.Status(c.DefaultQuery("status", string(payment.StatusReleasing)))
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	payments, err := h.payments.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// retryRelease re-dispatches a payment stuck in releasing.
func (h *Handler) retryRelease(c *gin.Context) {
	if h.releases == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "release coordinator not configured"})
		return
	}

	if err := h.releases.RetryRelease(c.Request.Context(), c.Param("id")); err != nil {
		switch {
		case errors.Is(err, payment.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
		case errors.Is(err, payment.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_state",
				"message": "Only payments in releasing can be re-dispatched",
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "dispatch_failed",
				"message": "Release dispatch failed; it can be retried",
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispatched": true, "paymentId": c.Param("id")})
}
