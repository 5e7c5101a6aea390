package kyc

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/auth"
	"github.com/custodia-pay/custodia/internal/validation"
)

// Handler provides HTTP endpoints for identity verification.
type Handler struct {
	service *Service
}

// NewHandler creates a new KYC handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRequest is the body for submitting a verification request.
type RegisterRequest struct {
	FullName string `json:"fullName" binding:"required"`
	Country  string `json:"country" binding:"required"`
}

// Register handles POST /v1/kyc — the caller submits their own record.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "fullName and country are required",
		})
		return
	}

	r, err := h.service.Register(c.Request.Context(), auth.ActorEmail(c),
		validation.SanitizeString(req.FullName, 200),
		validation.SanitizeString(req.Country, 100))
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "A verification record already exists for this email",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register verification request",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": r})
}

// Me handles GET /v1/kyc/me.
func (h *Handler) Me(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), auth.ActorEmail(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No verification record for this email",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load verification record",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": r})
}

// ListPending handles GET /v1/admin/kyc — the review queue.
func (h *Handler) ListPending(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	records, err := h.service.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list pending records",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// ReviewRequest is the body for an admin verification decision.
type ReviewRequest struct {
	Email    string `json:"email" binding:"required"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// Review handles POST /v1/admin/kyc/review.
func (h *Handler) Review(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidEmail(req.Email) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email is required",
		})
		return
	}

	var err error
	if req.Approved {
		err = h.service.Approve(c.Request.Context(), req.Email)
	} else {
		err = h.service.Reject(c.Request.Context(), req.Email,
			validation.SanitizeString(req.Reason, validation.MaxStringLength))
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No verification record for this email",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record decision",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": req.Email, "approved": req.Approved})
}
