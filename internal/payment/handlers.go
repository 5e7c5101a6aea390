package payment

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/auth"
	"github.com/custodia-pay/custodia/internal/validation"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
	events  EventStore
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, events EventStore) *Handler {
	return &Handler{service: service, events: events}
}

func actor(c *gin.Context) string {
	return auth.ActorEmail(c)
}

// Create handles POST /v1/payments.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("payerEmail", req.PayerEmail),
		validation.ValidEmail("payerEmail", req.PayerEmail),
		validation.Required("payeeEmail", req.PayeeEmail),
		validation.ValidEmail("payeeEmail", req.PayeeEmail),
		validation.MaxLength("releaseConditions", req.ReleaseConditions, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}
	req.ReleaseConditions = validation.SanitizeString(req.ReleaseConditions, validation.MaxStringLength)

	p, err := h.service.Create(c.Request.Context(), req, actor(c))
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Only a participant can create this payment",
			})
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "create_failed",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"payment":    p,
		"depositRef": p.DepositRef,
	})
}

// Get handles GET /v1/payments/:id. Participants only.
func (h *Handler) Get(c *gin.Context) {
	p, ok := h.loadForParticipant(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// List handles GET /v1/payments — the caller's payments, cursor-paginated.
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	payments, next, err := h.service.ListByParticipant(c.Request.Context(), actor(c), c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Pagination cursor is malformed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list payments",
		})
		return
	}
	resp := gin.H{
		"payments": payments,
		"count":    len(payments),
		"hasMore":  next != "",
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Timeline handles GET /v1/payments/:id/events.
func (h *Handler) Timeline(c *gin.Context) {
	p, ok := h.loadForParticipant(c)
	if !ok {
		return
	}

	events, err := h.events.List(c.Request.Context(), p.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load payment timeline",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// Accept handles POST /v1/payments/:id/accept (pull flow, payer only).
func (h *Handler) Accept(c *gin.Context) {
	p, err := h.service.AcceptRequest(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Reject handles POST /v1/payments/:id/reject (pull flow, payer only).
func (h *Handler) Reject(c *gin.Context) {
	p, err := h.service.Reject(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// Cancel handles POST /v1/payments/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	p, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		respondCommandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

func (h *Handler) loadForParticipant(c *gin.Context) (*Payment, bool) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment not found",
			})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to load payment",
			})
		}
		return nil, false
	}

	if ResolveRole(p, actor(c)) == RoleNone && !auth.IsAdmin(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You are not a participant of this payment",
		})
		return nil, false
	}
	return p, true
}

// respondCommandError maps service errors to HTTP responses.
func respondCommandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment not found",
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this payment operation",
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Payment is not in a state that allows this operation",
		})
	case errors.Is(err, ErrAlreadyApproved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_approved",
			"message": "Approval already recorded for this side",
		})
	default:
		msg := strings.TrimSpace(err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": msg,
		})
	}
}
