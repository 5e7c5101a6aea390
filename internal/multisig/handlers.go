package multisig

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/custodia-pay/custodia/internal/validation"
)

// Handler provides HTTP endpoints for multi-sig requests and the wallet
// configuration admin surface.
type Handler struct {
	service *Service
}

// NewHandler creates a new multi-sig handler.
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// Get handles GET /v1/multisig/:id.
func (h *Handler) Get(c *gin.Context) {
	req, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	sigs, err := h.service.Signatures(c.Request.Context(), req.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load signatures",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request":    req,
		"signatures": sigs,
	})
}

// SignRequest is the body for approving or rejecting a request.
type SignRequest struct {
	Signer    string `json:"signer" binding:"required"`
	Signature string `json:"signature"`
}

// Approve handles POST /v1/multisig/:id/approve. Crossing the threshold
// executes the release unless a pre-approval deadline holds it.
func (h *Handler) Approve(c *gin.Context) {
	var body SignRequest
	if err := c.ShouldBindJSON(&body); err != nil || !validation.IsValidEthAddress(body.Signer) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signer must be a valid signer address",
		})
		return
	}

	req, err := h.service.Approve(c.Request.Context(), c.Param("id"), body.Signer, body.Signature)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// Reject handles POST /v1/multisig/:id/reject.
func (h *Handler) Reject(c *gin.Context) {
	var body SignRequest
	if err := c.ShouldBindJSON(&body); err != nil || !validation.IsValidEthAddress(body.Signer) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signer must be a valid signer address",
		})
		return
	}

	req, err := h.service.Reject(c.Request.Context(), c.Param("id"), body.Signer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// CreateWalletRequest is the body for registering a wallet configuration.
// Creating a config with an existing name versions it; open requests keep
// the version they were created against.
type CreateWalletRequest struct {
	Name            string   `json:"name" binding:"required"`
	Address         string   `json:"address" binding:"required"`
	Owners          []string `json:"owners" binding:"required"`
	RequiredSigs    int      `json:"requiredSigs" binding:"required"`
	RejectThreshold int      `json:"rejectThreshold"`
}

// CreateWallet handles POST /v1/admin/wallets.
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "name, address, owners and requiredSigs are required",
		})
		return
	}
	for _, owner := range req.Owners {
		if !validation.IsValidEthAddress(owner) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_owner",
				"message": "owners must be valid signer addresses",
			})
			return
		}
	}

	w, err := h.service.CreateWallet(c.Request.Context(), req.Name, req.Address,
		req.Owners, req.RequiredSigs, req.RejectThreshold)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_config",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// ListWallets handles GET /v1/admin/wallets.
func (h *Handler) ListWallets(c *gin.Context) {
	wallets, err := h.service.ListWallets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list wallet configurations",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// respondError maps multi-sig errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Release request not found",
		})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Signer is not an owner of this wallet",
		})
	case errors.Is(err, ErrAlreadySigned):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_signed",
			"message": "This signer has already signed the request",
		})
	case errors.Is(err, ErrAlreadyExecuted):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_executed",
			"message": "The release has already been executed",
		})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Request is not in a state that allows this operation",
		})
	case errors.Is(err, ErrExecutionFailed):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "execution_failed",
			"message": "Chain transfer failed; the request can be retried",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Multi-sig operation failed",
		})
	}
}
