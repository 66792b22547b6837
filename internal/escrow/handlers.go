package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradelock/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new escrow handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// CallerMiddleware resolves the calling account from the X-Account-ID
// header and stores it on the request context.
func CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader("X-Account-ID")
		if !validation.IsValidAddress(caller) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Account-ID header must be a valid account address",
			})
			return
		}
		c.Set("callerID", validation.SanitizeAddress(caller))
		c.Next()
	}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:account", h.GetPending)
}

// RegisterProtectedRoutes sets up routes requiring a caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.OpenEscrow)
	r.POST("/escrows/approve", h.ApproveEscrow)
	r.POST("/escrows/cancel", h.CancelEscrow)
	r.POST("/escrows/scan", h.RunScan)
}

// OpenEscrow handles POST /v1/escrows
func (h *Handler) OpenEscrow(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("seller_id", req.SellerID),
		validation.Required("ledger_ref", req.LedgerRef),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	record, err := h.coordinator.Open(c.Request.Context(), c.GetString("callerID"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": record})
}

// ApproveEscrow handles POST /v1/escrows/approve
func (h *Handler) ApproveEscrow(c *gin.Context) {
	record, err := h.coordinator.Approve(c.Request.Context(), c.GetString("callerID"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": record, "outcome": OutcomeApproved})
}

// CancelEscrow handles POST /v1/escrows/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	record, err := h.coordinator.Cancel(c.Request.Context(), c.GetString("callerID"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": record, "outcome": OutcomeRefunded})
}

// RunScan handles POST /v1/escrows/scan
func (h *Handler) RunScan(c *gin.Context) {
	settled, err := h.coordinator.TimeoutScan(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "scan_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settled": settled})
}

// GetPending handles GET /v1/escrows/:account
func (h *Handler) GetPending(c *gin.Context) {
	record, err := h.coordinator.ViewPending(c.Request.Context(), c.Param("account"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": gin.H{
		"sellerId":         record.SellerID,
		"lockedAmount":     record.LockedAmount,
		"reservedQuantity": record.ReservedQuantity,
		"createdAt":        record.CreatedAt,
	}})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No pending escrow for this account",
		})
	case errors.Is(err, ErrAlreadyPending):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_pending",
			"message": "An escrow is already pending for this buyer",
		})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidRecipient):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_recipient",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientAmount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_amount",
			"message": "Amount does not cover the escrow fee",
		})
	case errors.Is(err, ErrTransferFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "transfer_failed",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Escrow operation failed",
		})
	}
}
