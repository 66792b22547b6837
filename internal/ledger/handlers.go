package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradelock/escrowd/internal/idgen"
	"github.com/tradelock/escrowd/internal/validation"
)

// Handler exposes custody operations over HTTP.
type Handler struct {
	custodian *Custodian
}

// NewHandler creates a ledger HTTP handler.
func NewHandler(custodian *Custodian) *Handler {
	return &Handler{custodian: custodian}
}

// RegisterRoutes registers account routes on the given router group.
// Routes use the :account URL parameter and expect AccountParamMiddleware
// upstream.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:account/deposit", h.Deposit)
	r.GET("/accounts/:account/balance", h.GetBalance)
	r.GET("/accounts/:account/history", h.GetHistory)
}

// DepositRequest credits an account's available balance.
type DepositRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /accounts/:account/deposit
func (h *Handler) Deposit(c *gin.Context) {
	account := validation.SanitizeAddress(c.Param("account"))

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	reference := req.Reference
	if reference == "" {
		reference = idgen.WithPrefix("dep_")
	}

	if err := h.custodian.Deposit(c.Request.Context(), account, req.Amount, reference); err != nil {
		h.writeError(c, err)
		return
	}

	balance, err := h.custodian.GetBalance(c.Request.Context(), account)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountAddr": account,
		"reference":   reference,
		"balance":     balance,
	})
}

// GetBalance handles GET /accounts/:account/balance
func (h *Handler) GetBalance(c *gin.Context) {
	account := validation.SanitizeAddress(c.Param("account"))

	balance, err := h.custodian.GetBalance(c.Request.Context(), account)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

// GetHistory handles GET /accounts/:account/history?limit=N
func (h *Handler) GetHistory(c *gin.Context) {
	account := validation.SanitizeAddress(c.Param("account"))

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.custodian.GetHistory(c.Request.Context(), account, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountAddr": account,
		"entries":     entries,
		"count":       len(entries),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidRecipient):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_recipient",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "insufficient_balance",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "an unexpected error occurred",
		})
	}
}
