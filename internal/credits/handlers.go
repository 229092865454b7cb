package credits

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/satwatch/satwatch/internal/session"
	"github.com/satwatch/satwatch/internal/validation"
)

// Handler provides HTTP endpoints for balance reads. Mutation happens
// through spends and payment settlement, never directly over HTTP.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new credits handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up credit routes. The group must carry the owner
// middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits/balance", h.GetBalance)
	r.GET("/credits/check", h.CheckCredits)
}

// GetBalance handles GET /v1/credits/balance
func (h *Handler) GetBalance(c *gin.Context) {
	o, ok := session.CurrentOwner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_required", "message": "No owner resolved"})
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), o)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// CheckCredits handles GET /v1/credits/check?amount=N. The answer is
// advisory; only a spend is authoritative.
func (h *Handler) CheckCredits(c *gin.Context) {
	o, ok := session.CurrentOwner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_required", "message": "No owner resolved"})
		return
	}

	amount, ok := validation.ParseSats(c.Query("amount"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive integer number of sats",
		})
		return
	}

	sufficient, err := h.ledger.HasCredits(c.Request.Context(), o, amount)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sufficient": sufficient})
}
