package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/satwatch/satwatch/internal/credits"
	"github.com/satwatch/satwatch/internal/logging"
	"github.com/satwatch/satwatch/internal/session"
	"github.com/satwatch/satwatch/internal/traces"
	"github.com/satwatch/satwatch/internal/usage"
	"github.com/satwatch/satwatch/internal/validation"
)

// spendRequest is the body of POST /v1/credits/spend. Amount is
// optional; when omitted, the configured price for the action applies.
type spendRequest struct {
	Action    string `json:"action" binding:"required"`
	Amount    int64  `json:"amount"`
	MonitorID *int64 `json:"monitor_id"`
}

// spendHandler deducts credits for a billable action and appends the
// usage record. The deduction is the race arbiter: when it reports
// insufficient balance, nothing is recorded and the caller gets a 402.
func (s *Server) spendHandler(c *gin.Context) {
	o, ok := session.CurrentOwner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_required", "message": "No owner resolved"})
		return
	}

	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAction("action", req.Action),
		validation.MaxLength("action", req.Action, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	amount := req.Amount
	if amount == 0 {
		amount = s.priceFor(req.Action)
		if amount == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_action",
				"message": "No configured price for this action; supply an explicit amount",
			})
			return
		}
	}
	if err := validation.Validate(validation.ValidSats("amount", amount)); len(err) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "credits.spend",
		traces.OwnerKey(o.Key()), traces.Sats(amount), traces.Action(req.Action))
	defer span.End()

	deducted, err := s.ledger.DeductCredits(ctx, o, amount)
	if err != nil {
		if errors.Is(err, credits.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive number of sats",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if !deducted {
		balance, _ := s.ledger.GetBalance(ctx, o)
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":    "insufficient_credits",
			"message":  "Not enough credits for this action",
			"balance":  balance,
			"required": amount,
		})
		return
	}

	record, err := s.usageLog.LogUsage(ctx, o, req.MonitorID, amount, req.Action)
	if err != nil {
		// The deduction stands; the missing audit row needs operator
		// attention, not an automatic refund that could double-spend.
		logging.L(ctx).Error("credits deducted but usage record failed",
			"owner", o.Key(), "amount", amount, "action", req.Action, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Spend applied but usage recording failed",
		})
		return
	}

	balance, err := s.ledger.GetBalance(ctx, o)
	if err != nil {
		balance = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"spent":   amount,
		"balance": balance,
		"usage":   record,
	})
}

// priceFor maps known billable actions to their configured price.
// Unknown actions have no default; callers must price them explicitly.
func (s *Server) priceFor(action string) int64 {
	switch action {
	case usage.ActionMonitorCreated:
		return s.cfg.PriceMonitorCreated
	case usage.ActionAlertSent:
		return s.cfg.PriceAlertSent
	case usage.ActionCheckPerformed:
		return s.cfg.PriceCheckPerformed
	default:
		return 0
	}
}
