package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/satwatch/satwatch/internal/nakapay"
	"github.com/satwatch/satwatch/internal/session"
)

// SignatureHeader carries the provider's HMAC over the webhook body.
const SignatureHeader = "X-Nakapay-Signature"

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up owner-scoped payment routes. The group must
// carry the owner middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/invoices", h.CreateInvoice)
	r.GET("/payments/invoices/:id", h.GetInvoice)
	r.GET("/payments/methods", h.GetPaymentMethods)
	r.GET("/payments/rate", h.GetExchangeRate)
}

// RegisterWebhookRoutes sets up provider-facing routes. These are
// authenticated by signature, not by owner, so they go on an
// unauthenticated group.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.HandleWebhook)
	r.POST("/payments/reconcile", h.Reconcile)
}

// CreateInvoice handles POST /v1/payments/invoices
func (h *Handler) CreateInvoice(c *gin.Context) {
	o, ok := session.CurrentOwner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_required", "message": "No owner resolved"})
		return
	}

	var req struct {
		Amount int64 `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	inv, err := h.service.CreateInvoice(c.Request.Context(), o, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive number of sats",
			})
		case errors.Is(err, nakapay.ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "gateway_not_configured",
				"message": "Payment gateway is not configured",
			})
		case errors.Is(err, nakapay.ErrGateway):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "gateway_unavailable",
				"message": "Payment gateway is unavailable, try again later",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, inv)
}

// GetInvoice handles GET /v1/payments/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	o, ok := session.CurrentOwner(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "owner_required", "message": "No owner resolved"})
		return
	}

	inv, err := h.service.GetInvoice(c.Request.Context(), c.Param("id"), o)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, inv)
}

// GetPaymentMethods handles GET /v1/payments/methods
func (h *Handler) GetPaymentMethods(c *gin.Context) {
	methods, err := h.service.PaymentMethods(c.Request.Context())
	if err != nil {
		h.gatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": methods})
}

// GetExchangeRate handles GET /v1/payments/rate?from=USD&to=BTC
func (h *Handler) GetExchangeRate(c *gin.Context) {
	from := c.DefaultQuery("from", "USD")
	to := c.DefaultQuery("to", "BTC")

	rate, err := h.service.ExchangeRate(c.Request.Context(), from, to)
	if err != nil {
		h.gatewayError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "rate": rate})
}

// HandleWebhook handles POST /v1/payments/webhook. The body is read raw
// because the signature covers the exact bytes on the wire.
func (h *Handler) HandleWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	err = h.service.HandleWebhook(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
		case errors.Is(err, ErrMalformedPayload):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payload",
				"message": "Webhook payload could not be parsed",
			})
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Unknown invoice",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Reconcile handles POST /v1/payments/reconcile for manual runs.
func (h *Handler) Reconcile(c *gin.Context) {
	changed, err := h.service.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *Handler) gatewayError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, nakapay.ErrNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "gateway_not_configured",
			"message": "Payment gateway is not configured",
		})
	case errors.Is(err, nakapay.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_unavailable",
			"message": "Payment gateway is unavailable, try again later",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
