// Package nakapay is a thin client for the NakaPay Lightning invoice API.
//
// The client is stateless: every call is a single attempt bounded by a
// fixed timeout, and a failed or timed-out call changes nothing locally.
// Retry policy belongs to the reconciliation driver, not here.
package nakapay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrNotConfigured means no API key is set; gateway-dependent calls
	// cannot proceed until configuration is fixed.
	ErrNotConfigured = errors.New("nakapay API key not configured")

	// ErrGateway wraps network failures, timeouts, and non-success
	// responses from the provider.
	ErrGateway = errors.New("payment gateway unavailable")
)

// Invoice is the provider's invoice representation. ID is the opaque
// provider-assigned identifier used as the settlement idempotency key;
// PaymentRequest is the BOLT11 string the client pays.
type Invoice struct {
	ID             string `json:"id"`
	PaymentRequest string `json:"payment_request"`
	Amount         int64  `json:"amount"`
	Description    string `json:"description,omitempty"`
	Status         string `json:"status,omitempty"`
}

// InvoiceStatus is the provider's view of an invoice's current state.
type InvoiceStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"` // pending, paid, failed, expired
	PaidAt string `json:"paid_at,omitempty"`
}

// PaymentMethod is one supported payment method.
type PaymentMethod struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to the NakaPay API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client. An empty apiKey is allowed; calls will fail
// with ErrNotConfigured until one is set.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// CreateInvoice creates a Lightning invoice for the given sat amount.
func (c *Client) CreateInvoice(ctx context.Context, amount int64, description, callbackURL string) (*Invoice, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if amount <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive, got %d", amount)
	}

	payload := map[string]any{
		"amount":      amount,
		"description": description,
		"currency":    "sats",
	}
	if callbackURL != "" {
		payload["callback_url"] = callbackURL
	}

	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoices", payload, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoiceStatus fetches the current status of an invoice.
func (c *Client) GetInvoiceStatus(ctx context.Context, invoiceID string) (*InvoiceStatus, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var status InvoiceStatus
	path := "/api/v1/invoices/" + url.PathEscape(invoiceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetPaymentMethods lists the provider's supported payment methods.
func (c *Client) GetPaymentMethods(ctx context.Context) ([]PaymentMethod, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	var methods []PaymentMethod
	if err := c.do(ctx, http.MethodGet, "/api/v1/payment-methods", nil, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// GetExchangeRate returns the provider's rate between two currencies.
func (c *Client) GetExchangeRate(ctx context.Context, from, to string) (float64, error) {
	if from == "" {
		from = "USD"
	}
	if to == "" {
		to = "BTC"
	}

	var resp struct {
		Rate float64 `json:"rate"`
	}
	path := "/api/v1/exchange-rates?from=" + url.QueryEscape(from) + "&to=" + url.QueryEscape(to)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Rate, nil
}

// ValidateWebhookSignature recomputes the HMAC-SHA256 of the raw payload
// and compares it to the supplied hex signature in constant time.
func ValidateWebhookSignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, supplied)
}

// do performs one HTTP round trip. Any transport or non-2xx failure is
// surfaced as ErrGateway.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrGateway, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s: status %d", ErrGateway, method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %s %s: decode response: %v", ErrGateway, method, path, err)
		}
	}
	return nil
}
