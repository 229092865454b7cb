package nakapay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/invoices", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(1000), body["amount"])
		assert.Equal(t, "sats", body["currency"])
		assert.Equal(t, "100 credits", body["description"])
		assert.Equal(t, "https://example.com/webhook", body["callback_url"])

		_ = json.NewEncoder(w).Encode(Invoice{
			ID:             "inv_abc",
			PaymentRequest: "lnbc10u1p...",
			Amount:         1000,
			Status:         "pending",
		})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-key", 0)
	inv, err := client.CreateInvoice(context.Background(), 1000, "100 credits", "https://example.com/webhook")
	require.NoError(t, err)
	assert.Equal(t, "inv_abc", inv.ID)
	assert.Equal(t, "lnbc10u1p...", inv.PaymentRequest)
	assert.Equal(t, int64(1000), inv.Amount)
}

func TestCreateInvoiceNotConfigured(t *testing.T) {
	client := New("http://unused", "", 0)
	_, err := client.CreateInvoice(context.Background(), 1000, "credits", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCreateInvoiceRejectsBadAmount(t *testing.T) {
	client := New("http://unused", "key", 0)
	_, err := client.CreateInvoice(context.Background(), 0, "credits", "")
	assert.Error(t, err)
	_, err = client.CreateInvoice(context.Background(), -5, "credits", "")
	assert.Error(t, err)
}

func TestCreateInvoiceGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := New(srv.URL, "test-key", 0)
	_, err := client.CreateInvoice(context.Background(), 1000, "credits", "")
	assert.ErrorIs(t, err, ErrGateway)
}

func TestCreateInvoiceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := New(srv.URL, "test-key", 0)
	_, err := client.CreateInvoice(context.Background(), 1000, "credits", "")
	assert.ErrorIs(t, err, ErrGateway)
}

func TestGetInvoiceStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/invoices/inv_abc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(InvoiceStatus{ID: "inv_abc", Status: "paid"})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-key", 0)
	status, err := client.GetInvoiceStatus(context.Background(), "inv_abc")
	require.NoError(t, err)
	assert.Equal(t, "paid", status.Status)
}

func TestGetPaymentMethods(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payment-methods", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]PaymentMethod{{ID: "lightning", Name: "Lightning"}})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-key", 0)
	methods, err := client.GetPaymentMethods(context.Background())
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "lightning", methods[0].ID)
}

func TestGetExchangeRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/exchange-rates", r.URL.Path)
		assert.Equal(t, "USD", r.URL.Query().Get("from"))
		assert.Equal(t, "BTC", r.URL.Query().Get("to"))
		_ = json.NewEncoder(w).Encode(map[string]float64{"rate": 0.0000165})
	}))
	defer srv.Close()

	client := New(srv.URL, "test-key", 0)
	rate, err := client.GetExchangeRate(context.Background(), "", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.0000165, rate, 1e-9)
}

func sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestValidateWebhookSignature(t *testing.T) {
	payload := []byte(`{"invoice_id":"inv_abc","status":"paid"}`)
	secret := "whsec_test"

	assert.True(t, ValidateWebhookSignature(payload, sign(payload, secret), secret))
	assert.False(t, ValidateWebhookSignature(payload, sign(payload, "other"), secret))
	assert.False(t, ValidateWebhookSignature([]byte(`tampered`), sign(payload, secret), secret))
	assert.False(t, ValidateWebhookSignature(payload, "not-hex!", secret))
	assert.False(t, ValidateWebhookSignature(payload, "", secret))
	assert.False(t, ValidateWebhookSignature(payload, sign(payload, secret), ""))
}
