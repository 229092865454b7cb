package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satwatch/satwatch/internal/config"
	"github.com/satwatch/satwatch/internal/nakapay"
	"github.com/satwatch/satwatch/internal/session"
)

const testWebhookSecret = "whsec_server_test"

// fakeGateway satisfies payments.Gateway without network calls.
type fakeGateway struct {
	mu      sync.Mutex
	created int64
}

func (g *fakeGateway) CreateInvoice(_ context.Context, amount int64, _, _ string) (*nakapay.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created++
	id := fmt.Sprintf("ext_%d", g.created)
	return &nakapay.Invoice{ID: id, PaymentRequest: "lnbc" + id, Amount: amount}, nil
}

func (g *fakeGateway) GetInvoiceStatus(_ context.Context, invoiceID string) (*nakapay.InvoiceStatus, error) {
	return &nakapay.InvoiceStatus{ID: invoiceID, Status: "pending"}, nil
}

func (g *fakeGateway) GetPaymentMethods(_ context.Context) ([]nakapay.PaymentMethod, error) {
	return []nakapay.PaymentMethod{{ID: "lightning", Name: "Lightning"}}, nil
}

func (g *fakeGateway) GetExchangeRate(_ context.Context, _, _ string) (float64, error) {
	return 0.0000165, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		NakaPayBaseURL:       config.DefaultNakaPayBaseURL,
		NakaPayAPIKey:        "test-key",
		NakaPayWebhookSecret: testWebhookSecret,
		NakaPayTimeout:       time.Second,
		ReconcileInterval:    time.Minute,
		InvoiceTTL:           24 * time.Hour,
		PriceMonitorCreated:  10,
		PriceAlertSent:       1,
		PriceCheckPerformed:  1,
		RateLimitRPM:         10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(testConfig(), WithGatewayService(&fakeGateway{}))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.sessionTimer.Stop()
	})
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func createSession(t *testing.T, s *Server) string {
	t.Helper()
	w, resp := doJSON(t, s, "POST", "/v1/sessions", nil, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	sess := resp["session"].(map[string]any)
	token := sess["token"].(string)
	require.Len(t, token, 64)
	return token
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// payInvoice drives the full purchase flow: create an invoice for the
// owner, then deliver a signed paid webhook for it.
func payInvoice(t *testing.T, s *Server, headers map[string]string, amount int64) {
	t.Helper()
	w, resp := doJSON(t, s, "POST", "/v1/payments/invoices", gin.H{"amount": amount}, headers)
	require.Equal(t, http.StatusCreated, w.Code)
	externalID := resp["external_id"].(string)

	payload := []byte(fmt.Sprintf(`{"invoice_id":%q,"status":"paid"}`, externalID))
	req := httptest.NewRequest("POST", "/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Nakapay-Signature", signBody(payload))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndInfo(t *testing.T) {
	s := newTestServer(t)

	w, resp := doJSON(t, s, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])

	w, _ = doJSON(t, s, "GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, resp = doJSON(t, s, "GET", "/api", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "satwatch", resp["name"])
}

func TestOwnerRequired(t *testing.T) {
	s := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{"GET", "/v1/credits/balance"},
		{"GET", "/v1/usage"},
		{"POST", "/v1/credits/spend"},
		{"POST", "/v1/payments/invoices"},
	} {
		w, resp := doJSON(t, s, route.method, route.path, gin.H{}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
		assert.Equal(t, "owner_required", resp["error"])
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	token := createSession(t, s)
	headers := map[string]string{session.TokenHeader: token}

	w, resp := doJSON(t, s, "GET", "/v1/sessions/current", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	sess := resp["session"].(map[string]any)
	assert.Equal(t, true, sess["active"])

	w, _ = doJSON(t, s, "DELETE", "/v1/sessions/current", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)

	// A deactivated token resolves nothing anymore
	w, _ = doJSON(t, s, "GET", "/v1/sessions/current", nil, headers)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = doJSON(t, s, "GET", "/v1/credits/balance", nil, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAnonymousPurchaseAndSpendFlow(t *testing.T) {
	s := newTestServer(t)
	token := createSession(t, s)
	headers := map[string]string{session.TokenHeader: token}

	// Fresh session starts at zero
	w, resp := doJSON(t, s, "GET", "/v1/credits/balance", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["balance"])

	// Spending on empty balance is refused and recorded nowhere
	w, resp = doJSON(t, s, "POST", "/v1/credits/spend", gin.H{"action": "monitor_created"}, headers)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_credits", resp["error"])

	payInvoice(t, s, headers, 100)

	w, resp = doJSON(t, s, "GET", "/v1/credits/balance", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(100), resp["balance"])

	// Default price for monitor_created is 10
	w, resp = doJSON(t, s, "POST", "/v1/credits/spend", gin.H{"action": "monitor_created", "monitor_id": 7}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(10), resp["spent"])
	assert.Equal(t, float64(90), resp["balance"])

	// Explicit amount wins over the default
	w, resp = doJSON(t, s, "POST", "/v1/credits/spend", gin.H{"action": "alert_sent", "amount": 5}, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(5), resp["spent"])
	assert.Equal(t, float64(85), resp["balance"])

	// Usage history reflects both spends, newest first
	w, resp = doJSON(t, s, "GET", "/v1/usage", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	records := resp["usage"].([]any)
	require.Len(t, records, 2)
	first := records[0].(map[string]any)
	assert.Equal(t, "alert_sent", first["action"])

	w, resp = doJSON(t, s, "GET", "/v1/usage/total", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(15), resp["total"])
}

func TestRegisteredUserFlow(t *testing.T) {
	s := newTestServer(t)
	headers := map[string]string{session.UserHeader: "42"}

	payInvoice(t, s, headers, 50)

	w, resp := doJSON(t, s, "GET", "/v1/credits/balance", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(50), resp["balance"])

	// Another user sees their own empty balance
	w, resp = doJSON(t, s, "GET", "/v1/credits/balance", nil, map[string]string{session.UserHeader: "43"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), resp["balance"])
}

func TestCheckCreditsAmountBounds(t *testing.T) {
	s := newTestServer(t)
	token := createSession(t, s)
	headers := map[string]string{session.TokenHeader: token}

	w, resp := doJSON(t, s, "GET", "/v1/credits/check?amount=10", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["sufficient"])

	for _, amount := range []string{"0", "-5", "abc", "", "100000001"} {
		w, resp = doJSON(t, s, "GET", "/v1/credits/check?amount="+amount, nil, headers)
		assert.Equal(t, http.StatusBadRequest, w.Code, "amount=%q", amount)
		assert.Equal(t, "invalid_amount", resp["error"])
	}
}

func TestSessionUserAgentSanitized(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/sessions", nil)
	req.Header.Set("User-Agent", "  Mozilla/5.0\x00 uptime  ")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	sess := resp["session"].(map[string]any)
	assert.Equal(t, "Mozilla/5.0 uptime", sess["userAgent"])
}

func TestWebhookReplayDoesNotDoubleCredit(t *testing.T) {
	s := newTestServer(t)
	token := createSession(t, s)
	headers := map[string]string{session.TokenHeader: token}

	w, resp := doJSON(t, s, "POST", "/v1/payments/invoices", gin.H{"amount": 100}, headers)
	require.Equal(t, http.StatusCreated, w.Code)
	externalID := resp["external_id"].(string)

	payload := []byte(fmt.Sprintf(`{"invoice_id":%q,"status":"paid"}`, externalID))
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/v1/payments/webhook", bytes.NewReader(payload))
		req.Header.Set("X-Nakapay-Signature", signBody(payload))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	w, resp = doJSON(t, s, "GET", "/v1/credits/balance", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(100), resp["balance"])
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	s := newTestServer(t)

	payload := []byte(`{"invoice_id":"ext_1","status":"paid"}`)
	req := httptest.NewRequest("POST", "/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("X-Nakapay-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookMalformedPayloadIsBadRequest(t *testing.T) {
	s := newTestServer(t)

	// Correctly signed, but the body is not a usable event.
	for _, payload := range [][]byte{
		[]byte(`{not json`),
		[]byte(`{"status":"paid"}`),
	} {
		req := httptest.NewRequest("POST", "/v1/payments/webhook", bytes.NewReader(payload))
		req.Header.Set("X-Nakapay-Signature", signBody(payload))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "invalid_payload", resp["error"])
		assert.NotContains(t, resp["message"], "json")
	}
}

func TestSpendValidation(t *testing.T) {
	s := newTestServer(t)
	token := createSession(t, s)
	headers := map[string]string{session.TokenHeader: token}

	// Missing action
	w, _ := doJSON(t, s, "POST", "/v1/credits/spend", gin.H{"amount": 5}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Malformed action label
	w, _ = doJSON(t, s, "POST", "/v1/credits/spend", gin.H{"action": "Not An Action"}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown action without an explicit amount
	w, resp := doJSON(t, s, "POST", "/v1/credits/spend", gin.H{"action": "custom_thing"}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unknown_action", resp["error"])

	// Negative amount
	w, _ = doJSON(t, s, "POST", "/v1/credits/spend", gin.H{"action": "alert_sent", "amount": -5}, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvoiceLookupScopedToOwner(t *testing.T) {
	s := newTestServer(t)
	tokenA := createSession(t, s)
	tokenB := createSession(t, s)

	w, resp := doJSON(t, s, "POST", "/v1/payments/invoices", gin.H{"amount": 100},
		map[string]string{session.TokenHeader: tokenA})
	require.Equal(t, http.StatusCreated, w.Code)
	invoiceID := resp["id"].(string)

	w, _ = doJSON(t, s, "GET", "/v1/payments/invoices/"+invoiceID, nil,
		map[string]string{session.TokenHeader: tokenA})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, s, "GET", "/v1/payments/invoices/"+invoiceID, nil,
		map[string]string{session.TokenHeader: tokenB})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGatewayProxiedEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := createSession(t, s)
	headers := map[string]string{session.TokenHeader: token}

	w, resp := doJSON(t, s, "GET", "/v1/payments/methods", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, resp["methods"])

	w, resp = doJSON(t, s, "GET", "/v1/payments/rate", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "USD", resp["from"])
	assert.InDelta(t, 0.0000165, resp["rate"].(float64), 1e-9)
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w, _ := doJSON(t, s, "GET", "/api", nil, nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, _ = doJSON(t, s, "GET", "/api", nil, map[string]string{"X-Request-ID": "req-abc"})
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}
