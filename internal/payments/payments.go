// Package payments manages Lightning invoice lifecycle and exactly-once
// credit settlement.
//
// Every invoice is keyed by the provider's external ID. Settlement is a
// conditional state transition (pending to paid) applied by the store;
// credits are granted only when the transition actually applied, so a
// replayed webhook or a webhook racing the reconciler can never credit
// an owner twice.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/satwatch/satwatch/internal/credits"
	"github.com/satwatch/satwatch/internal/idgen"
	"github.com/satwatch/satwatch/internal/nakapay"
	"github.com/satwatch/satwatch/internal/owner"
	"github.com/satwatch/satwatch/internal/traces"
)

var (
	ErrNotFound         = errors.New("invoice not found")
	ErrInvalidAmount    = errors.New("invoice amount must be positive")
	ErrDuplicateInvoice = errors.New("invoice external id already recorded")
	ErrBadSignature     = errors.New("webhook signature invalid")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Status is an invoice's settlement state.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusExpired Status = "expired"
)

// terminal reports whether a status admits no further transitions.
func (s Status) terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusExpired
}

// Invoice is a credit purchase awaiting (or past) Lightning settlement.
// Amount is both the sat amount of the invoice and the number of credits
// granted when it settles. PaidAt is set exactly when Status is paid.
type Invoice struct {
	ID             string      `json:"id"`
	ExternalID     string      `json:"external_id"`
	Owner          owner.Owner `json:"-"`
	Amount         int64       `json:"amount"`
	PaymentRequest string      `json:"payment_request"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
}

// Store persists invoices. MarkPaid is the settlement primitive: it
// transitions exactly one pending invoice to paid and reports whether
// the transition applied. MarkFailed and MarkExpired are the analogous
// terminal transitions without crediting.
type Store interface {
	Insert(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	FindByExternalID(ctx context.Context, externalID string) (*Invoice, error)
	MarkPaid(ctx context.Context, externalID string, paidAt time.Time) (*Invoice, bool, error)
	MarkFailed(ctx context.Context, externalID string) (bool, error)
	MarkExpired(ctx context.Context, externalID string) (bool, error)
	ListPending(ctx context.Context) ([]*Invoice, error)
}

// Gateway is the provider surface the service needs. *nakapay.Client
// satisfies it.
type Gateway interface {
	CreateInvoice(ctx context.Context, amount int64, description, callbackURL string) (*nakapay.Invoice, error)
	GetInvoiceStatus(ctx context.Context, invoiceID string) (*nakapay.InvoiceStatus, error)
	GetPaymentMethods(ctx context.Context) ([]nakapay.PaymentMethod, error)
	GetExchangeRate(ctx context.Context, from, to string) (float64, error)
}

// Service coordinates invoice creation, webhook settlement, and
// reconciliation against the provider.
type Service struct {
	store         Store
	ledger        *credits.Ledger
	gateway       Gateway
	webhookSecret string
	callbackURL   string
	invoiceTTL    time.Duration
	logger        *slog.Logger
}

// NewService creates a payments service. callbackURL may be empty, in
// which case the provider is not asked to deliver webhooks and
// settlement relies on reconciliation alone. invoiceTTL <= 0 disables
// local expiry.
func NewService(store Store, ledger *credits.Ledger, gateway Gateway, webhookSecret, callbackURL string, invoiceTTL time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:         store,
		ledger:        ledger,
		gateway:       gateway,
		webhookSecret: webhookSecret,
		callbackURL:   callbackURL,
		invoiceTTL:    invoiceTTL,
		logger:        logger,
	}
}

// CreateInvoice asks the provider for a Lightning invoice and records it
// locally as pending. The gateway call happens first: if it fails,
// nothing is persisted and the caller can simply retry.
func (s *Service) CreateInvoice(ctx context.Context, o owner.Owner, amount int64) (*Invoice, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, span := traces.StartSpan(ctx, "payments.create_invoice",
		traces.OwnerKey(o.Key()), traces.Sats(amount))
	defer span.End()

	start := time.Now()
	description := fmt.Sprintf("%d monitoring credits", amount)
	ext, err := s.gateway.CreateInvoice(ctx, amount, description, s.callbackURL)
	if err != nil {
		observeOp("create", "gateway_error", start)
		return nil, err
	}

	inv := &Invoice{
		ID:             idgen.WithPrefix("inv_"),
		ExternalID:     ext.ID,
		Owner:          o,
		Amount:         amount,
		PaymentRequest: ext.PaymentRequest,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, inv); err != nil {
		observeOp("create", "store_error", start)
		return nil, err
	}

	span.SetAttributes(traces.InvoiceID(inv.ID), traces.ExternalID(inv.ExternalID))
	observeOp("create", "ok", start)
	InvoicesCreatedTotal.Inc()
	s.logger.Info("invoice created",
		"invoice_id", inv.ID,
		"external_id", inv.ExternalID,
		"owner", o.Key(),
		"amount", amount)
	return inv, nil
}

// GetInvoice returns an invoice by internal ID, scoped to its owner.
// An invoice belonging to a different owner is indistinguishable from
// a missing one.
func (s *Service) GetInvoice(ctx context.Context, id string, o owner.Owner) (*Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Owner != o {
		return nil, ErrNotFound
	}
	return inv, nil
}

// MarkAsPaid settles an invoice by external ID. It is safe to call any
// number of times from any number of goroutines: the store applies the
// pending-to-paid transition at most once, and credits are granted only
// on the call that applied it. The bool reports whether this call
// settled the invoice.
func (s *Service) MarkAsPaid(ctx context.Context, externalID string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "payments.settle", traces.ExternalID(externalID))
	defer span.End()

	start := time.Now()
	inv, applied, err := s.store.MarkPaid(ctx, externalID, time.Now().UTC())
	if err != nil {
		observeOp("settle", "store_error", start)
		return false, err
	}
	if !applied {
		// Already settled, or unknown. Distinguish for the caller.
		if _, err := s.store.FindByExternalID(ctx, externalID); err != nil {
			observeOp("settle", "unknown", start)
			return false, err
		}
		observeOp("settle", "duplicate", start)
		SettlementsTotal.WithLabelValues("duplicate").Inc()
		return false, nil
	}

	span.SetAttributes(traces.InvoiceID(inv.ID),
		traces.OwnerKey(inv.Owner.Key()), traces.Sats(inv.Amount))

	if err := s.ledger.AddCredits(ctx, inv.Owner, inv.Amount); err != nil {
		// The transition applied but crediting failed. Surface loudly:
		// this needs operator attention, not silent retry.
		observeOp("settle", "credit_error", start)
		s.logger.Error("invoice paid but crediting failed",
			"external_id", externalID,
			"owner", inv.Owner.Key(),
			"amount", inv.Amount,
			"error", err)
		return true, fmt.Errorf("credit settlement for invoice %s: %w", externalID, err)
	}

	observeOp("settle", "ok", start)
	SettlementsTotal.WithLabelValues("applied").Inc()
	s.logger.Info("invoice settled",
		"external_id", externalID,
		"owner", inv.Owner.Key(),
		"credits", inv.Amount)
	return true, nil
}

// MarkAsFailed records a terminal failure for a pending invoice.
func (s *Service) MarkAsFailed(ctx context.Context, externalID string) (bool, error) {
	applied, err := s.store.MarkFailed(ctx, externalID)
	if err != nil {
		return false, err
	}
	if applied {
		s.logger.Info("invoice failed", "external_id", externalID)
	}
	return applied, nil
}

// MarkAsExpired records local expiry for a pending invoice.
func (s *Service) MarkAsExpired(ctx context.Context, externalID string) (bool, error) {
	applied, err := s.store.MarkExpired(ctx, externalID)
	if err != nil {
		return false, err
	}
	if applied {
		s.logger.Info("invoice expired", "external_id", externalID)
	}
	return applied, nil
}

// webhookEvent is the provider's callback payload. The provider has
// sent both "id" and "invoice_id" for the invoice reference.
type webhookEvent struct {
	ID        string `json:"id"`
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"`
}

func (e *webhookEvent) externalID() string {
	if e.InvoiceID != "" {
		return e.InvoiceID
	}
	return e.ID
}

// HandleWebhook verifies and applies one provider callback. The raw
// payload must be the exact bytes the signature was computed over.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if !nakapay.ValidateWebhookSignature(payload, signature, s.webhookSecret) {
		WebhooksTotal.WithLabelValues("bad_signature").Inc()
		return ErrBadSignature
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		WebhooksTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	externalID := event.externalID()
	if externalID == "" {
		WebhooksTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: missing invoice id", ErrMalformedPayload)
	}

	var err error
	switch strings.ToLower(event.Status) {
	case string(StatusPaid):
		_, err = s.MarkAsPaid(ctx, externalID)
	case string(StatusFailed):
		_, err = s.MarkAsFailed(ctx, externalID)
	case string(StatusExpired):
		_, err = s.MarkAsExpired(ctx, externalID)
	default:
		// Pending or unrecognized statuses carry no transition.
		WebhooksTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	if err != nil {
		WebhooksTotal.WithLabelValues("error").Inc()
		return err
	}

	WebhooksTotal.WithLabelValues("ok").Inc()
	return nil
}

// Reconcile polls the provider for every locally pending invoice and
// applies whatever terminal state the provider reports. Pending
// invoices older than the configured TTL are expired locally. Returns
// the number of invoices that changed state.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, inv := range pending {
		status, err := s.gateway.GetInvoiceStatus(ctx, inv.ExternalID)
		if err != nil {
			// One unreachable invoice must not block the rest.
			s.logger.Warn("reconcile: status check failed",
				"external_id", inv.ExternalID, "error", err)
			if s.expireIfStale(ctx, inv) {
				changed++
			}
			continue
		}

		var applied bool
		switch Status(strings.ToLower(status.Status)) {
		case StatusPaid:
			applied, err = s.MarkAsPaid(ctx, inv.ExternalID)
		case StatusFailed:
			applied, err = s.MarkAsFailed(ctx, inv.ExternalID)
		case StatusExpired:
			applied, err = s.MarkAsExpired(ctx, inv.ExternalID)
		default:
			applied = s.expireIfStale(ctx, inv)
		}
		if err != nil {
			s.logger.Warn("reconcile: transition failed",
				"external_id", inv.ExternalID, "error", err)
			continue
		}
		if applied {
			changed++
		}
	}

	ReconcileRunsTotal.Inc()
	if changed > 0 {
		s.logger.Info("reconcile pass complete", "pending", len(pending), "changed", changed)
	}
	return changed, nil
}

func (s *Service) expireIfStale(ctx context.Context, inv *Invoice) bool {
	if s.invoiceTTL <= 0 || time.Since(inv.CreatedAt) < s.invoiceTTL {
		return false
	}
	applied, err := s.MarkAsExpired(ctx, inv.ExternalID)
	if err != nil {
		s.logger.Warn("reconcile: expiry failed", "external_id", inv.ExternalID, "error", err)
		return false
	}
	return applied
}

// PaymentMethods proxies the provider's supported payment methods.
func (s *Service) PaymentMethods(ctx context.Context) ([]nakapay.PaymentMethod, error) {
	return s.gateway.GetPaymentMethods(ctx)
}

// ExchangeRate proxies the provider's exchange rate.
func (s *Service) ExchangeRate(ctx context.Context, from, to string) (float64, error) {
	return s.gateway.GetExchangeRate(ctx, from, to)
}
