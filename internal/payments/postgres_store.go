package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/satwatch/satwatch/internal/owner"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the invoices table. The paid_at consistency check
// makes the paid timestamp inseparable from the paid status.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_invoices (
			id              VARCHAR(36) PRIMARY KEY,
			external_id     VARCHAR(128) NOT NULL UNIQUE,
			user_id         BIGINT,
			session_id      BIGINT,
			amount          BIGINT NOT NULL,
			payment_request TEXT NOT NULL,
			status          VARCHAR(16) NOT NULL DEFAULT 'pending',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			paid_at         TIMESTAMPTZ,
			CONSTRAINT chk_invoice_amount_positive CHECK (amount > 0),
			CONSTRAINT chk_invoice_one_owner CHECK ((user_id IS NULL) <> (session_id IS NULL)),
			CONSTRAINT chk_invoice_status CHECK (status IN ('pending', 'paid', 'failed', 'expired')),
			CONSTRAINT chk_invoice_paid_at CHECK ((status = 'paid') = (paid_at IS NOT NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_invoices_status ON payment_invoices(status) WHERE status = 'pending';
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, inv *Invoice) error {
	userID, sessionID := inv.Owner.Refs()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_invoices (id, external_id, user_id, session_id, amount, payment_request, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, inv.ID, inv.ExternalID, userID, sessionID, inv.Amount, inv.PaymentRequest, inv.Status, inv.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateInvoice
		}
		return fmt.Errorf("failed to record invoice: %w", err)
	}
	return nil
}

const invoiceColumns = `id, external_id, user_id, session_id, amount, payment_request, status, created_at, paid_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM payment_invoices WHERE id = $1
	`, id)
	return scanInvoice(row)
}

func (p *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM payment_invoices WHERE external_id = $1
	`, externalID)
	return scanInvoice(row)
}

// MarkPaid is a single conditional UPDATE. Concurrent callers race on
// the status predicate; exactly one observes a returned row.
func (p *PostgresStore) MarkPaid(ctx context.Context, externalID string, paidAt time.Time) (*Invoice, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payment_invoices
		SET status = 'paid', paid_at = $2
		WHERE external_id = $1 AND status = 'pending'
		RETURNING `+invoiceColumns, externalID, paidAt)

	inv, err := scanInvoice(row)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return inv, true, nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, externalID string) (bool, error) {
	return p.transition(ctx, externalID, StatusFailed)
}

func (p *PostgresStore) MarkExpired(ctx context.Context, externalID string) (bool, error) {
	return p.transition(ctx, externalID, StatusExpired)
}

func (p *PostgresStore) transition(ctx context.Context, externalID string, to Status) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_invoices SET status = $2
		WHERE external_id = $1 AND status = 'pending'
	`, externalID, to)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM payment_invoices
		WHERE status = 'pending'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pending []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, inv)
	}
	return pending, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*Invoice, error) {
	inv := &Invoice{}
	var userID, sessionID sql.NullInt64
	var paidAt sql.NullTime

	err := row.Scan(&inv.ID, &inv.ExternalID, &userID, &sessionID,
		&inv.Amount, &inv.PaymentRequest, &inv.Status, &inv.CreatedAt, &paidAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if o, ok := owner.FromRefs(userID, sessionID); ok {
		inv.Owner = o
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	return inv, nil
}
