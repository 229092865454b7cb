package credits

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/satwatch/satwatch/internal/owner"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the credit accounts table. The CHECK constraints carry
// the two ledger invariants: a non-negative balance and exactly one
// owner reference per row. The partial unique indexes make get-or-create
// race-safe (concurrent creators collide on the index and converge).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credit_accounts (
			id          BIGSERIAL PRIMARY KEY,
			user_id     BIGINT,
			session_id  BIGINT,
			balance     BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0),
			CONSTRAINT chk_one_owner CHECK ((user_id IS NULL) <> (session_id IS NULL))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_user
			ON credit_accounts(user_id) WHERE user_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_session
			ON credit_accounts(session_id) WHERE session_id IS NOT NULL;
	`)
	return err
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, o owner.Owner) (*Account, error) {
	// Insert-if-absent first; ON CONFLICT DO NOTHING makes concurrent
	// first-access converge on the row that won the race.
	var err error
	if o.Kind == owner.KindUser {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO credit_accounts (user_id, balance, created_at, updated_at)
			VALUES ($1, 0, NOW(), NOW())
			ON CONFLICT (user_id) WHERE user_id IS NOT NULL DO NOTHING
		`, o.UserID)
	} else {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO credit_accounts (session_id, balance, created_at, updated_at)
			VALUES ($1, 0, NOW(), NOW())
			ON CONFLICT (session_id) WHERE session_id IS NOT NULL DO NOTHING
		`, o.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return p.Get(ctx, o)
}

func (p *PostgresStore) Get(ctx context.Context, o owner.Owner) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, session_id, balance, created_at, updated_at
		FROM credit_accounts
		WHERE `+ownerClause(o), ownerArg(o))

	acct := &Account{}
	var userID, sessionID sql.NullInt64
	err := row.Scan(&acct.ID, &userID, &sessionID, &acct.Balance, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	ownr, ok := owner.FromRefs(userID, sessionID)
	if !ok {
		return nil, owner.ErrInvalid
	}
	acct.Owner = ownr
	return acct, nil
}

func (p *PostgresStore) Add(ctx context.Context, o owner.Owner, amount int64) error {
	// Upsert increment: create-with-amount or add to the existing row,
	// all in one statement.
	var err error
	if o.Kind == owner.KindUser {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO credit_accounts (user_id, balance, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (user_id) WHERE user_id IS NOT NULL DO UPDATE SET
				balance    = credit_accounts.balance + $2,
				updated_at = NOW()
		`, o.UserID, amount)
	} else {
		_, err = p.db.ExecContext(ctx, `
			INSERT INTO credit_accounts (session_id, balance, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (session_id) WHERE session_id IS NOT NULL DO UPDATE SET
				balance    = credit_accounts.balance + $2,
				updated_at = NOW()
		`, o.SessionID, amount)
	}
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	return nil
}

// Deduct is the one operation where correctness depends on atomicity:
// the balance check and the decrement are a single UPDATE, and the
// affected-row count says whether it applied. Two concurrent deductions
// against a low balance can never both pass.
func (p *PostgresStore) Deduct(ctx context.Context, o owner.Owner, amount int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE credit_accounts SET
			balance    = balance - $2,
			updated_at = NOW()
		WHERE `+ownerClause(o)+` AND balance >= $2
	`, ownerArg(o), amount)
	if err != nil {
		return false, fmt.Errorf("failed to deduct credits: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ownerClause returns the WHERE fragment selecting the owner's row.
// The column name is chosen from the owner kind, never from user input.
func ownerClause(o owner.Owner) string {
	if o.Kind == owner.KindUser {
		return "user_id = $1"
	}
	return "session_id = $1"
}

func ownerArg(o owner.Owner) int64 {
	if o.Kind == owner.KindUser {
		return o.UserID
	}
	return o.SessionID
}
