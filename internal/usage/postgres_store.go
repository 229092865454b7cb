package usage

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

// NewPostgresStore creates a new PostgreSQL-backed usage store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the usage table. Owner columns stay nullable so
// records survive owner deletion for audit.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS credit_usage (
			id          VARCHAR(36) PRIMARY KEY,
			user_id     BIGINT,
			session_id  BIGINT,
			monitor_id  BIGINT,
			amount      BIGINT NOT NULL,
			action      VARCHAR(100) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_usage_amount_positive CHECK (amount > 0)
		);

		CREATE INDEX IF NOT EXISTS idx_usage_user ON credit_usage(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_usage_session ON credit_usage(session_id, created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, r *Record) error {
	userID, sessionID := r.Owner.Refs()

	var monitorID sql.NullInt64
	if r.MonitorID != nil {
		monitorID = sql.NullInt64{Int64: *r.MonitorID, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_usage (id, user_id, session_id, monitor_id, amount, action, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, userID, sessionID, monitorID, r.Amount, r.Action, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, o owner.Owner, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, monitor_id, amount, action, created_at
		FROM credit_usage
		WHERE `+ownerClause(o)+`
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerArg(o), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		var userID, sessionID, monitorID sql.NullInt64
		if err := rows.Scan(&r.ID, &userID, &sessionID, &monitorID, &r.Amount, &r.Action, &r.CreatedAt); err != nil {
			return nil, err
		}
		if ownr, ok := owner.FromRefs(userID, sessionID); ok {
			r.Owner = ownr
		}
		if monitorID.Valid {
			r.MonitorID = &monitorID.Int64
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (p *PostgresStore) Total(ctx context.Context, o owner.Owner) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM credit_usage WHERE `+ownerClause(o), ownerArg(o)).Scan(&total)
	return total, err
}

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
