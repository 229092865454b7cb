package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sessions table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS anonymous_sessions (
			id              BIGSERIAL PRIMARY KEY,
			token           VARCHAR(64) NOT NULL UNIQUE,
			user_agent      VARCHAR(500),
			ip_address      VARCHAR(45),
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_active_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_active_last ON anonymous_sessions(active, last_active_at);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO anonymous_sessions (token, user_agent, ip_address, active, created_at, last_active_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6)
		RETURNING id
	`, s.Token, s.UserAgent, s.IPAddress, s.Active, s.CreatedAt, s.LastActiveAt).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (p *PostgresStore) FindByToken(ctx context.Context, token string) (*Session, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, token, COALESCE(user_agent, ''), COALESCE(ip_address, ''), active, created_at, last_active_at
		FROM anonymous_sessions
		WHERE token = $1 AND active = TRUE
	`, token))
}

func (p *PostgresStore) GetByID(ctx context.Context, id int64) (*Session, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, token, COALESCE(user_agent, ''), COALESCE(ip_address, ''), active, created_at, last_active_at
		FROM anonymous_sessions
		WHERE id = $1
	`, id))
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Session, error) {
	s := &Session{}
	err := row.Scan(&s.ID, &s.Token, &s.UserAgent, &s.IPAddress, &s.Active, &s.CreatedAt, &s.LastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) Touch(ctx context.Context, id int64, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE anonymous_sessions SET last_active_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Deactivate(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE anonymous_sessions SET active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeactivateIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE anonymous_sessions SET active = FALSE
		WHERE active = TRUE AND last_active_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate idle sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
