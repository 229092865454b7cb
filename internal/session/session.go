// Package session manages anonymous sessions.
//
// An anonymous session is a self-issued identity: the server mints a
// random token, hands it to the client, and from then on the token is
// the client's only credential. Sessions are deactivated with a soft
// flag, never deleted, because credit accounts, payments, and usage
// records reference them for audit.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/satwatch/satwatch/internal/idgen"
)

var (
	ErrNotFound = errors.New("session not found")
)

// Session is an anonymous session record. Token is the client-visible
// handle; ID is the internal key used by ledger and payment rows.
type Session struct {
	ID           int64     `json:"id"`
	Token        string    `json:"token"`
	UserAgent    string    `json:"userAgent,omitempty"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	// FindByToken returns only active sessions; an inactive session is
	// ErrNotFound to callers.
	FindByToken(ctx context.Context, token string) (*Session, error)
	// GetByID returns the session regardless of the active flag.
	// Internal use only (audit, settlement of already-open invoices).
	GetByID(ctx context.Context, id int64) (*Session, error)
	Touch(ctx context.Context, id int64, at time.Time) error
	Deactivate(ctx context.Context, id int64) error
	// DeactivateIdle flips the active flag on sessions whose last
	// activity is before cutoff. Returns how many were deactivated.
	DeactivateIdle(ctx context.Context, cutoff time.Time) (int64, error)
}

// Registry resolves and maintains anonymous sessions.
type Registry struct {
	store Store
}

// NewRegistry creates a session registry.
func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// CreateAnonymousSession mints a fresh session with a random token.
func (r *Registry) CreateAnonymousSession(ctx context.Context, userAgent, ipAddress string) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		Token:        idgen.SessionToken(),
		UserAgent:    userAgent,
		IPAddress:    ipAddress,
		Active:       true,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := r.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FindActiveSession looks up a session by its token. Deactivated
// sessions are reported as not found.
func (r *Registry) FindActiveSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return r.store.FindByToken(ctx, token)
}

// Touch records activity on a session.
func (r *Registry) Touch(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	if err := r.store.Touch(ctx, s.ID, now); err != nil {
		return err
	}
	s.LastActiveAt = now
	return nil
}

// Deactivate soft-disables a session. The session row and everything
// referencing it remain queryable by internal id.
func (r *Registry) Deactivate(ctx context.Context, s *Session) error {
	if err := r.store.Deactivate(ctx, s.ID); err != nil {
		return err
	}
	s.Active = false
	return nil
}

// GetByID fetches a session by internal id, active or not.
func (r *Registry) GetByID(ctx context.Context, id int64) (*Session, error) {
	return r.store.GetByID(ctx, id)
}

// DeactivateIdle disables sessions idle since before the cutoff.
func (r *Registry) DeactivateIdle(ctx context.Context, idleFor time.Duration) (int64, error) {
	return r.store.DeactivateIdle(ctx, time.Now().UTC().Add(-idleFor))
}
