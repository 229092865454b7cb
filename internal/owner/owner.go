// Package owner defines the identity against which credits are held.
//
// An owner is exactly one of:
//   - a registered user, referenced by its user id
//   - an anonymous session, referenced by its internal session id
//
// Every ledger, usage, and payment row is keyed by an Owner. The two
// reference columns are mutually exclusive at the storage layer; this
// package enforces the same exclusivity before anything reaches a store.
package owner

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrInvalid is returned when an owner has neither or both
	// references set.
	ErrInvalid = errors.New("owner must reference exactly one of user or session")
)

// Kind discriminates the two owner variants.
type Kind string

const (
	KindUser    Kind = "user"
	KindSession Kind = "session"
)

// Owner is a tagged union of the two identity kinds.
// Construct via ForUser or ForSession; the zero value is invalid.
type Owner struct {
	Kind      Kind  `json:"kind"`
	UserID    int64 `json:"userId,omitempty"`
	SessionID int64 `json:"sessionId,omitempty"`
}

// ForUser returns an owner referencing a registered user.
func ForUser(userID int64) Owner {
	return Owner{Kind: KindUser, UserID: userID}
}

// ForSession returns an owner referencing an anonymous session by its
// internal id (not the client-visible token).
func ForSession(sessionID int64) Owner {
	return Owner{Kind: KindSession, SessionID: sessionID}
}

// Validate checks the exclusivity invariant.
func (o Owner) Validate() error {
	switch o.Kind {
	case KindUser:
		if o.UserID <= 0 || o.SessionID != 0 {
			return ErrInvalid
		}
	case KindSession:
		if o.SessionID <= 0 || o.UserID != 0 {
			return ErrInvalid
		}
	default:
		return ErrInvalid
	}
	return nil
}

// Key returns a stable string form, used for log fields and metric labels.
func (o Owner) Key() string {
	if o.Kind == KindUser {
		return fmt.Sprintf("user:%d", o.UserID)
	}
	return fmt.Sprintf("session:%d", o.SessionID)
}

// Refs returns the (user_id, session_id) column values for SQL statements
// that persist the owner as a pair of nullable foreign keys.
func (o Owner) Refs() (userID, sessionID sql.NullInt64) {
	switch o.Kind {
	case KindUser:
		userID = sql.NullInt64{Int64: o.UserID, Valid: true}
	case KindSession:
		sessionID = sql.NullInt64{Int64: o.SessionID, Valid: true}
	}
	return userID, sessionID
}

// FromRefs reconstructs an owner from a pair of nullable columns.
// Both-null rows (owner deleted, kept for audit) return ok=false.
func FromRefs(userID, sessionID sql.NullInt64) (Owner, bool) {
	switch {
	case userID.Valid && !sessionID.Valid:
		return ForUser(userID.Int64), true
	case sessionID.Valid && !userID.Valid:
		return ForSession(sessionID.Int64), true
	default:
		return Owner{}, false
	}
}
