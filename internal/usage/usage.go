// Package usage keeps the append-only audit trail of credit deductions.
//
// Every successful deduction is logged with the action that caused it
// and, when relevant, the monitor it was spent on. Records are never
// updated or deleted; they are the billing source of truth.
package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/satwatch/satwatch/internal/idgen"
	"github.com/satwatch/satwatch/internal/owner"
)

var (
	ErrInvalidAmount = errors.New("amount must be a positive sat value")
	ErrEmptyAction   = errors.New("action is required")
)

// Metered actions known to the system. LogUsage accepts any non-empty
// tag; these are the ones the monitor engine bills for.
const (
	ActionMonitorCreated = "monitor_created"
	ActionAlertSent      = "alert_sent"
	ActionCheckPerformed = "check_performed"
)

// Record is one logged deduction. MonitorID is nil when the spend is
// not tied to a specific monitor.
type Record struct {
	ID        string      `json:"id"`
	Owner     owner.Owner `json:"owner"`
	MonitorID *int64      `json:"monitorId,omitempty"`
	Amount    int64       `json:"amount"`
	Action    string      `json:"action"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Store persists usage records.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	// History returns the owner's records, newest first, at most limit.
	History(ctx context.Context, o owner.Owner, limit int) ([]*Record, error)
	// Total sums amount over all of the owner's records.
	Total(ctx context.Context, o owner.Owner) (int64, error)
}

// Log records and reports credit usage.
type Log struct {
	store Store
}

// NewLog creates a usage log over a store.
func NewLog(store Store) *Log {
	return &Log{store: store}
}

// LogUsage appends one record. Callers invoke this only after a
// successful deduction; the log itself does not touch balances.
func (l *Log) LogUsage(ctx context.Context, o owner.Owner, monitorID *int64, amount int64, action string) (*Record, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(action) == "" {
		return nil, ErrEmptyAction
	}

	r := &Record{
		ID:        idgen.WithPrefix("use_"),
		Owner:     o,
		MonitorID: monitorID,
		Amount:    amount,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.Insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// History returns the owner's records, newest first.
func (l *Log) History(ctx context.Context, o owner.Owner, limit int) ([]*Record, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, o, limit)
}

// TotalUsage returns the lifetime sats spent by the owner; zero when
// there are no records.
func (l *Log) TotalUsage(ctx context.Context, o owner.Owner) (int64, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	return l.store.Total(ctx, o)
}
