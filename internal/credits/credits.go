// Package credits tracks prepaid balances ("credits", in sats) per owner.
//
// Flow:
//  1. A Lightning invoice is paid through the gateway
//  2. Settlement credits the owner's account
//  3. Metered actions (creating a monitor, sending an alert, running a
//     check) deduct from the account
//
// One account exists per owner, created lazily on first access. The
// balance is never negative: deduction is a single conditional update at
// the storage layer, not a read-then-write pair.
package credits

import (
	"context"
	"errors"
	"time"

	"github.com/satwatch/satwatch/internal/owner"
)

var (
	ErrInvalidAmount   = errors.New("amount must be a positive sat value")
	ErrAccountNotFound = errors.New("credit account not found")
)

// Account is the single balance record for an owner.
type Account struct {
	ID        int64       `json:"id"`
	Owner     owner.Owner `json:"owner"`
	Balance   int64       `json:"balance"` // sats, always >= 0
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Store persists credit accounts.
type Store interface {
	// GetOrCreate returns the owner's account, creating it with a zero
	// balance if absent. Concurrent first-access for the same owner must
	// converge on one row.
	GetOrCreate(ctx context.Context, o owner.Owner) (*Account, error)
	// Get returns the owner's account or ErrAccountNotFound.
	Get(ctx context.Context, o owner.Owner) (*Account, error)
	// Add atomically increments the balance, creating the account if
	// needed.
	Add(ctx context.Context, o owner.Owner, amount int64) error
	// Deduct atomically decrements the balance if and only if it holds
	// at least amount. Reports whether the deduction applied. Must be a
	// single conditional update with respect to all concurrent add and
	// deduct calls on the same account.
	Deduct(ctx context.Context, o owner.Owner, amount int64) (bool, error)
}

// Ledger manages owner balances.
type Ledger struct {
	store Store
}

// New creates a ledger over a store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetOrCreateAccount returns the owner's account, creating an empty one
// on first access.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, o owner.Owner) (*Account, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	defer observeOp("get_or_create")()
	return l.store.GetOrCreate(ctx, o)
}

// GetBalance returns the latest committed balance. Owners without an
// account have a zero balance; no account is created.
func (l *Ledger) GetBalance(ctx context.Context, o owner.Owner) (int64, error) {
	if err := o.Validate(); err != nil {
		return 0, err
	}
	acct, err := l.store.Get(ctx, o)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// AddCredits atomically increments the owner's balance.
func (l *Ledger) AddCredits(ctx context.Context, o owner.Owner, amount int64) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	defer observeOp("add")()
	if err := l.store.Add(ctx, o, amount); err != nil {
		return err
	}
	SatsCreditedTotal.Add(float64(amount))
	return nil
}

// DeductCredits atomically checks and decrements the owner's balance.
// Returns false, without mutating anything, when the balance is short;
// insufficient balance is an expected outcome, not an error.
func (l *Ledger) DeductCredits(ctx context.Context, o owner.Owner, amount int64) (bool, error) {
	if err := o.Validate(); err != nil {
		return false, err
	}
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	defer observeOp("deduct")()
	ok, err := l.store.Deduct(ctx, o, amount)
	if err != nil {
		return false, err
	}
	if ok {
		SatsSpentTotal.Add(float64(amount))
	} else {
		InsufficientBalanceTotal.Inc()
	}
	return ok, nil
}

// HasCredits reports whether the owner currently holds at least amount.
// The answer may be stale the moment it returns; callers needing a
// guarantee must use DeductCredits.
func (l *Ledger) HasCredits(ctx context.Context, o owner.Owner, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	bal, err := l.GetBalance(ctx, o)
	if err != nil {
		return false, err
	}
	return bal >= amount, nil
}
