package credits

import (
	"context"
	"sync"
	"time"

	"github.com/satwatch/satwatch/internal/owner"
)

// MemoryStore is an in-memory account store for demo/development mode.
// The single mutex plays the role the conditional UPDATE plays in
// Postgres: check-and-decrement happens under one critical section.
type MemoryStore struct {
	accounts map[string]*Account // owner key -> account
	nextID   int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		nextID:   1,
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, o owner.Owner) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreateLocked(o)
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) getOrCreateLocked(o owner.Owner) *Account {
	if acct, ok := m.accounts[o.Key()]; ok {
		return acct
	}
	now := time.Now().UTC()
	acct := &Account{
		ID:        m.nextID,
		Owner:     o,
		Balance:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.nextID++
	m.accounts[o.Key()] = acct
	return acct
}

func (m *MemoryStore) Get(ctx context.Context, o owner.Owner) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[o.Key()]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Add(ctx context.Context, o owner.Owner, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.getOrCreateLocked(o)
	acct.Balance += amount
	acct.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Deduct(ctx context.Context, o owner.Owner, amount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[o.Key()]
	if !ok || acct.Balance < amount {
		return false, nil
	}
	acct.Balance -= amount
	acct.UpdatedAt = time.Now().UTC()
	return true, nil
}
