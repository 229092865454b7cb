package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage
type MemoryStore struct {
	mu         sync.RWMutex
	invoices   map[string]*Invoice // keyed by internal ID
	byExternal map[string]*Invoice // keyed by provider ID
}

// NewMemoryStore creates a new in-memory invoice store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invoices:   make(map[string]*Invoice),
		byExternal: make(map[string]*Invoice),
	}
}

// Insert rejects a reused external ID, matching the unique constraint
// the SQL store enforces.
func (m *MemoryStore) Insert(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byExternal[inv.ExternalID]; exists {
		return ErrDuplicateInvoice
	}
	cp := *inv
	m.invoices[cp.ID] = &cp
	m.byExternal[cp.ExternalID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *MemoryStore) FindByExternalID(_ context.Context, externalID string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inv, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

// MarkPaid applies pending -> paid under the store lock, which plays
// the role of the conditional UPDATE in the SQL store.
func (m *MemoryStore) MarkPaid(_ context.Context, externalID string, paidAt time.Time) (*Invoice, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.byExternal[externalID]
	if !ok || inv.Status != StatusPending {
		return nil, false, nil
	}
	inv.Status = StatusPaid
	inv.PaidAt = &paidAt
	cp := *inv
	return &cp, true, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, externalID string) (bool, error) {
	return m.transition(externalID, StatusFailed), nil
}

func (m *MemoryStore) MarkExpired(ctx context.Context, externalID string) (bool, error) {
	return m.transition(externalID, StatusExpired), nil
}

func (m *MemoryStore) transition(externalID string, to Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.byExternal[externalID]
	if !ok || inv.Status.terminal() {
		return false
	}
	inv.Status = to
	return true
}

func (m *MemoryStore) ListPending(_ context.Context) ([]*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*Invoice
	for _, inv := range m.invoices {
		if inv.Status == StatusPending {
			cp := *inv
			pending = append(pending, &cp)
		}
	}
	return pending, nil
}
