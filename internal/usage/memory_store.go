package usage

import (
	"context"
	"sync"

	"github.com/satwatch/satwatch/internal/owner"
)

// MemoryStore is an in-memory usage store for demo/development mode.
type MemoryStore struct {
	records []*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make([]*Record, 0)}
}

func (m *MemoryStore) Insert(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.records = append(m.records, &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, o owner.Owner, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Insertion order is chronological; walk backwards for newest first.
	result := make([]*Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(result) < limit; i-- {
		if m.records[i].Owner == o {
			cp := *m.records[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Total(ctx context.Context, o owner.Owner) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, r := range m.records {
		if r.Owner == o {
			total += r.Amount
		}
	}
	return total, nil
}
