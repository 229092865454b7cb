package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	sessions map[int64]*Session
	byToken  map[string]int64
	nextID   int64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]*Session),
		byToken:  make(map[string]int64),
		nextID:   1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.ID = m.nextID
	m.nextID++

	cp := *s
	m.sessions[cp.ID] = &cp
	m.byToken[cp.Token] = cp.ID
	return nil
}

func (m *MemoryStore) FindByToken(ctx context.Context, token string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	s := m.sessions[id]
	if s == nil || !s.Active {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Touch(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = at
	return nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	return nil
}

func (m *MemoryStore) DeactivateIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, s := range m.sessions {
		if s.Active && s.LastActiveAt.Before(cutoff) {
			s.Active = false
			count++
		}
	}
	return count, nil
}
