package balance

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory balance store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, coins int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.balances[userID]
	if !ok {
		b = &Balance{UserID: userID}
		m.balances[userID] = b
	}
	b.Coins += coins
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *b
	return &cp, nil
}
