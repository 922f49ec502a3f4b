package order

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
// The mutex gives the same atomicity the Postgres store gets from
// conditional writes.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Reserve(ctx context.Context, orderID, userID string, amount int64) (*Order, bool, error) {
	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.orders[orderID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	now := time.Now()
	o := &Order{
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.orders[orderID] = o
	cp := *o
	return &cp, true, nil
}

func (m *MemoryStore) AttachGatewayRef(ctx context.Context, orderID string, ref GatewayRef) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if o.GatewayRef.Empty() && o.Status == StatusCreated {
		o.GatewayRef = ref
		o.Status = StatusPending
		o.UpdatedAt = time.Now()
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) CompareAndTransition(ctx context.Context, orderID string, expected, next Status, mutate func(*Order)) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	if o.Status != expected {
		cp := *o
		return &cp, false, nil
	}

	cp := *o
	if mutate != nil {
		mutate(&cp)
	}
	cp.Status = next
	cp.UpdatedAt = time.Now()
	m.orders[orderID] = &cp

	out := cp
	return &out, true, nil
}

func (m *MemoryStore) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-age)
	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusPending && o.UpdatedAt.Before(cutoff) {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
