// Package balance tracks per-user coin balances.
//
// Coins only ever increase here: the reconciliation engine credits a user
// when their order settles. Spending coins is a different system.
package balance

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound  = errors.New("user balance not found")
	ErrInvalidCredit = errors.New("credit amount must be positive")
)

// Balance is a user's coin balance.
type Balance struct {
	UserID    string    `json:"userId"`
	Coins     int64     `json:"coins"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances. Credit must be an atomic increment
// (a conditional write or upsert, never read-modify-write) so concurrent
// credits on the same user never lose updates.
type Store interface {
	Credit(ctx context.Context, userID string, coins int64) error
	Get(ctx context.Context, userID string) (*Balance, error)
}

// Service wraps a Store with validation.
type Service struct {
	store Store
}

// NewService creates a balance service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Credit adds coins to a user's balance.
func (s *Service) Credit(ctx context.Context, userID string, coins int64) error {
	if coins <= 0 {
		return ErrInvalidCredit
	}
	return s.store.Credit(ctx, userID, coins)
}

// Get returns a user's current balance.
func (s *Service) Get(ctx context.Context, userID string) (*Balance, error) {
	return s.store.Get(ctx, userID)
}
