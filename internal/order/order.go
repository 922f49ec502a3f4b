// Package order implements payment order reservation and lifecycle state.
//
// An order moves through a strict state machine:
//
//	created -> pending -> {paid, failed}
//
// paid and failed are absorbing. All mutation goes through the Store's
// conditional primitives so that concurrent callers on the same order ID
// (duplicate client submissions, a webhook racing the poller) converge
// without external locks.
package order

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrContention    = errors.New("conditional write exhausted retries")
	ErrInvalidAmount = errors.New("amount must be a positive integer")

	// ErrGatewayUnavailable wraps transient provider failures; the whole
	// create flow is safe to retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayRejected wraps permanent provider failures; retrying the
	// same request will not help.
	ErrGatewayRejected = errors.New("payment gateway rejected order")
)

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusCreated Status = "created"
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusPaid, StatusFailed:
		return true
	}
	return false
}

// GatewayRef holds the provider-side handle for an order. Write-once.
type GatewayRef struct {
	PaymentURL    string `json:"paymentUrl,omitempty"`
	ProviderTxnID string `json:"providerTxnId,omitempty"`
	UTRCheck      string `json:"utrCheck,omitempty"`
}

// Empty reports whether the ref has been set.
func (r GatewayRef) Empty() bool {
	return r.PaymentURL == "" && r.ProviderTxnID == "" && r.UTRCheck == ""
}

// Order is a single payment intent record.
type Order struct {
	OrderID    string     `json:"orderId"`
	UserID     string     `json:"userId"`
	Amount     int64      `json:"amount"`
	Status     Status     `json:"status"`
	GatewayRef GatewayRef `json:"gatewayRef,omitempty"`
	Credited   bool       `json:"credited"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	PaidAt     *time.Time `json:"paidAt,omitempty"`
}

// Store persists orders. All implementations must be safe for unbounded
// concurrent callers on the same order ID.
type Store interface {
	// Reserve atomically creates a created-state record if and only if
	// orderID is absent. If the record already exists it is returned
	// unmodified with created=false.
	Reserve(ctx context.Context, orderID, userID string, amount int64) (o *Order, created bool, err error)

	// AttachGatewayRef sets the gateway ref once and advances
	// created -> pending. A ref that is already set is left untouched
	// and the current record returned; this is not an error.
	AttachGatewayRef(ctx context.Context, orderID string, ref GatewayRef) (*Order, error)

	// Get returns the order or ErrOrderNotFound.
	Get(ctx context.Context, orderID string) (*Order, error)

	// CompareAndTransition applies mutate and writes next only if the
	// stored status still equals expected. If another writer got there
	// first, the current record is returned with applied=false and no
	// mutation occurs. mutate runs on a copy; it must not touch Status.
	CompareAndTransition(ctx context.Context, orderID string, expected, next Status, mutate func(*Order)) (o *Order, applied bool, err error)

	// ListPendingOlderThan returns pending orders whose last update is
	// older than age, up to limit. Feed for the status poller.
	ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*Order, error)
}
