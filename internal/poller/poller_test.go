package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/topup/internal/order"
	"github.com/mbd888/topup/internal/reconcile"
)

// mockChecker returns a fixed status per provider txn id.
type mockChecker struct {
	mu       sync.Mutex
	statuses map[string]order.Status
	err      error
	calls    int
}

func (m *mockChecker) CheckStatus(ctx context.Context, ref order.GatewayRef) (order.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	if s, ok := m.statuses[ref.ProviderTxnID]; ok {
		return s, nil
	}
	return order.StatusPending, nil
}

type countingCrediter struct {
	mu    sync.Mutex
	calls int
}

func (c *countingCrediter) Credit(ctx context.Context, userID string, coins int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingCrediter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func seedPending(t *testing.T, store order.Store, orderID, txnID string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, orderID, "user_1", 5); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.AttachGatewayRef(ctx, orderID, order.GatewayRef{ProviderTxnID: txnID}); err != nil {
		t.Fatalf("AttachGatewayRef failed: %v", err)
	}
}

func TestPoller_SettlesAgedPendingOrders(t *testing.T) {
	store := order.NewMemoryStore()
	credits := &countingCrediter{}
	engine := reconcile.New(store, credits, 100, nil)
	checker := &mockChecker{statuses: map[string]order.Status{
		"txn_paid":   order.StatusPaid,
		"txn_failed": order.StatusFailed,
	}}

	seedPending(t, store, "ord_paid", "txn_paid")
	seedPending(t, store, "ord_failed", "txn_failed")
	seedPending(t, store, "ord_still_pending", "txn_other")

	p := New(store, checker, engine, Config{
		Interval:   10 * time.Millisecond,
		PendingAge: time.Millisecond,
		BatchSize:  100,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		o1, _ := store.Get(context.Background(), "ord_paid")
		o2, _ := store.Get(context.Background(), "ord_failed")
		if o1.Status == order.StatusPaid && o2.Status == order.StatusFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Poller never settled orders: %s / %s", o1.Status, o2.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if credits.count() != 1 {
		t.Errorf("Expected 1 credit (only the paid order), got %d", credits.count())
	}

	o, _ := store.Get(context.Background(), "ord_still_pending")
	if o.Status != order.StatusPending {
		t.Errorf("Pending order should stay pending, got %s", o.Status)
	}
}

func TestPoller_SurvivesCheckerErrors(t *testing.T) {
	store := order.NewMemoryStore()
	engine := reconcile.New(store, &countingCrediter{}, 100, nil)
	checker := &mockChecker{err: errors.New("provider down")}

	seedPending(t, store, "ord_1", "txn_1")

	p := New(store, checker, engine, Config{
		Interval:   10 * time.Millisecond,
		PendingAge: time.Millisecond,
		BatchSize:  100,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	// Let a few ticks happen; the loop must keep running through errors.
	time.Sleep(100 * time.Millisecond)

	if !p.Running() {
		t.Error("Poller stopped after checker errors")
	}
	o, _ := store.Get(context.Background(), "ord_1")
	if o.Status != order.StatusPending {
		t.Errorf("Order mutated despite checker errors: %s", o.Status)
	}
}

func TestPoller_StartStop(t *testing.T) {
	store := order.NewMemoryStore()
	engine := reconcile.New(store, &countingCrediter{}, 100, nil)
	p := New(store, &mockChecker{}, engine, Config{Interval: 10 * time.Millisecond}, nil)

	if p.Running() {
		t.Error("Poller should not be running before Start")
	}

	go p.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	if !p.Running() {
		t.Error("Poller should be running after Start")
	}

	p.Stop()
	time.Sleep(30 * time.Millisecond)
	if p.Running() {
		t.Error("Poller should stop after Stop")
	}
}

func TestPoller_EmptyBacklogMakesNoChecks(t *testing.T) {
	store := order.NewMemoryStore()
	engine := reconcile.New(store, &countingCrediter{}, 100, nil)
	checker := &mockChecker{}

	p := New(store, checker, engine, Config{}, nil)
	p.tick(context.Background())

	if checker.calls != 0 {
		t.Errorf("Checker called with nothing pending: %d", checker.calls)
	}
}
