package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/topup/internal/testutil"
)

func TestPostgresStore_ReserveAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	o, created, err := store.Reserve(ctx, "ord_pg_1", "user_1", 50)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !created || o.Status != StatusCreated {
		t.Errorf("Fresh reserve wrong: created=%v status=%s", created, o.Status)
	}

	o2, created, err := store.Reserve(ctx, "ord_pg_1", "user_2", 999)
	if err != nil {
		t.Fatalf("Duplicate Reserve failed: %v", err)
	}
	if created {
		t.Error("Expected created=false for duplicate")
	}
	if o2.UserID != "user_1" || o2.Amount != 50 {
		t.Errorf("Duplicate mutated record: %+v", o2)
	}

	got, err := store.Get(ctx, "ord_pg_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.OrderID != "ord_pg_1" || got.Status != StatusCreated {
		t.Errorf("Get returned wrong record: %+v", got)
	}

	if _, err := store.Get(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}
}

func TestPostgresStore_AttachGatewayRef(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "ord_pg_1", "user_1", 10)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	o, err := store.AttachGatewayRef(ctx, "ord_pg_1", GatewayRef{
		PaymentURL:    "https://pay.example/x",
		ProviderTxnID: "txn_1",
	})
	if err != nil {
		t.Fatalf("AttachGatewayRef failed: %v", err)
	}
	if o.Status != StatusPending || o.GatewayRef.ProviderTxnID != "txn_1" {
		t.Errorf("Attach result wrong: %+v", o)
	}

	// Second attach is a no-op that returns the stored ref.
	o, err = store.AttachGatewayRef(ctx, "ord_pg_1", GatewayRef{ProviderTxnID: "txn_other"})
	if err != nil {
		t.Fatalf("Second attach failed: %v", err)
	}
	if o.GatewayRef.ProviderTxnID != "txn_1" {
		t.Errorf("Ref was overwritten: %+v", o.GatewayRef)
	}
}

func TestPostgresStore_CompareAndTransition(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, _, _ = store.Reserve(ctx, "ord_pg_1", "user_1", 10)
	_, _ = store.AttachGatewayRef(ctx, "ord_pg_1", GatewayRef{ProviderTxnID: "txn_1"})

	o, applied, err := store.CompareAndTransition(ctx, "ord_pg_1", StatusPending, StatusPaid, func(o *Order) {
		o.Credited = true
		now := time.Now()
		o.PaidAt = &now
	})
	if err != nil {
		t.Fatalf("CompareAndTransition failed: %v", err)
	}
	if !applied || o.Status != StatusPaid || !o.Credited || o.PaidAt == nil {
		t.Errorf("Winning transition wrong: applied=%v %+v", applied, o)
	}

	o, applied, err = store.CompareAndTransition(ctx, "ord_pg_1", StatusPending, StatusFailed, nil)
	if err != nil {
		t.Fatalf("Losing CompareAndTransition errored: %v", err)
	}
	if applied {
		t.Error("Expected applied=false for stale expectation")
	}
	if o.Status != StatusPaid {
		t.Errorf("Losing write changed status to %s", o.Status)
	}
}

func TestPostgresStore_CompareAndTransition_Concurrent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, _, _ = store.Reserve(ctx, "ord_pg_race", "user_1", 10)
	_, _ = store.AttachGatewayRef(ctx, "ord_pg_race", GatewayRef{ProviderTxnID: "txn_1"})

	const n = 10
	var wg sync.WaitGroup
	wins := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, applied, err := store.CompareAndTransition(ctx, "ord_pg_race", StatusPending, StatusPaid, nil)
			if err != nil && !errors.Is(err, ErrContention) {
				t.Errorf("CompareAndTransition failed: %v", err)
				return
			}
			wins[idx] = applied
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 winning transition, got %d", winners)
	}
}

func TestPostgresStore_ListPendingOlderThan(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	_, _, _ = store.Reserve(ctx, "ord_pending", "user_1", 10)
	_, _ = store.AttachGatewayRef(ctx, "ord_pending", GatewayRef{ProviderTxnID: "txn_1"})
	_, _, _ = store.Reserve(ctx, "ord_created", "user_1", 10)

	time.Sleep(50 * time.Millisecond)

	pending, err := store.ListPendingOlderThan(ctx, 10*time.Millisecond, 100)
	if err != nil {
		t.Fatalf("ListPendingOlderThan failed: %v", err)
	}
	if len(pending) != 1 || pending[0].OrderID != "ord_pending" {
		t.Errorf("Expected only ord_pending, got %v", pending)
	}
}
