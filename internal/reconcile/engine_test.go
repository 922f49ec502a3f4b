package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mbd888/topup/internal/order"
)

// mockCrediter records credits and can fail on demand.
type mockCrediter struct {
	mu      sync.Mutex
	credits map[string]int64
	calls   int
	err     error
}

func newMockCrediter() *mockCrediter {
	return &mockCrediter{credits: make(map[string]int64)}
}

func (m *mockCrediter) Credit(ctx context.Context, userID string, coins int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.credits[userID] += coins
	return nil
}

// mockNotifier records pushed transitions.
type mockNotifier struct {
	mu     sync.Mutex
	events []*order.Order
}

func (m *mockNotifier) OrderUpdated(o *order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, o)
}

func pendingOrder(t *testing.T, store order.Store, orderID, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := store.Reserve(ctx, orderID, userID, amount); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := store.AttachGatewayRef(ctx, orderID, order.GatewayRef{ProviderTxnID: "txn_" + orderID}); err != nil {
		t.Fatalf("AttachGatewayRef failed: %v", err)
	}
}

func TestApply_PaidCreditsOnce(t *testing.T) {
	store := order.NewMemoryStore()
	credits := newMockCrediter()
	engine := New(store, credits, 100, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	res, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "webhook")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.CreditedNow {
		t.Error("Expected creditedNow=true for winning transition")
	}
	if res.Order.Status != order.StatusPaid || !res.Order.Credited {
		t.Errorf("Order state wrong after paid: %+v", res.Order)
	}
	if res.Order.PaidAt == nil {
		t.Error("Expected PaidAt to be set")
	}
	if credits.credits["user_1"] != 500 {
		t.Errorf("Expected 500 coins (5 * rate 100), got %d", credits.credits["user_1"])
	}

	// The same report again is an idempotent replay: no second credit.
	res, err = engine.Apply(ctx, "ord_1", order.StatusPaid, "poller")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if res.CreditedNow {
		t.Error("Replay must not report creditedNow")
	}
	if credits.calls != 1 {
		t.Errorf("Expected exactly 1 credit call, got %d", credits.calls)
	}
}

func TestApply_FailedNoCredit(t *testing.T) {
	store := order.NewMemoryStore()
	credits := newMockCrediter()
	engine := New(store, credits, 100, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	res, err := engine.Apply(ctx, "ord_1", order.StatusFailed, "webhook")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.CreditedNow || res.Order.Status != order.StatusFailed {
		t.Errorf("Failed transition wrong: %+v", res)
	}
	if credits.calls != 0 {
		t.Errorf("Failed order must not credit, got %d calls", credits.calls)
	}
}

func TestApply_ConcurrentReportsCreditOnce(t *testing.T) {
	store := order.NewMemoryStore()
	credits := newMockCrediter()
	engine := New(store, credits, 100, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_race", "user_1", 7)

	// Webhook, poller, and verify all report paid at once.
	const n = 20
	var wg sync.WaitGroup
	creditedNow := make([]bool, n)
	sources := []string{"webhook", "poller", "verify"}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, err := engine.Apply(ctx, "ord_race", order.StatusPaid, sources[idx%len(sources)])
			if err != nil {
				t.Errorf("Apply failed: %v", err)
				return
			}
			creditedNow[idx] = res.CreditedNow
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, c := range creditedNow {
		if c {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 creditedNow, got %d", winners)
	}
	if credits.calls != 1 {
		t.Errorf("Expected exactly 1 credit call, got %d", credits.calls)
	}
	if credits.credits["user_1"] != 700 {
		t.Errorf("Expected 700 coins, got %d", credits.credits["user_1"])
	}
}

func TestApply_ConflictingTerminalRetainsStored(t *testing.T) {
	store := order.NewMemoryStore()
	engine := New(store, newMockCrediter(), 100, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	if _, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "webhook"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// A conflicting terminal report never overwrites the stored state.
	res, err := engine.Apply(ctx, "ord_1", order.StatusFailed, "poller")
	if err != nil {
		t.Fatalf("Conflicting report errored: %v", err)
	}
	if res.Order.Status != order.StatusPaid {
		t.Errorf("Conflicting report changed status to %s", res.Order.Status)
	}
	if res.CreditedNow {
		t.Error("Conflicting report must not credit")
	}
}

func TestApply_StatusMonotonic(t *testing.T) {
	store := order.NewMemoryStore()
	engine := New(store, newMockCrediter(), 100, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	if _, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "webhook"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// A stale pending report after settlement is a no-op replay.
	res, err := engine.Apply(ctx, "ord_1", order.StatusPending, "poller")
	if err != nil {
		t.Fatalf("Stale pending report errored: %v", err)
	}
	if res.Order.Status != order.StatusPaid {
		t.Errorf("Stale report regressed status to %s", res.Order.Status)
	}
}

func TestApply_PendingReportIsNoop(t *testing.T) {
	store := order.NewMemoryStore()
	engine := New(store, newMockCrediter(), 100, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	res, err := engine.Apply(ctx, "ord_1", order.StatusPending, "poller")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.Order.Status != order.StatusPending || res.CreditedNow {
		t.Errorf("Pending noop wrong: %+v", res)
	}
}

func TestApply_UnknownOrder(t *testing.T) {
	engine := New(order.NewMemoryStore(), newMockCrediter(), 100, nil)

	_, err := engine.Apply(context.Background(), "ord_missing", order.StatusPaid, "webhook")
	if !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("Expected ErrUnknownOrder, got %v", err)
	}
}

func TestApply_PrematureTerminalReport(t *testing.T) {
	store := order.NewMemoryStore()
	engine := New(store, newMockCrediter(), 100, nil)
	ctx := context.Background()

	// Reserved but gateway ref never attached: still created.
	if _, _, err := store.Reserve(ctx, "ord_1", "user_1", 5); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	_, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "webhook")
	if !errors.Is(err, ErrPrematureReport) {
		t.Errorf("Expected ErrPrematureReport, got %v", err)
	}

	// A pending report against a created order is tolerated.
	res, err := engine.Apply(ctx, "ord_1", order.StatusPending, "webhook")
	if err != nil {
		t.Fatalf("Pending report errored: %v", err)
	}
	if res.Order.Status != order.StatusCreated {
		t.Errorf("Pending report mutated created order to %s", res.Order.Status)
	}
}

func TestApply_InvalidStatus(t *testing.T) {
	engine := New(order.NewMemoryStore(), newMockCrediter(), 100, nil)

	for _, s := range []order.Status{"", "bogus", order.StatusCreated} {
		_, err := engine.Apply(context.Background(), "ord_1", s, "webhook")
		if !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("status %q: expected ErrInvalidStatus, got %v", s, err)
		}
	}
}

func TestApply_CreditFailureSurfaces(t *testing.T) {
	store := order.NewMemoryStore()
	credits := newMockCrediter()
	credits.err = errors.New("balance store down")
	engine := New(store, credits, 100, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	_, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "webhook")
	if err == nil {
		t.Fatal("Expected credit failure to surface")
	}

	// The transition already won; a replay never re-fires the credit.
	credits.err = nil
	res, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "poller")
	if err != nil {
		t.Fatalf("Replay errored: %v", err)
	}
	if res.CreditedNow {
		t.Error("Replay after credit failure must not credit again")
	}
	if credits.calls != 1 {
		t.Errorf("Expected 1 credit attempt, got %d", credits.calls)
	}
}

func TestApply_NotifierReceivesTransitions(t *testing.T) {
	store := order.NewMemoryStore()
	engine := New(store, newMockCrediter(), 100, nil)
	notifier := &mockNotifier{}
	engine.SetNotifier(notifier)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	if _, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "webhook"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(notifier.events) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(notifier.events))
	}
	if notifier.events[0].Status != order.StatusPaid {
		t.Errorf("Notification carried wrong status: %s", notifier.events[0].Status)
	}

	// Replays stay silent.
	if _, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "poller"); err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(notifier.events) != 1 {
		t.Errorf("Replay pushed a notification, got %d total", len(notifier.events))
	}
}

func TestNew_CoinRateFallback(t *testing.T) {
	store := order.NewMemoryStore()
	credits := newMockCrediter()
	engine := New(store, credits, 0, nil)
	ctx := context.Background()

	pendingOrder(t, store, "ord_1", "user_1", 5)

	if _, err := engine.Apply(ctx, "ord_1", order.StatusPaid, "webhook"); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if credits.credits["user_1"] != 5 {
		t.Errorf("Expected rate fallback to 1 (5 coins), got %d", credits.credits["user_1"])
	}
}
