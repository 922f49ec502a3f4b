// Package reconcile applies payment status reports to orders.
//
// Reports arrive from uncoordinated sources: the provider's webhook, the
// background status poller, and client-triggered verify calls. All of
// them funnel into Engine.Apply, which enforces the order state machine
// and guarantees the balance credit fires exactly once per order no
// matter how many times "paid" is observed or in what order reports land.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/topup/internal/logging"
	"github.com/mbd888/topup/internal/order"
	"github.com/mbd888/topup/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrUnknownOrder means a report referenced an order that was never
	// reserved. Crediting needs the amount and recipient captured at
	// reservation time, so these reports are rejected outright.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrPrematureReport means a terminal report arrived before the
	// gateway ref was attached. The caller should retry once the
	// reservation flow completes.
	ErrPrematureReport = errors.New("terminal report before gateway ref attached")

	ErrInvalidStatus = errors.New("invalid reported status")
)

// Crediter adds coins to a user's balance.
type Crediter interface {
	Credit(ctx context.Context, userID string, coins int64) error
}

// Notifier receives order status transitions for push delivery.
// May be nil.
type Notifier interface {
	OrderUpdated(o *order.Order)
}

// Result is the outcome of applying a status report.
type Result struct {
	Order       *order.Order `json:"order"`
	CreditedNow bool         `json:"creditedNow"`
}

// Engine is the single entry point for status reports.
type Engine struct {
	store    order.Store
	balances Crediter
	notifier Notifier
	coinRate int64
	logger   *slog.Logger
}

// New creates a reconciliation engine. coinRate is the number of coins
// credited per amount unit; zero or negative falls back to 1.
func New(store order.Store, balances Crediter, coinRate int64, logger *slog.Logger) *Engine {
	if coinRate <= 0 {
		coinRate = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, balances: balances, coinRate: coinRate, logger: logger}
}

// SetNotifier attaches a push-notification sink for status transitions.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Apply reconciles a reported status against the stored order. source
// identifies the reporting channel ("webhook", "poller", "verify") and is
// used only for logs and metrics.
//
// Apply is safe to call concurrently for the same order from any number
// of channels: exactly one caller wins the pending -> terminal
// transition and fires the credit; everyone else observes an idempotent
// replay.
func (e *Engine) Apply(ctx context.Context, orderID string, reported order.Status, source string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Apply",
		traces.OrderID(orderID),
		attribute.String("report.status", string(reported)),
		attribute.String("report.source", source),
	)
	defer span.End()

	if !reported.Valid() || reported == order.StatusCreated {
		applyTotal.WithLabelValues(source, "invalid").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, reported)
	}

	o, err := e.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			applyTotal.WithLabelValues(source, "unknown").Inc()
			return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}
		return nil, err
	}

	switch {
	case o.Status.Terminal():
		return e.replay(o, reported, source), nil

	case o.Status == order.StatusCreated:
		if reported == order.StatusPending {
			applyTotal.WithLabelValues(source, "noop").Inc()
			return &Result{Order: o}, nil
		}
		// Terminal report before AttachGatewayRef ran. Never stored
		// provisionally; the caller retries after reservation completes.
		applyTotal.WithLabelValues(source, "premature").Inc()
		logging.L(ctx).Warn("terminal report for unattached order",
			"order_id", orderID, "reported", reported, "source", source)
		return nil, fmt.Errorf("%w: order %s", ErrPrematureReport, orderID)

	case reported == order.StatusPending:
		applyTotal.WithLabelValues(source, "noop").Inc()
		return &Result{Order: o}, nil
	}

	// pending -> terminal: exactly one writer wins this transition.
	updated, applied, err := e.store.CompareAndTransition(ctx, orderID, order.StatusPending, reported, func(o *order.Order) {
		if reported == order.StatusPaid {
			o.Credited = true
			t := time.Now()
			o.PaidAt = &t
		}
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		// Another channel advanced the order first. Fall back to replay
		// semantics against whatever it wrote; never retry the write,
		// that is what keeps crediting single-shot.
		return e.replay(updated, reported, source), nil
	}

	applyTotal.WithLabelValues(source, "transitioned").Inc()
	transitionsTotal.WithLabelValues(string(reported)).Inc()

	creditedNow := false
	if reported == order.StatusPaid {
		coins := updated.Amount * e.coinRate
		if err := e.balances.Credit(ctx, updated.UserID, coins); err != nil {
			// The order is already marked credited; the coins must be
			// repaired by an operator. Loud on purpose.
			creditFailures.Inc()
			logging.L(ctx).Error("balance credit failed after winning transition",
				"order_id", orderID, "user_id", updated.UserID, "coins", coins, "error", err)
			return nil, fmt.Errorf("credit balance for order %s: %w", orderID, err)
		}
		creditsTotal.Inc()
		creditedNow = true
		logging.L(ctx).Info("order paid, balance credited",
			"order_id", orderID, "user_id", updated.UserID, "coins", coins, "source", source)
	} else {
		logging.L(ctx).Info("order failed",
			"order_id", orderID, "source", source)
	}

	if e.notifier != nil {
		e.notifier.OrderUpdated(updated)
	}

	return &Result{Order: updated, CreditedNow: creditedNow}, nil
}

// replay handles reports against an already-terminal order. Identical
// reports are idempotent no-ops; conflicting terminal reports are
// anomalies that never overwrite the stored state.
func (e *Engine) replay(o *order.Order, reported order.Status, source string) *Result {
	if reported.Terminal() && reported != o.Status {
		applyTotal.WithLabelValues(source, "anomaly").Inc()
		e.logger.Warn("conflicting terminal report retained stored state",
			"order_id", o.OrderID, "stored", o.Status, "reported", reported, "source", source)
	} else {
		applyTotal.WithLabelValues(source, "replay").Inc()
	}
	return &Result{Order: o, CreditedNow: false}
}
