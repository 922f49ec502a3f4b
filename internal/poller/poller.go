// Package poller actively checks pending orders against the provider.
//
// Webhook delivery is not guaranteed, so orders that sit pending beyond a
// configurable age get their status pulled and fed through the same
// reconciliation entry point the webhook uses. The poller holds no state
// of its own; its only coupling to the rest of the system is the order
// store and Engine.Apply.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/topup/internal/order"
	"github.com/mbd888/topup/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pollTicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "poller",
		Name:      "ticks_total",
		Help:      "Poll loop iterations.",
	})

	pollChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "poller",
		Name:      "checks_total",
		Help:      "Provider status checks by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(pollTicksTotal, pollChecksTotal)
}

// StatusChecker asks the payment provider for an order's current state.
type StatusChecker interface {
	CheckStatus(ctx context.Context, ref order.GatewayRef) (order.Status, error)
}

// Config tunes the poll loop. Cadence and backoff are configuration, not
// core logic.
type Config struct {
	Interval   time.Duration // how often to tick
	PendingAge time.Duration // only poll orders pending at least this long
	BatchSize  int           // max orders per tick
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		PendingAge: time.Minute,
		BatchSize:  100,
	}
}

// Poller periodically reconciles aged pending orders.
type Poller struct {
	store   order.Store
	checker StatusChecker
	engine  *reconcile.Engine
	cfg     Config
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// New creates a status poller.
func New(store order.Store, checker StatusChecker, engine *reconcile.Engine, cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.PendingAge <= 0 {
		cfg.PendingAge = DefaultConfig().PendingAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		store:   store,
		checker: checker,
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Running reports whether the poll loop is actively running.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeTick(ctx)
		}
	}
}

// Stop signals the poller to stop.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Poller) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in status poller", "panic", fmt.Sprint(r))
		}
	}()
	p.tick(ctx)
}

func (p *Poller) tick(ctx context.Context) {
	pollTicksTotal.Inc()

	pending, err := p.store.ListPendingOlderThan(ctx, p.cfg.PendingAge, p.cfg.BatchSize)
	if err != nil {
		p.logger.Warn("failed to list pending orders", "error", err)
		return
	}

	for _, o := range pending {
		if o.GatewayRef.Empty() {
			// Pending without a ref should not happen; skip rather
			// than hammer the provider with an empty handle.
			pollChecksTotal.WithLabelValues("no_ref").Inc()
			continue
		}

		reported, err := p.checker.CheckStatus(ctx, o.GatewayRef)
		if err != nil {
			// Transient or not, the next tick picks the order up again.
			pollChecksTotal.WithLabelValues("check_error").Inc()
			p.logger.Warn("provider status check failed",
				"order_id", o.OrderID, "error", err)
			continue
		}

		res, err := p.engine.Apply(ctx, o.OrderID, reported, "poller")
		if err != nil {
			pollChecksTotal.WithLabelValues("apply_error").Inc()
			p.logger.Warn("failed to apply polled status",
				"order_id", o.OrderID, "reported", reported, "error", err)
			continue
		}

		pollChecksTotal.WithLabelValues("ok").Inc()
		if res.CreditedNow {
			p.logger.Info("poller settled order",
				"order_id", o.OrderID, "status", res.Order.Status)
		}
	}
}
