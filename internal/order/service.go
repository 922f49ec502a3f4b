package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/topup/internal/idgen"
	"github.com/mbd888/topup/internal/logging"
	"github.com/mbd888/topup/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	reservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "order",
		Name:      "reservations_total",
		Help:      "Order reservations by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(reservationsTotal)
}

// GatewayCreator registers an order with the payment provider.
type GatewayCreator interface {
	CreateOrder(ctx context.Context, orderID string, amount int64, note string) (*GatewayRef, error)
}

// CreateRequest is the request body for reserving an order.
type CreateRequest struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
	Note    string `json:"note"`
}

// Service runs the reservation flow: reserve the record, register it
// with the gateway, attach the returned ref. Every step is idempotent
// with respect to an existing record, so a caller whose gateway call
// timed out can simply retry the whole thing.
type Service struct {
	store   Store
	gateway GatewayCreator
	logger  *slog.Logger
}

// NewService creates an order service.
func NewService(store Store, gw GatewayCreator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, gateway: gw, logger: logger}
}

// Create reserves an order and hands it to the gateway. created reports
// whether this call reserved a fresh record; false means the order ID
// was already taken and the existing record is returned.
func (s *Service) Create(ctx context.Context, req CreateRequest) (o *Order, created bool, err error) {
	ctx, span := traces.StartSpan(ctx, "order.Create", traces.Amount(req.Amount))
	defer span.End()

	orderID := req.OrderID
	if orderID == "" {
		orderID = idgen.WithPrefix("ord_")
	}

	o, created, err = s.store.Reserve(ctx, orderID, req.UserID, req.Amount)
	if err != nil {
		reservationsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("reserve order %s: %w", orderID, err)
	}
	if created {
		reservationsTotal.WithLabelValues("created").Inc()
	} else {
		reservationsTotal.WithLabelValues("duplicate").Inc()
		if o.Status != StatusCreated {
			// Already past the gateway step; nothing more to do here.
			return o, false, nil
		}
		// An earlier attempt died before attaching the ref. Retrying
		// the gateway step is safe: order_id is the idempotency key.
	}

	ref, err := s.gateway.CreateOrder(ctx, o.OrderID, o.Amount, req.Note)
	if err != nil {
		reservationsTotal.WithLabelValues("gateway_error").Inc()
		logging.L(ctx).Warn("gateway create failed, order left reserved",
			"order_id", o.OrderID, "error", err)
		// The record stays in created state; the client may retry.
		sentinel := ErrGatewayRejected
		var te interface{ Temporary() bool }
		if errors.As(err, &te) && te.Temporary() {
			sentinel = ErrGatewayUnavailable
		}
		return nil, created, fmt.Errorf("%w: order %s: %v", sentinel, o.OrderID, err)
	}

	o, err = s.store.AttachGatewayRef(ctx, orderID, *ref)
	if err != nil {
		return nil, created, fmt.Errorf("attach gateway ref to order %s: %w", orderID, err)
	}

	logging.L(ctx).Info("order reserved",
		"order_id", o.OrderID, "user_id", o.UserID, "amount", o.Amount, "fresh", created)
	return o, created, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.store.Get(ctx, orderID)
}
