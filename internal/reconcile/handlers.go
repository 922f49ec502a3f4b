package reconcile

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/topup/internal/gateway"
	"github.com/mbd888/topup/internal/order"
)

// StatusChecker asks the payment provider for an order's current state.
type StatusChecker interface {
	CheckStatus(ctx context.Context, ref order.GatewayRef) (order.Status, error)
}

// Handler exposes client-triggered verification: the payment page calls
// this after the user claims to have paid, instead of waiting for the
// webhook or the background poller.
type Handler struct {
	store   order.Store
	checker StatusChecker
	engine  *Engine
}

// NewHandler creates a new reconcile handler.
func NewHandler(store order.Store, checker StatusChecker, engine *Engine) *Handler {
	return &Handler{store: store, checker: checker, engine: engine}
}

// RegisterRoutes sets up verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/verify", h.VerifyOrder)
}

// VerifyOrder handles POST /v1/orders/:id/verify
func (h *Handler) VerifyOrder(c *gin.Context) {
	orderID := c.Param("id")

	o, err := h.store.Get(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if o.Status.Terminal() {
		// Nothing to check; report the settled state.
		c.JSON(http.StatusOK, gin.H{"order": o, "creditedNow": false})
		return
	}

	if o.GatewayRef.Empty() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "premature",
			"message": "Order has no gateway reference yet, retry shortly",
		})
		return
	}

	reported, err := h.checker.CheckStatus(c.Request.Context(), o.GatewayRef)
	if err != nil {
		status := http.StatusBadGateway
		code := "gateway_error"
		if gateway.Retryable(err) {
			status = http.StatusServiceUnavailable
			code = "gateway_unavailable"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": "Provider status check failed",
		})
		return
	}

	res, err := h.engine.Apply(c.Request.Context(), orderID, reported, "verify")
	if err != nil {
		switch {
		case errors.Is(err, ErrPrematureReport):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "premature",
				"message": "Report arrived before the order was handed to the gateway",
			})
		case errors.Is(err, ErrUnknownOrder):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": res.Order, "creditedNow": res.CreditedNow})
}
