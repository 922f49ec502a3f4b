package webhook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/topup/internal/logging"
	"github.com/mbd888/topup/internal/order"
	"github.com/mbd888/topup/internal/reconcile"
	"github.com/prometheus/client_golang/prometheus"
)

// SignatureHeader carries the provider's HMAC over the raw body.
const SignatureHeader = "X-Topup-Signature"

var (
	webhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "topup",
		Subsystem: "webhook",
		Name:      "received_total",
		Help:      "Inbound provider notifications by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(webhookTotal)
}

// notification is the provider's payload shape.
type notification struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	UTR     string `json:"utr,omitempty"`
}

// Handler receives provider payment notifications.
type Handler struct {
	verifier *Verifier
	engine   *reconcile.Engine
}

// NewHandler creates a new webhook handler.
func NewHandler(verifier *Verifier, engine *reconcile.Engine) *Handler {
	return &Handler{verifier: verifier, engine: engine}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhook", h.Receive)
}

// Receive handles POST /v1/webhook.
//
// Replies 200 for every authenticated, well-formed notification — even
// idempotent replays and anomalies — so the provider stops retrying.
// Only a bad signature (400) or an unknown order (422) is surfaced.
func (h *Handler) Receive(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		webhookTotal.WithLabelValues("read_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return
	}

	// Authenticate before parsing: the signature covers the raw bytes.
	if !h.verifier.Verify(raw, c.GetHeader(SignatureHeader)) {
		webhookTotal.WithLabelValues("bad_signature").Inc()
		logging.L(c.Request.Context()).Warn("webhook signature verification failed",
			"remote", c.ClientIP())
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	var n notification
	if err := json.Unmarshal(raw, &n); err != nil || n.OrderID == "" {
		webhookTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed notification payload",
		})
		return
	}

	reported := mapProviderStatus(n.Status)
	if reported == "" {
		webhookTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown status value",
		})
		return
	}

	res, err := h.engine.Apply(c.Request.Context(), n.OrderID, reported, "webhook")
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrUnknownOrder):
			webhookTotal.WithLabelValues("unknown_order").Inc()
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "unknown_order",
				"message": "No such order",
			})
		case errors.Is(err, reconcile.ErrPrematureReport):
			// Let the provider redeliver once reservation completes.
			webhookTotal.WithLabelValues("premature").Inc()
			c.JSON(http.StatusConflict, gin.H{
				"error":   "premature",
				"message": "Order not yet handed to the gateway, retry",
			})
		default:
			webhookTotal.WithLabelValues("error").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to apply notification",
			})
		}
		return
	}

	webhookTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"order":       res.Order.OrderID,
		"status":      res.Order.Status,
		"creditedNow": res.CreditedNow,
	})
}

// mapProviderStatus translates provider webhook status strings to the
// order state enum. Returns "" for unrecognized values.
func mapProviderStatus(s string) order.Status {
	switch s {
	case "pending", "created", "initiated":
		return order.StatusPending
	case "success", "paid", "completed":
		return order.StatusPaid
	case "failed", "expired", "cancelled":
		return order.StatusFailed
	}
	return ""
}
