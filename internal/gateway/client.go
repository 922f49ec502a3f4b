// Package gateway is the client for the external UPI payment provider.
//
// The provider creates a payable order (payment URL + provider transaction
// id) and reports settlement status on demand. Failures are classified as
// retryable (network, timeouts, 5xx) or not (4xx, malformed responses) so
// callers never blindly retry a rejected request.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/topup/internal/order"
)

// Error is a classified gateway failure.
type Error struct {
	Op        string
	Status    int // HTTP status, 0 for transport failures
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether the failure is worth retrying. Satisfies the
// temporary-error interface callers use to classify without importing
// this package.
func (e *Error) Temporary() bool { return e.Retryable }

// Retryable reports whether err is a gateway failure worth retrying.
func Retryable(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Retryable
}

// Client talks to the payment provider over HTTP.
type Client struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
}

// New creates a gateway client. timeout bounds every call.
func New(baseURL, key, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

type createRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Note    string `json:"note,omitempty"`
}

type createResponse struct {
	Success       bool   `json:"success"`
	OrderID       string `json:"order_id"`
	PaymentURL    string `json:"payment_url"`
	ProviderTxnID string `json:"txn_id"`
	UTRCheck      string `json:"utr_check"`
	ErrorMsg      string `json:"error,omitempty"`
}

// CreateOrder registers the order with the provider and returns the
// payable reference. The provider treats order_id as idempotency key, so
// a timed-out call may be repeated safely.
func (c *Client) CreateOrder(ctx context.Context, orderID string, amount int64, note string) (*order.GatewayRef, error) {
	var out createResponse
	if err := c.post(ctx, "create-order", createRequest{OrderID: orderID, Amount: amount, Note: note}, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &Error{Op: "create-order", Retryable: false, Err: fmt.Errorf("provider rejected order: %s", out.ErrorMsg)}
	}
	return &order.GatewayRef{
		PaymentURL:    out.PaymentURL,
		ProviderTxnID: out.ProviderTxnID,
		UTRCheck:      out.UTRCheck,
	}, nil
}

type statusRequest struct {
	TxnID string `json:"txn_id"`
}

type statusResponse struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	ErrorMsg string `json:"error,omitempty"`
}

// CheckStatus asks the provider for the settlement state of a previously
// created order. Pure read; no side effects on the provider.
func (c *Client) CheckStatus(ctx context.Context, ref order.GatewayRef) (order.Status, error) {
	var out statusResponse
	if err := c.post(ctx, "status", statusRequest{TxnID: ref.ProviderTxnID}, &out); err != nil {
		return "", err
	}
	if !out.Success {
		return "", &Error{Op: "status", Retryable: false, Err: fmt.Errorf("provider rejected status check: %s", out.ErrorMsg)}
	}
	return mapStatus(out.Status)
}

// mapStatus translates provider status strings to the order state enum.
func mapStatus(s string) (order.Status, error) {
	switch strings.ToLower(s) {
	case "pending", "created", "initiated":
		return order.StatusPending, nil
	case "success", "paid", "completed":
		return order.StatusPaid, nil
	case "failed", "expired", "cancelled":
		return order.StatusFailed, nil
	}
	return "", &Error{Op: "status", Retryable: false, Err: fmt.Errorf("unknown provider status %q", s)}
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: path, Retryable: false, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: path, Retryable: false, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("key", c.key)
	req.Header.Set("secret", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure or timeout: worth retrying.
		return &Error{Op: path, Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return &Error{Op: path, Status: resp.StatusCode, Retryable: true, Err: fmt.Errorf("provider error")}
	case resp.StatusCode >= 400:
		return &Error{Op: path, Status: resp.StatusCode, Retryable: false, Err: fmt.Errorf("request rejected")}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: path, Status: resp.StatusCode, Retryable: false, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}
