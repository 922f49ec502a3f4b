package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/topup/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:           "0",
		Env:            "development",
		LogLevel:       "error",
		GatewayURL:     "http://localhost:1", // never dialed by these tests
		GatewayKey:     "key",
		GatewaySecret:  "secret",
		GatewayTimeout: time.Second,
		WebhookSecret:  "wh-secret",
		CoinRate:       100,
		PollInterval:   time.Hour,
		PollPendingAge: time.Minute,
		PollBatchSize:  10,
		RateLimitRPM:   6000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	require.NoError(t, err)
	return s
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServer_Liveness(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestServer_ReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Run was never called, so the server must report not ready.
	w := get(s, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	// Unknown order on the read path proves the v1 group is wired.
	w := get(s, "/v1/orders/ord_missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")

	// Unknown user balance reads as zero.
	w = get(s, "/v1/users/nobody/balance")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"coins":0`)

	// Unsigned webhook is rejected before any parsing.
	wr := httptest.NewRecorder()
	s.Router().ServeHTTP(wr, httptest.NewRequest(http.MethodPost, "/v1/webhook", nil))
	assert.Equal(t, http.StatusBadRequest, wr.Code)
}

func TestServer_SecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := get(s, "/health/live")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
