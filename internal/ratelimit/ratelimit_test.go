package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAllow_BurstThenLimit(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("client") {
			t.Fatalf("Request %d within burst should pass", i+1)
		}
	}
	if l.Allow("client") {
		t.Error("Request over burst should be rejected")
	}

	// A different client has its own bucket.
	if !l.Allow("other") {
		t.Error("Independent client should not be limited")
	}
}

func TestAllow_Refills(t *testing.T) {
	// 600 rpm = 10 tokens/sec, so ~one token back every 100ms.
	l := New(Config{RequestsPerMinute: 600, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("client") {
		t.Fatal("First request should pass")
	}
	if l.Allow("client") {
		t.Fatal("Bucket should be empty")
	}

	time.Sleep(150 * time.Millisecond)
	if !l.Allow("client") {
		t.Error("Bucket should have refilled")
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("First request: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Second request: expected 429, got %d", w.Code)
	}
}
