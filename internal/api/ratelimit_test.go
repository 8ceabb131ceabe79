package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	l := newRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !l.allow("1.2.3.4") {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}
	if l.allow("1.2.3.4") {
		t.Error("request over the limit was allowed")
	}

	// Other clients are tracked independently.
	if !l.allow("5.6.7.8") {
		t.Error("different client should not share the window")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	now := time.Now()
	l := newRateLimiter(1, time.Hour)
	l.now = func() time.Time { return now }

	if !l.allow("c") {
		t.Fatal("first request rejected")
	}
	if l.allow("c") {
		t.Fatal("second request inside window allowed")
	}

	now = now.Add(61 * time.Minute)
	if !l.allow("c") {
		t.Error("request after window expiry rejected")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	now := time.Now()
	l := newRateLimiter(1, time.Hour)
	l.now = func() time.Time { return now }

	l.allow("idle")
	now = now.Add(61 * time.Minute)
	l.allow("busy")

	l.mu.Lock()
	_, stale := l.clients["idle"]
	l.mu.Unlock()
	if stale {
		t.Error("idle client entry should be evicted after its window expires")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	srv := newTestServer(t)
	srv.limiter = newRateLimiter(2, time.Hour)
	handler := srv.rateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "9.9.9.9:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "9.9.9.9:5678" // same IP, different port
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("429 body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("429 body missing error field")
	}
}
