package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"catalog-proxy-go/ratelimit"
	"catalog-proxy-go/stats"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T) (*miniredis.Miniredis, *ratelimit.Limiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, ratelimit.New(client)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, ratelimit.Policy) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("connection refused")
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trust      bool
		expected   string
	}{
		{"remote addr", "198.51.100.4:5123", "", true, "198.51.100.4"},
		{"first forwarded entry", "10.0.0.1:80", "203.0.113.9, 10.0.0.1", true, "203.0.113.9"},
		{"forwarded ignored when untrusted", "10.0.0.1:80", "203.0.113.9", false, "10.0.0.1"},
		{"remote addr without port", "198.51.100.4", "", false, "198.51.100.4"},
		{"nothing known", "", "", true, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/stats", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := ClientIP(req, tt.trust); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestCallerClass(t *testing.T) {
	tests := []struct {
		method   string
		key      string
		expected string
	}{
		{"GET", "", ratelimit.ClassRead},
		{"HEAD", "", ratelimit.ClassRead},
		{"POST", "", ratelimit.ClassWrite},
		{"DELETE", "wrong", ratelimit.ClassWrite},
		{"POST", "secret", ratelimit.ClassAdmin},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/cache/clear", nil)
		if tt.key != "" {
			req.Header.Set("X-API-Key", tt.key)
		}
		if got := CallerClass(req, "secret"); got != tt.expected {
			t.Errorf("%s with key %q: expected %s, got %s", tt.method, tt.key, tt.expected, got)
		}
	}
}

func TestRateLimitMiddleware_WriteLimit(t *testing.T) {
	mr, limiter := setupLimiter(t)
	s := stats.New()

	handler := RateLimitMiddleware(RateLimitOptions{
		Limiter:  limiter,
		AdminKey: "secret",
		Stats:    s,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(withKey bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/cache/clear", nil)
		req.RemoteAddr = "198.51.100.4:5123"
		if withKey {
			req.Header.Set("X-API-Key", "secret")
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 10; i++ {
		if rec := send(false); rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	mr.FastForward(15 * time.Second)
	rec := send(false)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 on the 11th write, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "45" {
		t.Errorf("Expected Retry-After 45, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["error"] != "Too Many Requests" {
		t.Errorf("Expected 'Too Many Requests', got %q", body["error"])
	}

	// The admin class has its own counter
	if rec := send(true); rec.Code != http.StatusOK {
		t.Errorf("Expected admin caller to pass, got %d", rec.Code)
	}
	if rec := send(true); rec.Header().Get("X-RateLimit-Type") != ratelimit.ClassAdmin {
		t.Errorf("Expected admin class header, got %q", rec.Header().Get("X-RateLimit-Type"))
	}

	if s.RateLimitExceeded.Load() != 1 {
		t.Errorf("Expected 1 exceeded, got %d", s.RateLimitExceeded.Load())
	}
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	s := stats.New()
	handler := RateLimitMiddleware(RateLimitOptions{
		Limiter: brokenLimiter{},
		Stats:   s,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 when the counter is down, got %d", rec.Code)
	}
	if s.RateLimitErrors.Load() != 1 {
		t.Errorf("Expected 1 rate limit error, got %d", s.RateLimitErrors.Load())
	}
}
