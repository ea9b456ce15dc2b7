package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/valley/internal/auth"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter() (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter()
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiterAllow(t *testing.T) {
	rl, clock := newTestLimiter()

	for i := 0; i < 5; i++ {
		if ok, _ := rl.Allow("key", 5, time.Minute); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	clock.t = clock.t.Add(20 * time.Second)
	ok, wait := rl.Allow("key", 5, time.Minute)
	if ok {
		t.Fatal("6th request should be denied")
	}
	if wait != 40*time.Second {
		t.Errorf("wait = %v, want 40s", wait)
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl, clock := newTestLimiter()

	for i := 0; i < 3; i++ {
		rl.Allow("key", 3, time.Second)
	}
	if ok, _ := rl.Allow("key", 3, time.Second); ok {
		t.Error("should be blocked within window")
	}

	clock.t = clock.t.Add(time.Second)
	if ok, _ := rl.Allow("key", 3, time.Second); !ok {
		t.Error("should be allowed once the window resets")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter()

	rl.Allow("expired", 5, time.Second)
	clock.t = clock.t.Add(2 * time.Second)
	rl.Allow("active", 5, time.Minute)

	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.windows["expired"]; ok {
		t.Error("expired window should have been cleaned up")
	}
	if _, ok := rl.windows["active"]; !ok {
		t.Error("active window should still exist")
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, clock := newTestLimiter()
	handler := RateLimit(rl, Policy{
		Name: "checkout", Requests: 2, Window: time.Minute,
		Key: func(r *http.Request) string { return "test" },
	})(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, http.StatusOK)
		}
	}

	clock.t = clock.t.Add(30*time.Second + 200*time.Millisecond)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("3rd request: status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["code"] != "rate_limited" {
		t.Errorf("code = %q, want %q", body["code"], "rate_limited")
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want %q", got, "30")
	}
}

func TestRateLimitPoliciesDoNotShareBuckets(t *testing.T) {
	rl, _ := newTestLimiter()
	key := func(r *http.Request) string { return "same" }
	a := RateLimit(rl, Policy{Name: "a", Requests: 1, Window: time.Minute, Key: key})(okHandler())
	b := RateLimit(rl, Policy{Name: "b", Requests: 1, Window: time.Minute, Key: key})(okHandler())

	for name, h := range map[string]http.Handler{"a": a, "b": b} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("policy %s: status = %d, want 200", name, rec.Code)
		}
	}
}

func TestEmailOrIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	if got := EmailOrIP(req); got != "ip:203.0.113.7" {
		t.Errorf("anonymous key = %q", got)
	}

	req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{Email: "a@example.com"}))
	if got := EmailOrIP(req); got != "email:a@example.com" {
		t.Errorf("authenticated key = %q", got)
	}
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	if got := RealIP(req); got != "198.51.100.1" {
		t.Errorf("RealIP = %q, want %q", got, "198.51.100.1")
	}
	req.Header.Set("CF-Connecting-IP", "192.0.2.9")
	if got := RealIP(req); got != "192.0.2.9" {
		t.Errorf("RealIP = %q, want %q", got, "192.0.2.9")
	}
}
