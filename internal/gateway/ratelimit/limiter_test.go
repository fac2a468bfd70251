package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elvis3770/webai-gateway/internal/shared/config"
)

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	t.Parallel()

	if _, err := New(0, time.Minute); err == nil {
		t.Fatal("New(0, 1m) error = nil, want error")
	}
	if _, err := New(-3, time.Minute); err == nil {
		t.Fatal("New(-3, 1m) error = nil, want error")
	}
	if _, err := New(10, 0); err == nil {
		t.Fatal("New(10, 0) error = nil, want error")
	}
}

func TestAdmitSlidingWindow(t *testing.T) {
	t.Parallel()

	limiter, err := New(3, 10*time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		d := limiter.Admit("key:a", base.Add(time.Duration(i)*time.Second))
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if want := 3 - i - 1; d.Remaining != want {
			t.Fatalf("request %d remaining = %d, want %d", i, d.Remaining, want)
		}
	}

	denied := limiter.Admit("key:a", base.Add(3*time.Second))
	if denied.Allowed {
		t.Fatal("fourth request allowed, want denied")
	}
	if denied.RetryAfter != 7*time.Second {
		t.Fatalf("RetryAfter = %s, want 7s", denied.RetryAfter)
	}
	if denied.RetryAfterSeconds() != 7 {
		t.Fatalf("RetryAfterSeconds() = %d, want 7", denied.RetryAfterSeconds())
	}

	// The first request leaves the window exactly windowDuration later.
	again := limiter.Admit("key:a", base.Add(10*time.Second))
	if !again.Allowed {
		t.Fatal("request after window elapsed denied, want allowed")
	}
	if again.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", again.Remaining)
	}
}

func TestAdmitDeniedRequestsAreNotRecorded(t *testing.T) {
	t.Parallel()

	limiter, _ := New(1, time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if d := limiter.Admit("ip:10.0.0.1", base); !d.Allowed {
		t.Fatal("first request denied")
	}
	for i := 1; i <= 5; i++ {
		if d := limiter.Admit("ip:10.0.0.1", base.Add(time.Duration(i)*time.Second)); d.Allowed {
			t.Fatalf("request %d allowed, want denied", i)
		}
	}
	if d := limiter.Admit("ip:10.0.0.1", base.Add(time.Minute)); !d.Allowed {
		t.Fatal("denials extended the window; request after one minute denied")
	}
}

func TestAdmitIdentitiesAreIndependent(t *testing.T) {
	t.Parallel()

	limiter, _ := New(1, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !limiter.Admit("key:a", now).Allowed {
		t.Fatal("key:a denied")
	}
	if !limiter.Admit("key:b", now).Allowed {
		t.Fatal("key:b denied after key:a used its quota")
	}
}

func TestAdmitNeverExceedsLimitConcurrently(t *testing.T) {
	t.Parallel()

	const limit = 25
	limiter, _ := New(limit, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Admit("key:shared", now).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed = %d, want %d", got, limit)
	}
}

func TestAllowKeepsTimestampsOrdered(t *testing.T) {
	t.Parallel()

	limiter, _ := New(1000, time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	limiter.nowFn = func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)))
	}

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				limiter.Allow("key:shared")
			}
		}()
	}
	wg.Wait()

	w := limiter.load("key:shared")
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.timestamps) != 640 {
		t.Fatalf("recorded %d admissions, want 640", len(w.timestamps))
	}
	for i := 1; i < len(w.timestamps); i++ {
		if !w.timestamps[i].After(w.timestamps[i-1]) {
			t.Fatalf("timestamp %d (%s) not after %d (%s)", i, w.timestamps[i], i-1, w.timestamps[i-1])
		}
	}
}

func TestSweepRemovesIdleWindows(t *testing.T) {
	t.Parallel()

	limiter, _ := New(5, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	limiter.Admit("key:old", base)
	limiter.Admit("key:recent", base.Add(2500*time.Millisecond))

	if removed := limiter.Sweep(base.Add(3 * time.Second)); removed != 1 {
		t.Fatalf("Sweep() removed %d, want 1", removed)
	}
	if limiter.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", limiter.Len())
	}

	// A swept identity starts over with a fresh window.
	d := limiter.Admit("key:old", base.Add(3*time.Second))
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("Admit after sweep = %+v, want allowed with 4 remaining", d)
	}
}

func TestDecisionSecondsRoundUp(t *testing.T) {
	t.Parallel()

	d := Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond, ResetAfter: 200 * time.Millisecond}
	if got := d.RetryAfterSeconds(); got != 2 {
		t.Fatalf("RetryAfterSeconds() = %d, want 2", got)
	}
	if got := d.ResetAfterSeconds(); got != 1 {
		t.Fatalf("ResetAfterSeconds() = %d, want 1", got)
	}
}

func TestMiddlewareSetsHeadersAndDenies(t *testing.T) {
	t.Parallel()

	limiter, _ := New(2, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.nowFn = func() time.Time { return now }

	identity, err := NewIdentityFunc(config.IdentityAPIKeyOrIP, func(r *http.Request) string {
		return r.Header.Get("X-API-Key")
	})
	if err != nil {
		t.Fatalf("NewIdentityFunc() error = %v", err)
	}

	var calls int
	handler := Middleware(limiter, identity, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.Header.Set("X-API-Key", "sk-test-1234567890")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.Code)
	}
	if got := first.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Fatalf("X-RateLimit-Limit = %q, want 2", got)
	}
	if got := first.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 1", got)
	}
	if got := first.Header().Get("X-RateLimit-Reset"); got != "60" {
		t.Fatalf("X-RateLimit-Reset = %q, want 60", got)
	}

	send()
	now = now.Add(15 * time.Second)
	denied := send()
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("third status = %d, want 429", denied.Code)
	}
	retry, err := strconv.Atoi(denied.Header().Get("Retry-After"))
	if err != nil || retry != 45 {
		t.Fatalf("Retry-After = %q, want 45", denied.Header().Get("Retry-After"))
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestIdentityModes(t *testing.T) {
	t.Parallel()

	apiKey := func(r *http.Request) string { return r.Header.Get("X-API-Key") }

	withKey := httptest.NewRequest(http.MethodGet, "/", nil)
	withKey.RemoteAddr = "192.0.2.7:5555"
	withKey.Header.Set("X-API-Key", "abcdefghijkl")

	withoutKey := httptest.NewRequest(http.MethodGet, "/", nil)
	withoutKey.RemoteAddr = "192.0.2.8:5555"

	tests := []struct {
		mode string
		req  *http.Request
		want string
	}{
		{config.IdentityAPIKey, withKey, "key:abcdefgh"},
		{config.IdentityAPIKey, withoutKey, ""},
		{config.IdentityIP, withKey, "ip:192.0.2.7"},
		{config.IdentityAPIKeyOrIP, withKey, "key:abcdefgh"},
		{config.IdentityAPIKeyOrIP, withoutKey, "ip:192.0.2.8"},
	}
	for _, tt := range tests {
		fn, err := NewIdentityFunc(tt.mode, apiKey)
		if err != nil {
			t.Fatalf("NewIdentityFunc(%q) error = %v", tt.mode, err)
		}
		if got := fn(tt.req); got != tt.want {
			t.Errorf("mode %q identity = %q, want %q", tt.mode, got, tt.want)
		}
	}

	if _, err := NewIdentityFunc("cookie", apiKey); err == nil {
		t.Fatal("NewIdentityFunc(cookie) error = nil, want error")
	}
}

func TestOnDenyRunsForDeniedAdmissions(t *testing.T) {
	t.Parallel()

	limiter, err := New(1, time.Minute)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var denied []string
	limiter.OnDeny(func(identity string) { denied = append(denied, identity) })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.Admit("ip:10.0.0.1", now)
	limiter.Admit("ip:10.0.0.1", now.Add(time.Second))
	limiter.Admit("ip:10.0.0.2", now.Add(time.Second))

	if len(denied) != 1 || denied[0] != "ip:10.0.0.1" {
		t.Fatalf("denied = %v, want [ip:10.0.0.1]", denied)
	}
}
