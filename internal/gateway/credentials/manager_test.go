package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elvis3770/webai-gateway/internal/shared/redis"
	"github.com/golang-jwt/jwt/v4"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{
		TTL:            time.Hour,
		RefreshLead:    10 * time.Minute,
		MaxAttempts:    3,
		RetryInterval:  time.Millisecond,
		BackoffInitial: time.Minute,
		BackoffMax:     5 * time.Minute,
		RenewTimeout:   5 * time.Second,
	}
}

func newTestManager(t *testing.T, renewer Renewer, store Store) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(testOptions(), renewer, store, discardLogger())
	m.nowFn = clock.Now
	m.Register("webai")
	return m, clock
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type countingRenewer struct {
	calls   atomic.Int64
	release chan struct{}
	err     error
	value   map[string]string
}

func (r *countingRenewer) Renew(ctx context.Context, _ string) (Renewal, error) {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return Renewal{}, ctx.Err()
		}
	}
	if r.err != nil {
		return Renewal{}, r.err
	}
	return Renewal{Value: r.value}, nil
}

func TestOverrideInstallsFreshCopy(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil, nil)
	value := map[string]string{CookiePSID: "a"}

	cred, err := m.Override("webai", value)
	if err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	if cred.State != StateFresh {
		t.Fatalf("state = %s, want fresh", cred.State)
	}
	if want := clock.Now().Add(time.Hour); !cred.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %s, want %s", cred.ExpiresAt, want)
	}

	value[CookiePSID] = "mutated"
	cred.Value[CookiePSID] = "mutated"

	current, ok := m.CurrentCredential("webai")
	if !ok {
		t.Fatal("CurrentCredential() ok = false")
	}
	if current.Value[CookiePSID] != "a" {
		t.Fatalf("stored value = %q, want a", current.Value[CookiePSID])
	}
}

func TestOverrideUnknownProvider(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, nil)
	if _, err := m.Override("nope", map[string]string{"a": "b"}); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Override() error = %v, want ErrUnknownProvider", err)
	}
	if _, ok := m.CurrentCredential("nope"); ok {
		t.Fatal("CurrentCredential(nope) ok = true, want false")
	}
	if _, err := m.ForceRefresh(context.Background(), "nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("ForceRefresh() error = %v, want ErrUnknownProvider", err)
	}
}

func TestStaleCredentialRenewsInBackground(t *testing.T) {
	t.Parallel()

	renewer := &countingRenewer{value: map[string]string{CookiePSID: "renewed"}}
	m, clock := newTestManager(t, renewer, nil)
	if _, err := m.Override("webai", map[string]string{CookiePSID: "old"}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}

	clock.Advance(49 * time.Minute)
	if cred, _ := m.CurrentCredential("webai"); cred.State != StateFresh {
		t.Fatalf("state before lead = %s, want fresh", cred.State)
	}

	clock.Advance(time.Minute)
	cred, _ := m.CurrentCredential("webai")
	if cred.State != StateStale && cred.State != StateRenewing {
		t.Fatalf("state at lead = %s, want stale or renewing", cred.State)
	}
	if cred.Value[CookiePSID] != "old" {
		t.Fatalf("served value = %q, want old value while renewing", cred.Value[CookiePSID])
	}

	waitFor(t, "renewed credential", func() bool {
		c, _ := m.CurrentCredential("webai")
		return c.State == StateFresh && c.Value[CookiePSID] == "renewed"
	})
	if got := renewer.calls.Load(); got != 1 {
		t.Fatalf("renew calls = %d, want 1", got)
	}
}

func TestConcurrentTriggersCollapseIntoOneRenewal(t *testing.T) {
	t.Parallel()

	renewer := &countingRenewer{
		release: make(chan struct{}),
		value:   map[string]string{CookiePSID: "renewed"},
	}
	m, clock := newTestManager(t, renewer, nil)
	if _, err := m.Override("webai", map[string]string{CookiePSID: "old"}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	clock.Advance(55 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.CurrentCredential("webai")
		}()
	}
	wg.Wait()

	waitFor(t, "renewal to start", func() bool { return renewer.calls.Load() == 1 })

	forced := make(chan Credential, 1)
	go func() {
		cred, err := m.ForceRefresh(context.Background(), "webai")
		if err != nil {
			t.Errorf("ForceRefresh() error = %v", err)
		}
		forced <- cred
	}()

	if cred, _ := m.CurrentCredential("webai"); cred.State != StateRenewing {
		t.Fatalf("state during renewal = %s, want renewing", cred.State)
	}

	close(renewer.release)

	select {
	case cred := <-forced:
		if cred.Value[CookiePSID] != "renewed" {
			t.Fatalf("ForceRefresh value = %q, want renewed", cred.Value[CookiePSID])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ForceRefresh did not return")
	}

	if got := renewer.calls.Load(); got != 1 {
		t.Fatalf("renew calls = %d, want exactly 1", got)
	}
}

func TestRenewalFailureMarksInvalidAndBacksOff(t *testing.T) {
	t.Parallel()

	renewer := &countingRenewer{err: errors.New("session rejected")}
	m, clock := newTestManager(t, renewer, nil)
	if _, err := m.Override("webai", map[string]string{CookiePSID: "old"}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}

	cred, err := m.ForceRefresh(context.Background(), "webai")
	if !errors.Is(err, ErrRenewalFailed) {
		t.Fatalf("ForceRefresh() error = %v, want ErrRenewalFailed", err)
	}
	if got := renewer.calls.Load(); got != 3 {
		t.Fatalf("renew calls = %d, want 3 attempts", got)
	}
	if cred.State != StateInvalid || !cred.Degraded {
		t.Fatalf("credential = %+v, want invalid and degraded", cred)
	}

	current, _ := m.CurrentCredential("webai")
	if current.Value[CookiePSID] != "old" {
		t.Fatalf("invalid credential not served, value = %q", current.Value[CookiePSID])
	}

	status := m.Status()
	if len(status) != 1 || status[0].Failures != 1 || !status[0].NextAttempt.After(clock.Now()) {
		t.Fatalf("Status() = %+v, want one failure with a future next attempt", status)
	}

	// Within the backoff period reads do not re-attempt.
	time.Sleep(30 * time.Millisecond)
	if got := renewer.calls.Load(); got != 3 {
		t.Fatalf("renew calls during backoff = %d, want 3", got)
	}

	clock.Advance(10 * time.Minute)
	m.CurrentCredential("webai")
	waitFor(t, "re-attempt after backoff", func() bool {
		return renewer.calls.Load() == 6 && m.Status()[0].Failures == 2
	})
}

func TestBackoffGrowsUntilCapped(t *testing.T) {
	t.Parallel()

	renewer := &countingRenewer{err: errors.New("session rejected")}
	m, clock := newTestManager(t, renewer, nil)
	e, _ := m.lookup("webai")
	e.retry.RandomizationFactor = 0
	e.retry.Reset()

	want := []time.Duration{
		time.Minute,
		90 * time.Second,
		135 * time.Second,
		202500 * time.Millisecond,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, w := range want {
		if _, err := m.ForceRefresh(context.Background(), "webai"); !errors.Is(err, ErrRenewalFailed) {
			t.Fatalf("failure %d: ForceRefresh() error = %v, want ErrRenewalFailed", i+1, err)
		}
		status := m.Status()[0]
		if got := status.NextAttempt.Sub(clock.Now()); got != w {
			t.Fatalf("failure %d: next attempt in %s, want %s", i+1, got, w)
		}
		if status.Failures != i+1 {
			t.Fatalf("failure %d: Failures = %d", i+1, status.Failures)
		}
	}

	renewer.err = nil
	renewer.value = map[string]string{CookiePSID: "back"}
	if _, err := m.ForceRefresh(context.Background(), "webai"); err != nil {
		t.Fatalf("ForceRefresh() after recovery error = %v", err)
	}
	renewer.err = errors.New("session rejected again")
	if _, err := m.ForceRefresh(context.Background(), "webai"); !errors.Is(err, ErrRenewalFailed) {
		t.Fatalf("ForceRefresh() error = %v, want ErrRenewalFailed", err)
	}
	if got := m.Status()[0].NextAttempt.Sub(clock.Now()); got != time.Minute {
		t.Fatalf("next attempt after a success reset = %s, want 1m", got)
	}
}

func singleAttemptManager(t *testing.T, renewer Renewer) *Manager {
	t.Helper()
	opts := testOptions()
	opts.MaxAttempts = 1
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(opts, renewer, nil, discardLogger())
	m.nowFn = clock.Now
	m.Register("webai")
	return m
}

func TestOverrideSurvivesFailedRenewalInFlight(t *testing.T) {
	t.Parallel()

	renewer := &countingRenewer{release: make(chan struct{}), err: errors.New("session rejected")}
	m := singleAttemptManager(t, renewer)

	done := make(chan error, 1)
	go func() {
		_, err := m.ForceRefresh(context.Background(), "webai")
		done <- err
	}()
	waitFor(t, "renewal to start", func() bool { return renewer.calls.Load() == 1 })

	if _, err := m.Override("webai", map[string]string{CookiePSID: "operator"}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	close(renewer.release)

	select {
	case err := <-done:
		if !errors.Is(err, ErrRenewalFailed) {
			t.Fatalf("ForceRefresh() error = %v, want ErrRenewalFailed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ForceRefresh did not return")
	}

	cred, _ := m.CurrentCredential("webai")
	if cred.Value[CookiePSID] != "operator" || cred.State != StateFresh || cred.Degraded {
		t.Fatalf("credential after failed renewal = %+v, want the fresh operator value", cred)
	}
	status := m.Status()[0]
	if status.Failures != 1 || !status.NextAttempt.IsZero() {
		t.Fatalf("Status() = %+v, want one failure and no scheduled attempt", status)
	}
}

func TestOverrideSurvivesSuccessfulRenewalInFlight(t *testing.T) {
	t.Parallel()

	renewer := &countingRenewer{release: make(chan struct{}), value: map[string]string{CookiePSID: "renewed"}}
	m := singleAttemptManager(t, renewer)

	done := make(chan Credential, 1)
	go func() {
		cred, err := m.ForceRefresh(context.Background(), "webai")
		if err != nil {
			t.Errorf("ForceRefresh() error = %v", err)
		}
		done <- cred
	}()
	waitFor(t, "renewal to start", func() bool { return renewer.calls.Load() == 1 })

	if _, err := m.Override("webai", map[string]string{CookiePSID: "operator"}); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	close(renewer.release)

	select {
	case cred := <-done:
		if cred.Value[CookiePSID] != "operator" {
			t.Fatalf("ForceRefresh value = %q, want operator", cred.Value[CookiePSID])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ForceRefresh did not return")
	}

	if cred, _ := m.CurrentCredential("webai"); cred.Value[CookiePSID] != "operator" || cred.State != StateFresh {
		t.Fatalf("credential = %+v, want the fresh operator value", cred)
	}
	if got := m.Status()[0].Renewals; got != 1 {
		t.Fatalf("Renewals = %d, want 1 (the override only)", got)
	}
}

func TestRegisteredProviderWithoutRenewerBecomesInvalid(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, nil, nil)

	cred, ok := m.CurrentCredential("webai")
	if !ok || !cred.Empty() {
		t.Fatalf("CurrentCredential() = %+v, %v; want empty registered credential", cred, ok)
	}
	waitFor(t, "failed renewal", func() bool { return m.Status()[0].Failures == 1 })

	st := m.Status()[0]
	if st.State != StateInvalid || st.HasValue {
		t.Fatalf("Status() = %+v, want invalid without value", st)
	}
}

func TestForceRefreshHonorsCallerContext(t *testing.T) {
	t.Parallel()

	renewer := &countingRenewer{
		release: make(chan struct{}),
		value:   map[string]string{CookiePSID: "renewed"},
	}
	m, _ := newTestManager(t, renewer, nil)
	defer close(renewer.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := m.ForceRefresh(ctx, "webai"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ForceRefresh() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ForceRefresh blocked for %s", elapsed)
	}
}

func TestExpiryFromTokenClaim(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil, nil)
	exp := clock.Now().Add(2 * time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	cred, err := m.Override("webai", map[string]string{CookiePSID: "opaque", "session": token})
	if err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Fatalf("ExpiresAt = %s, want %s", cred.ExpiresAt, exp)
	}
}

type memoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (kv *memoryKV) Get(_ context.Context, key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	if !ok {
		return "", redis.ErrNotFound
	}
	return v, nil
}

func (kv *memoryKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = value
	return nil
}

func TestRestoreFromStore(t *testing.T) {
	t.Parallel()

	kv := &memoryKV{data: map[string]string{}}
	store := NewRedisStore(kv)

	empty, _ := newTestManager(t, nil, store)
	if err := empty.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() on empty store error = %v", err)
	}

	first, _ := newTestManager(t, nil, store)
	saved, err := first.Override("webai", map[string]string{CookiePSID: "persisted"})
	if err != nil {
		t.Fatalf("Override() error = %v", err)
	}

	second, _ := newTestManager(t, nil, store)
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	cred, _ := second.CurrentCredential("webai")
	if cred.State != StateFresh || cred.Value[CookiePSID] != "persisted" {
		t.Fatalf("restored credential = %+v", cred)
	}
	if !cred.ExpiresAt.Equal(saved.ExpiresAt) {
		t.Fatalf("ExpiresAt = %s, want %s", cred.ExpiresAt, saved.ExpiresAt)
	}
}
