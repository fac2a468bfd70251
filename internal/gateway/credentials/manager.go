package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// Options tune the credential lifecycle.
type Options struct {
	// TTL is the assumed lifetime of a credential without a known expiry.
	TTL time.Duration
	// RefreshLead is how long before expiry a credential becomes stale.
	RefreshLead time.Duration
	// MaxAttempts bounds the renewer calls of a single renewal.
	MaxAttempts int
	// RetryInterval is the first delay between attempts of one renewal.
	RetryInterval time.Duration
	// BackoffInitial and BackoffMax shape re-attempts while invalid.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RenewTimeout bounds one whole renewal.
	RenewTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 12 * time.Hour
	}
	if o.RefreshLead < 0 || o.RefreshLead >= o.TTL {
		o.RefreshLead = o.TTL / 24
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 2 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 30 * time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 30 * time.Minute
		if o.BackoffMax < o.BackoffInitial {
			o.BackoffMax = o.BackoffInitial
		}
	}
	if o.RenewTimeout <= 0 {
		o.RenewTimeout = 2 * time.Minute
	}
	return o
}

// entry owns the credential of one provider. The stored credential is only
// ever Fresh or Invalid; Stale and Renewing are derived on read.
type entry struct {
	provider string
	cred     atomic.Pointer[Credential]
	renewing atomic.Bool

	mu          sync.Mutex
	retry       *backoff.ExponentialBackOff
	nextAttempt time.Time
	renewals    int
	failures    int
	lastError   string
	lastRenewed time.Time
}

// Status is an administrative snapshot of one provider's credential.
type Status struct {
	Provider    string    `json:"provider"`
	State       State     `json:"state"`
	Degraded    bool      `json:"degraded"`
	HasValue    bool      `json:"has_value"`
	Cookies     []string  `json:"cookies"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Renewals    int       `json:"renewals"`
	Failures    int       `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastRenewed time.Time `json:"last_renewed,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// Manager keeps one credential per provider valid. Callers never block on a
// renewal: CurrentCredential returns immediately and schedules work when the
// credential is stale.
type Manager struct {
	opts    Options
	renewer Renewer
	store   Store
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
	nowFn func() time.Time
}

// NewManager creates a manager. renewer and store may be nil.
func NewManager(opts Options, renewer Renewer, store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:    opts.withDefaults(),
		renewer: renewer,
		store:   store,
		logger:  logger,
		entries: make(map[string]*entry),
		nowFn:   time.Now,
	}
}

// Register starts tracking provider. A provider without a credential is
// Invalid and eligible for renewal immediately.
func (m *Manager) Register(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[provider]; ok {
		return
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = m.opts.BackoffInitial
	retry.MaxInterval = m.opts.BackoffMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	e := &entry{provider: provider, retry: retry}
	e.cred.Store(&Credential{Provider: provider, State: StateInvalid})
	m.entries[provider] = e
}

// Providers returns the registered provider names, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) lookup(provider string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[provider]
	return e, ok
}

// CurrentCredential returns a copy of the provider's latest credential with
// its derived state. It never blocks; a stale credential, or an invalid one
// whose backoff has elapsed, triggers an asynchronous renewal.
func (m *Manager) CurrentCredential(provider string) (Credential, bool) {
	e, ok := m.lookup(provider)
	if !ok {
		return Credential{}, false
	}

	now := m.nowFn()
	cred := m.snapshot(e, now)

	switch cred.State {
	case StateStale:
		m.trigger(e)
	case StateInvalid:
		if m.attemptDue(e, now) {
			m.trigger(e)
		}
	}
	return cred, true
}

func (m *Manager) snapshot(e *entry, now time.Time) Credential {
	cred := e.cred.Load().clone()
	cred.Degraded = cred.State == StateInvalid

	if e.renewing.Load() {
		cred.State = StateRenewing
		return cred
	}
	if cred.State == StateFresh && !now.Before(cred.ExpiresAt.Add(-m.opts.RefreshLead)) {
		cred.State = StateStale
	}
	return cred
}

func (m *Manager) attemptDue(e *entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !now.Before(e.nextAttempt)
}

// trigger schedules at most one background renewal per provider.
func (m *Manager) trigger(e *entry) {
	if !e.renewing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		if _, err := m.renew(e, false); err != nil {
			m.logger.Warn("background credential renewal failed", "provider", e.provider, "error", err)
		}
	}()
}

// ForceRefresh renews the provider's credential now, joining a renewal that
// is already in flight. ctx only bounds how long the caller waits.
func (m *Manager) ForceRefresh(ctx context.Context, provider string) (Credential, error) {
	e, ok := m.lookup(provider)
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	ch := m.group.DoChan(provider, func() (any, error) {
		return m.doRenew(e, true)
	})
	select {
	case <-ctx.Done():
		return m.snapshot(e, m.nowFn()), ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return m.snapshot(e, m.nowFn()), res.Err
		}
		return res.Val.(Credential), nil
	}
}

func (m *Manager) renew(e *entry, force bool) (Credential, error) {
	v, err, _ := m.group.Do(e.provider, func() (any, error) {
		return m.doRenew(e, force)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// doRenew runs inside the single-flight group.
func (m *Manager) doRenew(e *entry, force bool) (Credential, error) {
	e.renewing.Store(true)
	defer e.renewing.Store(false)

	// start is the credential this renewal replaces. Anything installed
	// while the renewal runs wins over its outcome.
	start := e.cred.Load()
	now := m.nowFn()
	if !force {
		switch {
		case start.State == StateFresh && now.Before(start.ExpiresAt.Add(-m.opts.RefreshLead)):
			return start.clone(), nil
		case start.State == StateInvalid && !m.attemptDue(e, now):
			return start.clone(), nil
		}
	}

	if m.renewer == nil {
		return m.markInvalid(e, start, ErrNoRenewer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RenewTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RetryInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(m.opts.MaxAttempts-1)), ctx)

	var renewal Renewal
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		r, err := m.renewer.Renew(ctx, e.provider)
		if err != nil {
			m.logger.Debug("credential renewal attempt failed", "provider", e.provider, "attempt", attempt, "error", err)
			return err
		}
		if len(r.Value) == 0 {
			return errors.New("renewer returned an empty credential")
		}
		renewal = r
		return nil
	}, b)
	if err != nil {
		return m.markInvalid(e, start, err)
	}

	cred, ok := m.install(e, start, renewal.Value, renewal.ExpiresAt)
	if !ok {
		m.logger.Info("credential replaced during renewal, keeping the newer one", "provider", e.provider)
		return cred, nil
	}
	m.logger.Info("credential renewed", "provider", e.provider, "attempts", attempt, "expires_at", cred.ExpiresAt)
	return cred, nil
}

// install atomically replaces the credential with a fresh one. With a
// non-nil expected the swap only happens while expected is still current;
// otherwise the current credential is returned with ok false.
func (m *Manager) install(e *entry, expected *Credential, value map[string]string, expiresAt time.Time) (Credential, bool) {
	now := m.nowFn()
	cred := Credential{
		Provider:  e.provider,
		Value:     copyValue(value),
		IssuedAt:  now,
		ExpiresAt: m.estimateExpiry(value, now, expiresAt),
		State:     StateFresh,
	}

	if expected == nil {
		e.cred.Store(&cred)
	} else if !e.cred.CompareAndSwap(expected, &cred) {
		return e.cred.Load().clone(), false
	}

	e.mu.Lock()
	e.renewals++
	e.lastRenewed = now
	e.lastError = ""
	e.nextAttempt = time.Time{}
	e.retry.Reset()
	e.mu.Unlock()

	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.Save(ctx, cred); err != nil {
			m.logger.Warn("failed to persist credential", "provider", e.provider, "error", err)
		}
	}
	return cred.clone(), true
}

// markInvalid records a failed renewal of start. The credential is only
// marked Invalid while start is still current; a credential installed
// during the renewal is kept and the backoff is left alone.
func (m *Manager) markInvalid(e *entry, start *Credential, cause error) (Credential, error) {
	now := m.nowFn()
	renewErr := fmt.Errorf("%w for %s: %w", ErrRenewalFailed, e.provider, cause)

	invalid := start.clone()
	invalid.State = StateInvalid
	swapped := e.cred.CompareAndSwap(start, &invalid)

	e.mu.Lock()
	e.failures++
	e.lastError = cause.Error()
	if swapped {
		e.nextAttempt = now.Add(e.retry.NextBackOff())
	}
	next := e.nextAttempt
	e.mu.Unlock()

	if !swapped {
		m.logger.Warn("credential renewal failed, keeping credential installed meanwhile", "provider", e.provider, "error", cause)
		return e.cred.Load().clone(), renewErr
	}
	m.logger.Error("credential marked invalid", "provider", e.provider, "error", cause, "next_attempt", next)
	return invalid.clone(), renewErr
}

func (m *Manager) estimateExpiry(value map[string]string, issuedAt, known time.Time) time.Time {
	if !known.IsZero() && known.After(issuedAt) {
		return known
	}
	if exp, ok := tokenExpiry(value, issuedAt); ok {
		return exp
	}
	return issuedAt.Add(m.opts.TTL)
}

// Override installs an operator supplied credential as Fresh. A renewal
// already in flight does not replace it, whether that renewal succeeds or
// fails.
func (m *Manager) Override(provider string, value map[string]string) (Credential, error) {
	e, ok := m.lookup(provider)
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if len(value) == 0 {
		return Credential{}, errors.New("credentials: empty credential value")
	}
	cred, _ := m.install(e, nil, value, time.Time{})
	m.logger.Info("credential overridden", "provider", provider, "expires_at", cred.ExpiresAt)
	return cred, nil
}

// Restore seeds registered providers from the store when the stored
// credential is newer than the one held in memory.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	for _, provider := range m.Providers() {
		e, _ := m.lookup(provider)
		saved, err := m.store.Load(ctx, provider)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("restore credential for %s: %w", provider, err)
		}
		if saved == nil || len(saved.Value) == 0 {
			continue
		}
		current := e.cred.Load()
		if current.State == StateFresh && !saved.IssuedAt.After(current.IssuedAt) {
			continue
		}
		restored := saved.clone()
		restored.Provider = provider
		restored.State = StateFresh
		e.cred.Store(&restored)
		m.logger.Info("credential restored", "provider", provider, "expires_at", restored.ExpiresAt)
	}
	return nil
}

// Status returns a snapshot of every provider, sorted by name.
func (m *Manager) Status() []Status {
	now := m.nowFn()
	out := make([]Status, 0)
	for _, provider := range m.Providers() {
		e, _ := m.lookup(provider)
		cred := m.snapshot(e, now)

		names := make([]string, 0, len(cred.Value))
		for name := range cred.Value {
			names = append(names, name)
		}
		sort.Strings(names)

		e.mu.Lock()
		st := Status{
			Provider:    provider,
			State:       cred.State,
			Degraded:    cred.Degraded,
			HasValue:    !cred.Empty(),
			Cookies:     names,
			IssuedAt:    cred.IssuedAt,
			ExpiresAt:   cred.ExpiresAt,
			Renewals:    e.renewals,
			Failures:    e.failures,
			LastError:   e.lastError,
			LastRenewed: e.lastRenewed,
			NextAttempt: e.nextAttempt,
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Run checks every provider each interval until ctx is cancelled, renewing
// stale credentials before requests notice them.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, provider := range m.Providers() {
				m.CurrentCredential(provider)
			}
		}
	}
}
