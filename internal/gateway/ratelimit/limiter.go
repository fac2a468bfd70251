package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultIdleWindows = 3

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the retry delay rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	return ceilSeconds(d.RetryAfter)
}

// ResetAfterSeconds returns the time until the oldest counted request leaves
// the window, rounded up to whole seconds.
func (d Decision) ResetAfterSeconds() int {
	return ceilSeconds(d.ResetAfter)
}

func ceilSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// window holds the request timestamps of one identity, oldest first.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	lastSeen   time.Time
	evicted    bool
}

// Limiter is a per-identity sliding window rate limiter.
type Limiter struct {
	limit       int
	window      time.Duration
	idleWindows int

	windows sync.Map // identity -> *window

	nowFn  func() time.Time
	logger *slog.Logger
	onDeny func(identity string)
}

// New creates a limiter admitting at most limit requests per identity within
// any trailing window.
func New(limit int, window time.Duration) (*Limiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	return &Limiter{
		limit:       limit,
		window:      window,
		idleWindows: defaultIdleWindows,
		nowFn:       time.Now,
		logger:      slog.Default(),
	}, nil
}

// WithLogger sets the logger used by the background sweeper.
func (l *Limiter) WithLogger(logger *slog.Logger) *Limiter {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// OnDeny registers a callback run after every denied admission.
func (l *Limiter) OnDeny(fn func(identity string)) *Limiter {
	l.onDeny = fn
	return l
}

// Limit returns the configured number of requests per window.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit records a request for identity at now if it fits in the window.
func (l *Limiter) Admit(identity string, now time.Time) Decision {
	return l.admit(identity, func() time.Time { return now })
}

// Allow is Admit at the limiter's current time. The clock is read under the
// window lock so one identity's timestamps stay ordered.
func (l *Limiter) Allow(identity string) Decision {
	return l.admit(identity, l.nowFn)
}

func (l *Limiter) admit(identity string, clock func() time.Time) Decision {
	for {
		w := l.load(identity)

		w.mu.Lock()
		if w.evicted {
			// Swept between load and lock; resolve a fresh window.
			w.mu.Unlock()
			continue
		}
		d := l.admitLocked(w, clock())
		w.mu.Unlock()
		if !d.Allowed && l.onDeny != nil {
			l.onDeny(identity)
		}
		return d
	}
}

func (l *Limiter) load(identity string) *window {
	if v, ok := l.windows.Load(identity); ok {
		return v.(*window)
	}
	v, _ := l.windows.LoadOrStore(identity, &window{})
	return v.(*window)
}

func (l *Limiter) admitLocked(w *window, now time.Time) Decision {
	w.lastSeen = now

	// Purge entries that have left the trailing window.
	cut := 0
	for cut < len(w.timestamps) && now.Sub(w.timestamps[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[cut:]...)
	}

	count := len(w.timestamps)
	if count < l.limit {
		w.timestamps = append(w.timestamps, now)
		return Decision{
			Allowed:    true,
			Limit:      l.limit,
			Remaining:  l.limit - count - 1,
			ResetAfter: l.window - now.Sub(w.timestamps[0]),
		}
	}

	retryAfter := l.window - now.Sub(w.timestamps[0])
	return Decision{
		Allowed:    false,
		Limit:      l.limit,
		Remaining:  0,
		ResetAfter: retryAfter,
		RetryAfter: retryAfter,
	}
}

// Sweep drops windows that have seen no request for several window lengths.
// It returns the number of identities removed.
func (l *Limiter) Sweep(now time.Time) int {
	idle := time.Duration(l.idleWindows) * l.window
	removed := 0
	l.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		if now.Sub(w.lastSeen) >= idle {
			w.evicted = true
			l.windows.CompareAndDelete(key, w)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run sweeps idle windows every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := l.Sweep(l.nowFn()); removed > 0 {
				l.logger.Debug("rate limiter swept idle windows", "removed", removed)
			}
		}
	}
}
