package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/elvis3770/webai-gateway/internal/shared/config"
)

// IdentityFunc derives the rate limit identity of a request. An empty
// identity means the request cannot be attributed and is admitted.
type IdentityFunc func(r *http.Request) string

// NewIdentityFunc returns the identity function for one of the configured
// modes. apiKey extracts the caller's API key, if any.
func NewIdentityFunc(mode string, apiKey func(*http.Request) string) (IdentityFunc, error) {
	byKey := func(r *http.Request) string {
		if apiKey == nil {
			return ""
		}
		if key := apiKey(r); key != "" {
			return "key:" + keyPrefix(key)
		}
		return ""
	}

	switch mode {
	case config.IdentityAPIKey:
		return byKey, nil
	case config.IdentityIP:
		return clientIP, nil
	case config.IdentityAPIKeyOrIP:
		return func(r *http.Request) string {
			if id := byKey(r); id != "" {
				return id
			}
			return clientIP(r)
		}, nil
	default:
		return nil, fmt.Errorf("unknown rate limit identity mode %q", mode)
	}
}

func keyPrefix(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// clientIP uses RemoteAddr, which chi's RealIP middleware rewrites when
// forwarded headers are trusted.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return "ip:" + addr
}

// Middleware enforces the limiter on every request passing through it.
func Middleware(limiter *Limiter, identity IdentityFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Allow(id)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(d.ResetAfterSeconds()))

			if !d.Allowed {
				retry := d.RetryAfterSeconds()
				logger.Warn("rate limit exceeded", "identity", id, "retry_after_seconds", retry, "path", r.URL.Path)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeRateLimitError(w, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":     fmt.Sprintf("rate limit exceeded, retry after %d seconds", retryAfter),
			"type":        "rate_limit_exceeded",
			"code":        "rate_limit_exceeded",
			"retry_after": retryAfter,
		},
	})
}
