package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elvis3770/webai-gateway/internal/shared/database"
	"github.com/elvis3770/webai-gateway/internal/shared/models"
)

// KeyStore validates API keys kept in the database
type KeyStore interface {
	GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error
}

type ctxKey int

const apiKeyCtxKey ctxKey = iota

// APIKeyFromContext returns the key the auth middleware accepted, if any
func APIKeyFromContext(ctx context.Context) *models.APIKey {
	key, _ := ctx.Value(apiKeyCtxKey).(*models.APIKey)
	return key
}

// ExtractAPIKey reads the caller's key from X-API-Key or a Bearer token
func ExtractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

type Middleware struct {
	authEnabled    bool
	staticKeys     map[string]struct{}
	keys           KeyStore
	adminKey       string
	allowedOrigins []string
	logger         *slog.Logger
}

// NewMiddleware creates the auth and CORS middleware. keys may be nil.
func NewMiddleware(authEnabled bool, staticKeys []string, keys KeyStore, adminKey string, allowedOrigins []string, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	set := make(map[string]struct{}, len(staticKeys))
	for _, k := range staticKeys {
		set[k] = struct{}{}
	}
	return &Middleware{
		authEnabled:    authEnabled,
		staticKeys:     set,
		keys:           keys,
		adminKey:       adminKey,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// AuthMiddleware validates API keys
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.authEnabled {
			next.ServeHTTP(w, r)
			return
		}

		raw := ExtractAPIKey(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing API key (X-API-Key or Authorization: Bearer)")
			return
		}

		apiKey, err := m.lookup(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, database.ErrInvalidAPIKey) {
				m.logger.Error("api key lookup failed", "error", err)
			}
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyCtxKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) lookup(ctx context.Context, raw string) (*models.APIKey, error) {
	if _, ok := m.staticKeys[raw]; ok {
		return &models.APIKey{
			KeyPrefix:    keyPrefix(raw),
			Name:         "static",
			CacheEnabled: true,
			IsActive:     true,
		}, nil
	}
	if m.keys == nil {
		return nil, database.ErrInvalidAPIKey
	}

	apiKey, err := m.keys.GetAPIKey(ctx, raw)
	if err != nil {
		return nil, err
	}
	// Update API key last used
	go func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.keys.UpdateAPIKeyLastUsed(ctx, id); err != nil {
			m.logger.Warn("failed to update api key last use", "api_key_id", id, "error", err)
		}
	}(apiKey.ID)
	return apiKey, nil
}

func keyPrefix(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

// AdminMiddleware guards the credential admin API with ADMIN_API_KEY
func (m *Middleware) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminKey == "" {
			writeError(w, http.StatusForbidden, "permission_error", "admin API is disabled (ADMIN_API_KEY not set)")
			return
		}
		if subtle.ConstantTimeCompare([]byte(ExtractAPIKey(r)), []byte(m.adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := m.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Provider, X-Session-ID")
			w.Header().Set("Access-Control-Expose-Headers", "X-Provider, X-Latency-Ms, X-Cost-USD, X-Credential-State, X-Degraded, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) allowOrigin(origin string) string {
	for _, allowed := range m.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
