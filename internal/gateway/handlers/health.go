package handlers

import (
	"context"
	"math"
	"net/http"
	"sort"
	"time"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck reports whether one dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

type HealthHandler struct {
	env     string
	started time.Time
	checks  map[string]ReadinessCheck
}

func NewHealthHandler(env string, checks map[string]ReadinessCheck) *HealthHandler {
	return &HealthHandler{env: env, started: time.Now(), checks: checks}
}

func (h *HealthHandler) uptime() float64 {
	return math.Round(time.Since(h.started).Seconds()*100) / 100
}

// HandleHealth handles GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"environment":    h.env,
		"uptime_seconds": h.uptime(),
	})
}

// HandleLive handles GET /health/live
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReady handles GET /health/ready
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ready"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"checks":         results,
		"environment":    h.env,
		"uptime_seconds": h.uptime(),
	})
}
