package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/go-chi/chi/v5"
)

const adminRefreshTimeout = 60 * time.Second

type AdminHandler struct {
	creds  CredentialService
	logger *slog.Logger
}

func NewAdminHandler(creds CredentialService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{creds: creds, logger: logger}
}

// HandleListCredentials handles GET /admin/credentials
func (h *AdminHandler) HandleListCredentials(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"credentials": h.creds.Status()})
}

// overrideRequest accepts either {"cookies": {...}} or the cookie map itself
type overrideRequest struct {
	Cookies map[string]string `json:"cookies"`
}

// HandleOverride handles PUT /admin/credentials/{provider}
func (h *AdminHandler) HandleOverride(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	var req overrideRequest
	if err := json.Unmarshal(raw, &req); err != nil || len(req.Cookies) == 0 {
		req.Cookies = nil
		if err := json.Unmarshal(raw, &req.Cookies); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "expected a cookie map")
			return
		}
	}

	cred, err := h.creds.Override(provider, req.Cookies)
	if err != nil {
		h.writeCredentialError(w, err)
		return
	}
	h.logger.Info("credential override applied by admin", "provider", provider, "cookies", len(req.Cookies))
	writeJSON(w, http.StatusOK, credentialView(cred))
}

// HandleRefresh handles POST /admin/credentials/{provider}/refresh
func (h *AdminHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	ctx, cancel := context.WithTimeout(r.Context(), adminRefreshTimeout)
	defer cancel()

	cred, err := h.creds.ForceRefresh(ctx, provider)
	if err != nil {
		h.logger.Warn("admin credential refresh failed", "provider", provider, "error", err)
		h.writeCredentialError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialView(cred))
}

func (h *AdminHandler) writeCredentialError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credentials.ErrUnknownProvider):
		writeError(w, http.StatusNotFound, "not_found_error", err.Error())
	case errors.Is(err, credentials.ErrRenewalFailed), errors.Is(err, credentials.ErrNoRenewer):
		writeError(w, http.StatusBadGateway, "credential_renewal_failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
}

// credentialSummary never exposes cookie values
type credentialSummary struct {
	Provider  string            `json:"provider"`
	State     credentials.State `json:"state"`
	Degraded  bool              `json:"degraded"`
	Cookies   []string          `json:"cookies"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func credentialView(cred credentials.Credential) credentialSummary {
	names := make([]string, 0, len(cred.Value))
	for name := range cred.Value {
		names = append(names, name)
	}
	sort.Strings(names)
	return credentialSummary{
		Provider:  cred.Provider,
		State:     cred.State,
		Degraded:  cred.Degraded,
		Cookies:   names,
		IssuedAt:  cred.IssuedAt,
		ExpiresAt: cred.ExpiresAt,
	}
}
