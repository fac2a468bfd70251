package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elvis3770/webai-gateway/internal/gateway/chain"
	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/elvis3770/webai-gateway/internal/gateway/providers"
)

// errorBody is the OpenAI style error envelope
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType, Code: errType}})
}

// classify maps a gateway error to an HTTP status and error type
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, chain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, providers.ErrUnknownProvider), errors.Is(err, credentials.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, chain.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, credentials.ErrRenewalFailed), errors.Is(err, credentials.ErrNoRenewer):
		return http.StatusBadGateway, "credential_expired"
	}

	switch providers.KindOf(err) {
	case providers.KindAuthExpired:
		return http.StatusBadGateway, "credential_expired"
	case providers.KindRateLimited:
		return http.StatusTooManyRequests, "upstream_rate_limited"
	case providers.KindUnavailable:
		return http.StatusServiceUnavailable, "provider_unavailable"
	}
	return http.StatusBadGateway, "provider_error"
}

func writeGatewayError(w http.ResponseWriter, err error) {
	status, errType := classify(err)
	writeError(w, status, errType, err.Error())
}
