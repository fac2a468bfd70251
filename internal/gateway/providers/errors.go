package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// ErrorKind classifies upstream failures
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuthExpired
	KindRateLimited
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindRateLimited:
		return "rate_limited"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ProviderError is returned by every provider call that fails
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindFromStatus maps an upstream HTTP status to an error kind
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthExpired
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500, status == http.StatusRequestTimeout:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// KindOf returns the kind of err, or KindUnknown
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err should trigger failover to another provider
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

func newStatusError(provider string, status int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &ProviderError{
		Provider:   provider,
		Kind:       KindFromStatus(status),
		StatusCode: status,
		Err:        errors.New(msg),
	}
}

// transportError wraps network failures; the caller's own cancellation keeps
// its context error so callers can tell a timeout from an outage.
func transportError(provider string, err error) *ProviderError {
	kind := KindUnavailable
	if errors.Is(err, context.Canceled) {
		kind = KindUnknown
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// classifyOpenAIError maps go-openai client errors
func classifyOpenAIError(provider string, err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &ProviderError{Provider: provider, Kind: KindFromStatus(apiErr.HTTPStatusCode), StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &ProviderError{Provider: provider, Kind: KindFromStatus(reqErr.HTTPStatusCode), StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return transportError(provider, err)
}
