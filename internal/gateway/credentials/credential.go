package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a provider credential.
type State int

const (
	StateFresh State = iota
	StateStale
	StateRenewing
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRenewing:
		return "renewing"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrUnknownProvider is returned for providers that were never registered.
	ErrUnknownProvider = errors.New("credentials: unknown provider")
	// ErrRenewalFailed is returned when every renewal attempt failed.
	ErrRenewalFailed = errors.New("credentials: renewal failed")
	// ErrNoRenewer is returned when no renewal source is configured.
	ErrNoRenewer = errors.New("credentials: no renewer configured")
	// ErrNotFound is returned by a Store with nothing saved for a provider.
	ErrNotFound = errors.New("credentials: not found")
)

// Credential is a snapshot of one provider's session credential. Value holds
// cookie names mapped to cookie values.
type Credential struct {
	Provider  string
	Value     map[string]string
	IssuedAt  time.Time
	ExpiresAt time.Time
	State     State
	// Degraded is set while the underlying value is known to be invalid,
	// including while a renewal of an invalid value is in flight.
	Degraded bool
}

func (c Credential) clone() Credential {
	out := c
	out.Value = copyValue(c.Value)
	return out
}

func copyValue(v map[string]string) map[string]string {
	if v == nil {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Empty reports whether the credential carries no value at all.
func (c Credential) Empty() bool {
	return len(c.Value) == 0
}

// Renewal is the outcome of reading a live session.
type Renewal struct {
	Value map[string]string
	// ExpiresAt is optional; the manager estimates it when zero.
	ExpiresAt time.Time
}

// Renewer obtains a new credential value for a provider.
type Renewer interface {
	Renew(ctx context.Context, provider string) (Renewal, error)
}

// RenewerFunc adapts a function to the Renewer interface.
type RenewerFunc func(ctx context.Context, provider string) (Renewal, error)

// Renew calls f.
func (f RenewerFunc) Renew(ctx context.Context, provider string) (Renewal, error) {
	return f(ctx, provider)
}

// Store persists the latest fresh credential across restarts.
type Store interface {
	Load(ctx context.Context, provider string) (*Credential, error)
	Save(ctx context.Context, cred Credential) error
}
