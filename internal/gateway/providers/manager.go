package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/elvis3770/webai-gateway/internal/shared/config"
)

// ErrUnknownProvider is returned for provider names that are not configured
var ErrUnknownProvider = errors.New("unknown provider")

// CallInfo describes how a call was served
type CallInfo struct {
	Provider        string
	FailoverUsed    bool
	Degraded        bool
	CredentialState string
}

// Manager selects a provider per call and fails over from the browser
// session to the aggregator when the session is unusable
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	failover        bool
	creds           CredentialSource
	logger          *slog.Logger
}

// NewManager creates the providers enabled in cfg
func NewManager(cfg *config.Config, creds CredentialSource, logger *slog.Logger) *Manager {
	var list []Provider
	if cfg.WebAIEnabled {
		list = append(list, NewWebSessionProvider(cfg.WebAIBaseURL, creds, cfg.ProviderTimeout))
	}
	if cfg.AggregatorEnabled {
		list = append(list, NewAggregatorProvider(cfg.AggregatorBaseURL, cfg.AggregatorAPIKey))
	}
	return NewManagerWith(cfg.DefaultProvider, cfg.FailoverEnabled, creds, logger, list...)
}

// NewManagerWith creates a manager over explicit providers
func NewManagerWith(defaultProvider string, failover bool, creds CredentialSource, logger *slog.Logger, list ...Provider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		providers:       make(map[string]Provider, len(list)),
		defaultProvider: defaultProvider,
		failover:        failover,
		creds:           creds,
		logger:          logger,
	}
	for _, p := range list {
		m.providers[p.GetProviderName()] = p
	}
	if _, ok := m.providers[m.defaultProvider]; !ok {
		for _, name := range m.Names() {
			m.defaultProvider = name
			break
		}
	}
	return m
}

// Names returns the configured provider names, sorted
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultProvider returns the provider used when a call names none
func (m *Manager) DefaultProvider() string {
	return m.defaultProvider
}

// GetProvider returns a provider by name; empty selects the default
func (m *Manager) GetProvider(name string) (Provider, string, error) {
	if name == "" {
		name = m.defaultProvider
	}
	provider, ok := m.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return provider, name, nil
}

// Models returns every advertised model per provider
func (m *Manager) Models() map[string][]string {
	out := make(map[string][]string, len(m.providers))
	for name, p := range m.providers {
		out[name] = p.Models()
	}
	return out
}

// credentialInfo reports the credential state behind a provider
func (m *Manager) credentialInfo(name string) (credentials.Credential, bool) {
	if m.creds == nil || name != ProviderWebAI {
		return credentials.Credential{}, false
	}
	return m.creds.CurrentCredential(name)
}

// fallbackFor returns the failover target for a provider, if any
func (m *Manager) fallbackFor(name string) (Provider, bool) {
	if !m.failover || name != ProviderWebAI {
		return nil, false
	}
	p, ok := m.providers[ProviderAggregator]
	return p, ok
}

// plan decides the first provider to call. Without an explicit name, a
// model the default provider does not serve goes to one that does. A
// degraded browser session is skipped in favour of the aggregator when
// failover is enabled.
func (m *Manager) plan(name, model string) (Provider, CallInfo, error) {
	explicit := name != ""
	provider, name, err := m.GetProvider(name)
	if err != nil {
		return nil, CallInfo{}, err
	}
	if !explicit && !provider.ValidateModel(model) {
		for _, other := range m.Names() {
			if p := m.providers[other]; p.ValidateModel(model) {
				provider, name = p, other
				break
			}
		}
	}
	info := CallInfo{Provider: name}
	if cred, ok := m.credentialInfo(name); ok {
		info.Degraded = cred.Degraded
		info.CredentialState = cred.State.String()
		if cred.Degraded {
			if fb, ok := m.fallbackFor(name); ok {
				m.logger.Warn("browser session credential invalid, using aggregator", "credential_state", info.CredentialState)
				return fb, CallInfo{Provider: fb.GetProviderName(), FailoverUsed: true, CredentialState: info.CredentialState}, nil
			}
		}
	}
	return provider, info, nil
}

// ChatCompletion calls the named provider (or the default) with failover
func (m *Manager) ChatCompletion(ctx context.Context, name string, req ChatRequest) (*ChatResponse, CallInfo, error) {
	provider, info, err := m.plan(name, req.Model)
	if err != nil {
		return nil, info, err
	}

	resp, err := provider.ChatCompletion(ctx, req)
	if err == nil {
		if resp.Degraded {
			info.Degraded = true
		}
		return resp, info, nil
	}

	if !IsRetryable(err) || info.FailoverUsed || ctx.Err() != nil {
		return nil, info, err
	}
	fb, ok := m.fallbackFor(info.Provider)
	if !ok {
		return nil, info, err
	}

	m.logger.Warn("provider failed, failing over", "provider", info.Provider, "fallback", fb.GetProviderName(), "error", err)
	resp, fbErr := fb.ChatCompletion(ctx, req)
	if fbErr != nil {
		return nil, info, fmt.Errorf("all providers failed for model %s: %w", req.Model, errors.Join(err, fbErr))
	}
	return resp, CallInfo{Provider: fb.GetProviderName(), FailoverUsed: true, CredentialState: info.CredentialState}, nil
}

// ChatCompletionStream opens a stream on the named provider with failover
// on errors raised before the first chunk
func (m *Manager) ChatCompletionStream(ctx context.Context, name string, req ChatRequest) (StreamReader, CallInfo, error) {
	provider, info, err := m.plan(name, req.Model)
	if err != nil {
		return nil, info, err
	}

	stream, err := provider.ChatCompletionStream(ctx, req)
	if err == nil {
		return stream, info, nil
	}

	if !IsRetryable(err) || info.FailoverUsed || ctx.Err() != nil {
		return nil, info, err
	}
	fb, ok := m.fallbackFor(info.Provider)
	if !ok {
		return nil, info, err
	}

	m.logger.Warn("provider stream failed, failing over", "provider", info.Provider, "fallback", fb.GetProviderName(), "error", err)
	stream, fbErr := fb.ChatCompletionStream(ctx, req)
	if fbErr != nil {
		return nil, info, fmt.Errorf("all providers failed for model %s: %w", req.Model, errors.Join(err, fbErr))
	}
	return stream, CallInfo{Provider: fb.GetProviderName(), FailoverUsed: true, CredentialState: info.CredentialState}, nil
}
