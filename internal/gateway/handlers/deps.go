package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/elvis3770/webai-gateway/internal/gateway/providers"
	"github.com/elvis3770/webai-gateway/internal/shared/models"
)

// ChatService is the provider facade used by the handlers
type ChatService interface {
	ChatCompletion(ctx context.Context, provider string, req providers.ChatRequest) (*providers.ChatResponse, providers.CallInfo, error)
	ChatCompletionStream(ctx context.Context, provider string, req providers.ChatRequest) (providers.StreamReader, providers.CallInfo, error)
	DefaultProvider() string
	Models() map[string][]string
}

// CredentialService is the credential manager as seen by the handlers
type CredentialService interface {
	CurrentCredential(provider string) (credentials.Credential, bool)
	ForceRefresh(ctx context.Context, provider string) (credentials.Credential, error)
	Override(provider string, value map[string]string) (credentials.Credential, error)
	Status() []credentials.Status
}

// RequestLogger persists request and chain logs
type RequestLogger interface {
	LogRequest(ctx context.Context, log *models.GatewayLog) error
	LogChainRun(ctx context.Context, run *models.ChainRunLog) error
}

const logWriteTimeout = 5 * time.Second

// asyncLog runs a log write off the request path
func asyncLog(logger *slog.Logger, what string, write func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			logger.Warn("failed to write log", "log", what, "error", err)
		}
	}()
}

func apiKeyID(key *models.APIKey) *string {
	if key == nil || key.ID == "" {
		return nil
	}
	id := key.ID
	return &id
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
