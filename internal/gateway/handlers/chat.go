package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elvis3770/webai-gateway/internal/gateway/cache"
	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/elvis3770/webai-gateway/internal/gateway/providers"
	"github.com/elvis3770/webai-gateway/internal/gateway/sessions"
	"github.com/elvis3770/webai-gateway/internal/gateway/tokens"
	"github.com/elvis3770/webai-gateway/internal/observability"
	"github.com/elvis3770/webai-gateway/internal/shared/models"
	"github.com/sashabaranov/go-openai"
)

const chatEndpoint = "/v1/chat/completions"

// ChatOptions holds the optional collaborators of ChatHandler
type ChatOptions struct {
	Credentials      CredentialService
	Cache            *cache.Cache
	Sessions         sessions.Store
	Logs             RequestLogger
	Telemetry        *observability.Runtime
	DefaultModel     string
	CacheTTL         time.Duration
	StreamingEnabled bool
	Logger           *slog.Logger
}

type ChatHandler struct {
	providerMgr  ChatService
	pricing      *tokens.PricingTable
	creds        CredentialService
	cache        *cache.Cache
	sessions     sessions.Store
	logs         RequestLogger
	telemetry    *observability.Runtime
	defaultModel string
	cacheTTL     time.Duration
	streaming    bool
	logger       *slog.Logger
}

func NewChatHandler(providerMgr ChatService, pricing *tokens.PricingTable, opts ChatOptions) *ChatHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pricing == nil {
		pricing = tokens.NewPricingTable(nil)
	}
	return &ChatHandler{
		providerMgr:  providerMgr,
		pricing:      pricing,
		creds:        opts.Credentials,
		cache:        opts.Cache,
		sessions:     opts.Sessions,
		logs:         opts.Logs,
		telemetry:    opts.Telemetry,
		defaultModel: opts.DefaultModel,
		cacheTTL:     opts.CacheTTL,
		streaming:    opts.StreamingEnabled,
		logger:       opts.Logger,
	}
}

// chatCall carries what one request needs for logging and headers
type chatCall struct {
	apiKey      *models.APIKey
	provider    string
	sessionID   string
	newMessages []openai.ChatCompletionMessage
	start       time.Time
}

// HandleChatCompletion handles POST /v1/chat/completions
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	call := chatCall{
		apiKey:    APIKeyFromContext(ctx),
		provider:  strings.TrimSpace(r.Header.Get("X-Provider")),
		sessionID: strings.TrimSpace(r.Header.Get("X-Session-ID")),
		start:     time.Now(),
	}

	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
		return
	}
	if req.Model == "" {
		req.Model = h.defaultModel
	}

	call.newMessages = req.Messages
	if h.sessions != nil && call.sessionID != "" {
		history, err := h.sessions.History(ctx, call.sessionID)
		if err != nil {
			h.logger.Warn("failed to load session history", "session_id", call.sessionID, "error", err)
		} else if len(history) > 0 {
			req.Messages = append(history, req.Messages...)
		}
	}

	// Handle streaming separately
	if req.Stream {
		if !h.streaming {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "streaming is disabled on this gateway")
			return
		}
		h.handleStreamingChat(w, r, call, req)
		return
	}

	useCache := h.cache != nil && (call.apiKey == nil || call.apiKey.CacheEnabled)

	var cacheHit bool
	var resp *providers.ChatResponse
	var info providers.CallInfo
	if useCache {
		cached, err := h.cache.Get(ctx, call.provider, req)
		if err != nil {
			h.logger.Warn("cache lookup failed", "error", err)
		} else if cached != nil {
			resp = cached
			resp.CostUSD = 0 // Cache hits are free
			info.Provider = h.providerName(call.provider)
			cacheHit = true
		}
	}

	if !cacheHit {
		var err error
		resp, info, err = h.complete(ctx, call.provider, req)
		if err != nil {
			status, _ := classify(err)
			h.logger.Warn("chat completion failed", "provider", info.Provider, "model", req.Model, "error", err)
			writeGatewayError(w, err)
			h.record(ctx, call, req, nil, info, false, status, err)
			return
		}

		ensureUsage(req.Messages, resp)
		resp.CostUSD = h.pricing.Estimate(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens).TotalUSD

		// A failover answer came from another provider than the one the
		// cache key names, so it is only served, never stored.
		if useCache && !info.FailoverUsed && !info.Degraded {
			if err := h.cache.Set(ctx, call.provider, req, resp, h.cacheTTL); err != nil {
				h.logger.Warn("cache write failed", "error", err)
			}
		}
	}

	h.appendSession(ctx, call, resp.Content())

	totalLatency := int(time.Since(call.start).Milliseconds())
	resp.LatencyMs = totalLatency

	w.Header().Set("X-Cache-Hit", strconv.FormatBool(cacheHit))
	w.Header().Set("X-Cost-USD", fmt.Sprintf("%.6f", resp.CostUSD))
	w.Header().Set("X-Latency-Ms", strconv.Itoa(totalLatency))
	setCallHeaders(w, info, resp.Degraded)
	if resp.UsageEstimated {
		w.Header().Set("X-Usage-Estimated", "true")
	}

	h.record(ctx, call, req, resp, info, cacheHit, http.StatusOK, nil)
	writeJSON(w, http.StatusOK, resp)
}

// handleStreamingChat relays provider chunks as server-sent events until the
// provider finishes or the client goes away
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, call chatCall, req providers.ChatRequest) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	stream, info, err := h.openStream(ctx, call.provider, req)
	if err != nil {
		status, _ := classify(err)
		h.logger.Warn("chat stream failed to open", "provider", info.Provider, "model", req.Model, "error", err)
		writeGatewayError(w, err)
		h.record(ctx, call, req, nil, info, false, status, err)
		return
	}
	defer stream.Close()

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	setCallHeaders(w, info, false)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var content strings.Builder
	var usage *openai.Usage
	var streamErr error
	cancelled := false

	for {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			streamErr = err
			_, errType := classify(err)
			data, _ := json.Marshal(errorBody{Error: errorDetail{Message: err.Error(), Type: errType, Code: errType}})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			break
		}

		// Track usage
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			streamErr = err
			break
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			cancelled = true
			break
		}
		flusher.Flush()
	}

	resp := &providers.ChatResponse{
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content.String()},
		}},
	}
	if usage != nil {
		resp.Usage = *usage
	}
	ensureUsage(req.Messages, resp)
	resp.CostUSD = h.pricing.Estimate(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens).TotalUSD

	switch {
	case cancelled:
		h.logger.Info("client disconnected, stream cancelled", "provider", info.Provider, "model", req.Model)
		h.record(ctx, call, req, resp, info, false, 499, context.Canceled)
	case streamErr != nil:
		status, _ := classify(streamErr)
		h.record(ctx, call, req, resp, info, false, status, streamErr)
	default:
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		h.appendSession(ctx, call, resp.Content())
		h.record(ctx, call, req, resp, info, false, http.StatusOK, nil)
	}
}

// complete calls the provider facade. A rejected credential is refreshed and
// the call retried once. Providers without a managed credential fail as is.
func (h *ChatHandler) complete(ctx context.Context, provider string, req providers.ChatRequest) (*providers.ChatResponse, providers.CallInfo, error) {
	resp, info, err := h.providerMgr.ChatCompletion(ctx, provider, req)
	if !h.shouldRefresh(err) {
		return resp, info, err
	}
	if rerr := h.refresh(ctx, err, info); rerr != nil {
		if errors.Is(rerr, credentials.ErrUnknownProvider) {
			return nil, info, err
		}
		return nil, info, errors.Join(err, rerr)
	}
	return h.providerMgr.ChatCompletion(ctx, provider, req)
}

func (h *ChatHandler) openStream(ctx context.Context, provider string, req providers.ChatRequest) (providers.StreamReader, providers.CallInfo, error) {
	stream, info, err := h.providerMgr.ChatCompletionStream(ctx, provider, req)
	if !h.shouldRefresh(err) {
		return stream, info, err
	}
	if rerr := h.refresh(ctx, err, info); rerr != nil {
		if errors.Is(rerr, credentials.ErrUnknownProvider) {
			return nil, info, err
		}
		return nil, info, errors.Join(err, rerr)
	}
	return h.providerMgr.ChatCompletionStream(ctx, provider, req)
}

func (h *ChatHandler) shouldRefresh(err error) bool {
	return err != nil && h.creds != nil && providers.KindOf(err) == providers.KindAuthExpired
}

func (h *ChatHandler) refresh(ctx context.Context, err error, info providers.CallInfo) error {
	target := info.Provider
	var pe *providers.ProviderError
	if errors.As(err, &pe) && pe.Provider != "" {
		target = pe.Provider
	}
	h.logger.Info("upstream rejected credential, refreshing", "provider", target)
	_, rerr := h.creds.ForceRefresh(ctx, target)
	return rerr
}

func (h *ChatHandler) providerName(requested string) string {
	if requested != "" {
		return requested
	}
	return h.providerMgr.DefaultProvider()
}

// appendSession stores the new user turns and the reply
func (h *ChatHandler) appendSession(ctx context.Context, call chatCall, reply string) {
	if h.sessions == nil || call.sessionID == "" {
		return
	}
	turns := append([]openai.ChatCompletionMessage(nil), call.newMessages...)
	turns = append(turns, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: reply})
	if err := h.sessions.Append(ctx, call.sessionID, turns...); err != nil {
		h.logger.Warn("failed to save session history", "session_id", call.sessionID, "error", err)
	}
}

// ensureUsage fills missing usage from the local tokenizer
func ensureUsage(messages []openai.ChatCompletionMessage, resp *providers.ChatResponse) {
	u := &resp.Usage
	switch {
	case u.TotalTokens > 0:
	case u.PromptTokens+u.CompletionTokens > 0:
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	default:
		u.PromptTokens = tokens.CountMessages(messages)
		u.CompletionTokens = tokens.Count(resp.Content())
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		resp.UsageEstimated = true
	}
}

func setCallHeaders(w http.ResponseWriter, info providers.CallInfo, degraded bool) {
	w.Header().Set("X-Provider", info.Provider)
	if info.CredentialState != "" {
		w.Header().Set("X-Credential-State", info.CredentialState)
	}
	if info.Degraded || degraded {
		w.Header().Set("X-Degraded", "true")
	}
	if info.FailoverUsed {
		w.Header().Set("X-Failover", "true")
	}
}

// record logs the request to the database and counts it
func (h *ChatHandler) record(ctx context.Context, call chatCall, req providers.ChatRequest, resp *providers.ChatResponse, info providers.CallInfo, cacheHit bool, status int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c := observability.Completion{
		Provider: info.Provider,
		Model:    req.Model,
		Outcome:  outcome,
		Failover: info.FailoverUsed,
		Degraded: info.Degraded,
		Cached:   cacheHit,
	}
	if resp != nil {
		c.Tokens = resp.Usage.TotalTokens
		c.Degraded = c.Degraded || resp.Degraded
	}
	h.telemetry.RecordCompletion(ctx, c)

	if h.logs == nil {
		return
	}
	log := &models.GatewayLog{
		APIKeyID:        apiKeyID(call.apiKey),
		Method:          http.MethodPost,
		Endpoint:        chatEndpoint,
		Model:           req.Model,
		Provider:        info.Provider,
		LatencyMs:       int(time.Since(call.start).Milliseconds()),
		CacheHit:        cacheHit,
		FailoverUsed:    info.FailoverUsed,
		Degraded:        c.Degraded,
		CredentialState: info.CredentialState,
		SessionID:       optional(call.sessionID),
		StatusCode:      status,
	}
	if resp != nil {
		log.CostUSD = resp.CostUSD
		log.PromptTokens = resp.Usage.PromptTokens
		log.CompletionTokens = resp.Usage.CompletionTokens
		log.TotalTokens = resp.Usage.TotalTokens
		log.TokensEstimated = resp.UsageEstimated
	}
	if err != nil {
		log.ErrorMessage = optional(err.Error())
	}

	// Log asynchronously to avoid blocking
	asyncLog(h.logger, "gateway_request", func(ctx context.Context) error {
		return h.logs.LogRequest(ctx, log)
	})
}
