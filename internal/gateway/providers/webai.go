package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// ProviderWebAI is the name of the browser-session provider
const ProviderWebAI = "webai"

// simulatedChunkSize is the rune length of chunks replayed from a
// non-streaming bridge reply.
const simulatedChunkSize = 20

// CredentialSource hands out the current session credential of a provider
type CredentialSource interface {
	CurrentCredential(provider string) (credentials.Credential, bool)
}

// WebSessionProvider talks to a web-session bridge speaking the Gemini
// generateContent protocol, authenticated with browser cookies
type WebSessionProvider struct {
	baseURL    string
	creds      CredentialSource
	httpClient *http.Client
	models     []string
}

// WebRequest represents a request to the bridge
type WebRequest struct {
	Contents         []WebContent         `json:"contents"`
	GenerationConfig *WebGenerationConfig `json:"generationConfig,omitempty"`
}

// WebContent represents content in Gemini format
type WebContent struct {
	Role  string    `json:"role"`
	Parts []WebPart `json:"parts"`
}

// WebPart represents a part of the content
type WebPart struct {
	Text string `json:"text"`
}

// WebGenerationConfig represents generation parameters
type WebGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

// WebResponse represents a response from the bridge
type WebResponse struct {
	Candidates    []WebCandidate `json:"candidates"`
	UsageMetadata WebUsage       `json:"usageMetadata"`
}

// WebCandidate represents a candidate response
type WebCandidate struct {
	Content      WebContent `json:"content"`
	FinishReason string     `json:"finishReason"`
	Index        int        `json:"index"`
}

// WebUsage represents token usage
type WebUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (r WebResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// WebSessionModels are the models the browser session exposes
var WebSessionModels = []string{
	"gemini-2.0-flash",
	"gemini-2.0-flash-exp",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-1.5-flash",
	"gemini-3.0-pro",
}

// NewWebSessionProvider creates a provider reading cookies from creds on
// every request
func NewWebSessionProvider(baseURL string, creds CredentialSource, timeout time.Duration) *WebSessionProvider {
	return &WebSessionProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
		models:     WebSessionModels,
	}
}

// ChatCompletion makes a chat completion request through the bridge
func (p *WebSessionProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()

	httpReq, cred, err := p.newRequest(ctx, req.Model, "generateContent", p.convertRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ProviderWebAI, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ProviderWebAI, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, newStatusError(ProviderWebAI, resp.StatusCode, body)
	}

	var webResp WebResponse
	if err := json.Unmarshal(body, &webResp); err != nil {
		return nil, &ProviderError{Provider: ProviderWebAI, Kind: KindUnknown, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	latencyMs := int(time.Since(startTime).Milliseconds())
	out := p.convertResponse(webResp, req.Model, latencyMs)
	out.Degraded = cred.Degraded
	return out, nil
}

// ChatCompletionStream makes a streaming request. Bridges that answer with a
// single JSON document are replayed as fixed size chunks.
func (p *WebSessionProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	httpReq, _, err := p.newRequest(ctx, req.Model, "streamGenerateContent", p.convertRequest(req))
	if err != nil {
		return nil, err
	}
	q := httpReq.URL.Query()
	q.Set("alt", "sse")
	httpReq.URL.RawQuery = q.Encode()
	httpReq.Header.Set("Accept", "text/event-stream")

	// Streams are bounded by ctx, not by the client timeout.
	client := *p.httpClient
	client.Timeout = 0

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(ProviderWebAI, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(httpResp.Body)
		return nil, newStatusError(ProviderWebAI, httpResp.StatusCode, body)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		defer httpResp.Body.Close()
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, transportError(ProviderWebAI, err)
		}
		var webResp WebResponse
		if err := json.Unmarshal(body, &webResp); err != nil {
			return nil, &ProviderError{Provider: ProviderWebAI, Kind: KindUnknown, Err: fmt.Errorf("failed to parse response: %w", err)}
		}
		return newSimulatedStream(ctx, req.Model, webResp), nil
	}

	return &WebStreamReader{
		reader: bufio.NewReader(httpResp.Body),
		resp:   httpResp,
		model:  req.Model,
		id:     "chatcmpl-" + uuid.NewString(),
	}, nil
}

func (p *WebSessionProvider) newRequest(ctx context.Context, model, method string, payload WebRequest) (*http.Request, credentials.Credential, error) {
	var cred credentials.Credential
	if p.creds != nil {
		cred, _ = p.creds.CurrentCredential(ProviderWebAI)
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, cred, &ProviderError{Provider: ProviderWebAI, Kind: KindUnknown, Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", p.baseURL, url.PathEscape(model), method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, cred, &ProviderError{Provider: ProviderWebAI, Kind: KindUnknown, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if header := cookieHeader(cred.Value); header != "" {
		httpReq.Header.Set("Cookie", header)
	}
	return httpReq, cred, nil
}

func cookieHeader(value map[string]string) string {
	if len(value) == 0 {
		return ""
	}
	names := make([]string, 0, len(value))
	for name := range value {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, (&http.Cookie{Name: name, Value: value[name]}).String())
	}
	return strings.Join(parts, "; ")
}

// WebStreamReader wraps the HTTP response for streaming
type WebStreamReader struct {
	reader *bufio.Reader
	resp   *http.Response
	model  string
	id     string
}

// Recv reads the next streaming chunk
func (r *WebStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(line) == "" {
				return openai.ChatCompletionStreamResponse{}, io.EOF
			}
			if err != io.EOF {
				return openai.ChatCompletionStreamResponse{}, transportError(ProviderWebAI, err)
			}
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			if err == io.EOF {
				return openai.ChatCompletionStreamResponse{}, io.EOF
			}
			continue
		}

		dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if dataStr == "[DONE]" {
			return openai.ChatCompletionStreamResponse{}, io.EOF
		}

		var webResp WebResponse
		if jsonErr := json.Unmarshal([]byte(dataStr), &webResp); jsonErr != nil {
			continue
		}
		return r.convertChunk(webResp), nil
	}
}

// Close closes the stream
func (r *WebStreamReader) Close() error {
	if r.resp != nil && r.resp.Body != nil {
		return r.resp.Body.Close()
	}
	return nil
}

func (r *WebStreamReader) convertChunk(resp WebResponse) openai.ChatCompletionStreamResponse {
	chunk := newChunk(r.id, r.model)

	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		choice := openai.ChatCompletionStreamChoice{Index: candidate.Index}
		if candidate.Content.Role != "" {
			choice.Delta.Role = openai.ChatMessageRoleAssistant
		}
		choice.Delta.Content = resp.text()
		if candidate.FinishReason != "" {
			choice.FinishReason = openai.FinishReasonStop
		}
		chunk.Choices = []openai.ChatCompletionStreamChoice{choice}
	}

	if resp.UsageMetadata.TotalTokenCount > 0 {
		chunk.Usage = &openai.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chunk
}

func newChunk(id, model string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionStreamChoice{},
	}
}

// simulatedStream replays a complete reply as a sequence of chunks
type simulatedStream struct {
	ctx    context.Context
	id     string
	model  string
	pieces []string
	usage  WebUsage
	pos    int
	done   bool
}

func newSimulatedStream(ctx context.Context, model string, resp WebResponse) *simulatedStream {
	return &simulatedStream{
		ctx:    ctx,
		id:     "chatcmpl-" + uuid.NewString(),
		model:  model,
		pieces: splitRunes(resp.text(), simulatedChunkSize),
		usage:  resp.UsageMetadata,
	}
}

func (s *simulatedStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if err := s.ctx.Err(); err != nil {
		return openai.ChatCompletionStreamResponse{}, err
	}
	if s.done {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}

	chunk := newChunk(s.id, s.model)
	if s.pos < len(s.pieces) {
		choice := openai.ChatCompletionStreamChoice{}
		if s.pos == 0 {
			choice.Delta.Role = openai.ChatMessageRoleAssistant
		}
		choice.Delta.Content = s.pieces[s.pos]
		chunk.Choices = []openai.ChatCompletionStreamChoice{choice}
		s.pos++
		return chunk, nil
	}

	s.done = true
	chunk.Choices = []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonStop}}
	if s.usage.TotalTokenCount > 0 {
		chunk.Usage = &openai.Usage{
			PromptTokens:     s.usage.PromptTokenCount,
			CompletionTokens: s.usage.CandidatesTokenCount,
			TotalTokens:      s.usage.TotalTokenCount,
		}
	}
	return chunk, nil
}

func (s *simulatedStream) Close() error {
	s.done = true
	return nil
}

func splitRunes(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// convertRequest converts to the bridge's Gemini format. System prompts are
// sent as user turns since the session has no system role.
func (p *WebSessionProvider) convertRequest(req ChatRequest) WebRequest {
	webReq := WebRequest{
		Contents: make([]WebContent, 0, len(req.Messages)),
	}

	for _, msg := range req.Messages {
		role := msg.Role
		switch role {
		case openai.ChatMessageRoleAssistant:
			role = "model"
		case openai.ChatMessageRoleSystem:
			role = "user"
		}

		text := msg.Content
		if text == "" {
			for _, part := range msg.MultiContent {
				text += part.Text
			}
		}

		webReq.Contents = append(webReq.Contents, WebContent{
			Role:  role,
			Parts: []WebPart{{Text: text}},
		})
	}

	if req.Temperature != nil || req.MaxTokens != nil || req.TopP != nil {
		webReq.GenerationConfig = &WebGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	return webReq
}

// convertResponse converts the bridge response to the standard format
func (p *WebSessionProvider) convertResponse(resp WebResponse, model string, latencyMs int) *ChatResponse {
	return &ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index: 0,
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: resp.text(),
				},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
		LatencyMs: latencyMs,
	}
}

// ValidateModel checks if a model is served by the browser session
func (p *WebSessionProvider) ValidateModel(model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

// Models lists the browser session models
func (p *WebSessionProvider) Models() []string {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

// GetProviderName returns the provider name
func (p *WebSessionProvider) GetProviderName() string {
	return ProviderWebAI
}
