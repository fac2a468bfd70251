package providers

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ProviderAggregator is the name of the multi-provider fallback aggregator
const ProviderAggregator = "aggregator"

// AggregatorModels are advertised for the aggregator; it accepts any model
// name and routes it to one of its own backends.
var AggregatorModels = []string{
	"gpt-4o-mini",
	"gpt-4",
	"gpt-3.5-turbo",
	"gemini-2.0-flash",
	"gemini-2.5-pro",
}

// AggregatorProvider handles requests to an OpenAI-compatible aggregator
type AggregatorProvider struct {
	client *openai.Client
}

// NewAggregatorProvider creates a provider for the aggregator at baseURL
func NewAggregatorProvider(baseURL, apiKey string) *AggregatorProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	return &AggregatorProvider{
		client: openai.NewClientWithConfig(cfg),
	}
}

func (p *AggregatorProvider) buildRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	openaiReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	return openaiReq
}

// ChatCompletion makes a chat completion request to the aggregator
func (p *AggregatorProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	startTime := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, classifyOpenAIError(ProviderAggregator, err)
	}

	latencyMs := int(time.Since(startTime).Milliseconds())

	return &ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           resp.Choices,
		Usage:             resp.Usage,
		SystemFingerprint: resp.SystemFingerprint,
		LatencyMs:         latencyMs,
	}, nil
}

// ChatCompletionStream creates a streaming chat completion request
func (p *AggregatorProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (StreamReader, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, classifyOpenAIError(ProviderAggregator, err)
	}

	return &AggregatorStreamReader{stream: stream}, nil
}

// AggregatorStreamReader wraps go-openai's stream
type AggregatorStreamReader struct {
	stream *openai.ChatCompletionStream
}

// Recv reads the next chunk
func (r *AggregatorStreamReader) Recv() (openai.ChatCompletionStreamResponse, error) {
	chunk, err := r.stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		return chunk, classifyOpenAIError(ProviderAggregator, err)
	}
	return chunk, err
}

// Close closes the stream
func (r *AggregatorStreamReader) Close() error {
	r.stream.Close()
	return nil
}

// ValidateModel accepts any non-empty model name
func (p *AggregatorProvider) ValidateModel(model string) bool {
	return strings.TrimSpace(model) != ""
}

// Models lists commonly available aggregator models
func (p *AggregatorProvider) Models() []string {
	out := make([]string, len(AggregatorModels))
	copy(out, AggregatorModels)
	return out
}

// GetProviderName returns the provider name
func (p *AggregatorProvider) GetProviderName() string {
	return ProviderAggregator
}
