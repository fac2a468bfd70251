package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/elvis3770/webai-gateway/internal/gateway/providers"
	"github.com/elvis3770/webai-gateway/internal/gateway/routing"
	"github.com/elvis3770/webai-gateway/internal/gateway/tokens"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/metric"
)

// DefaultTaskTimeout bounds a single task when Options leaves it unset.
const DefaultTaskTimeout = 120 * time.Second

// Completer runs one chat completion against a named provider.
type Completer interface {
	ChatCompletion(ctx context.Context, provider string, req providers.ChatRequest) (*providers.ChatResponse, providers.CallInfo, error)
}

// Refresher renews a provider credential on demand.
type Refresher interface {
	ForceRefresh(ctx context.Context, provider string) (credentials.Credential, error)
}

// Options configures an Executor.
type Options struct {
	TaskTimeout time.Duration
	// Refresher is consulted once per task when a provider reports an
	// expired credential. Nil disables the retry.
	Refresher Refresher
	Logger    *slog.Logger
	Meter     metric.Meter
}

// Executor runs chains sequentially. It is safe for concurrent use; each
// Run owns its own state.
type Executor struct {
	completer   Completer
	router      *routing.Router
	pricing     *tokens.PricingTable
	refresher   Refresher
	taskTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics
}

// NewExecutor creates an executor.
func NewExecutor(completer Completer, router *routing.Router, pricing *tokens.PricingTable, opts Options) *Executor {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if pricing == nil {
		pricing = tokens.NewPricingTable(nil)
	}
	return &Executor{
		completer:   completer,
		router:      router,
		pricing:     pricing,
		refresher:   opts.Refresher,
		taskTimeout: opts.TaskTimeout,
		logger:      opts.Logger,
		metrics:     newMetrics(opts.Meter),
	}
}

// Run executes the tasks of req in order. The first failure aborts the
// chain: the returned Result holds the tasks completed before it and the
// error is a *TaskError naming the failed task. Validation failures return
// a nil Result and an error wrapping ErrInvalidRequest.
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	chainID := req.ChainID
	if chainID == "" {
		chainID = uuid.NewString()
	}
	logger := e.logger.With("chain_id", chainID)

	start := time.Now()
	var state runState
	results := make([]TaskResult, 0, len(req.Tasks))
	previous := ""

	for i, task := range req.Tasks {
		if err := state.advance(i); err != nil {
			return nil, err
		}

		model := e.router.Resolve(task.Type, task.ModelOverride, req.ModelRouting)
		carried := previous
		if req.MaxContextTokens > 0 {
			carried = tokens.Truncate(previous, req.MaxContextTokens)
		}
		messages := buildMessages(task, carried, req.PassOutput && i > 0)

		tr, err := e.runTask(ctx, req.Provider, task, model, messages)
		if err != nil {
			_ = state.abort(err)
			e.metrics.recordTask(ctx, model, "error", 0)
			e.metrics.recordRun(ctx, PhaseAborted.String())
			logger.Warn("chain aborted", "task_id", task.ID, "task_index", i, "model", model, "error", err)

			res := finish(chainID, PhaseAborted, results, start)
			res.FailedTaskID = task.ID
			res.Error = err.Error()
			return res, &TaskError{ChainID: chainID, TaskID: task.ID, Index: i, Cause: err}
		}

		e.metrics.recordTask(ctx, model, "ok", tr.TokensUsed)
		logger.Debug("chain task completed",
			"task_id", task.ID,
			"model", tr.Model,
			"provider", tr.Provider,
			"tokens", tr.TokensUsed,
			"latency_ms", tr.LatencyMs,
		)
		results = append(results, tr)
		previous = tr.Output
	}

	_ = state.complete()
	e.metrics.recordRun(ctx, PhaseCompleted.String())
	res := finish(chainID, PhaseCompleted, results, start)
	logger.Info("chain completed",
		"tasks", len(results),
		"total_tokens", res.TotalTokens,
		"estimated_cost", res.EstimatedCost,
		"execution_time_ms", res.ExecutionTimeMs,
	)
	return res, nil
}

// RunTask executes a single task as a one-step chain.
func (e *Executor) RunTask(ctx context.Context, provider string, task Task) (*Result, error) {
	return e.Run(ctx, Request{Tasks: []Task{task}, Provider: provider})
}

// finish folds totals over the completed tasks.
func finish(chainID string, phase Phase, results []TaskResult, start time.Time) *Result {
	res := &Result{
		ChainID:         chainID,
		State:           phase.String(),
		Results:         results,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	var cost float64
	for _, r := range results {
		res.TotalTokens += r.TokensUsed
		cost += r.CostUSD
	}
	res.EstimatedCost = roundUSD(cost)
	return res
}

func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// buildMessages assembles the prompt of one task. With previous output the
// prior step becomes an assistant turn followed by this task's input.
func buildMessages(task Task, previous string, withPrevious bool) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(task.Messages)+2)
	messages = append(messages, task.Messages...)
	if withPrevious {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: previous,
		})
	}

	input := task.Input
	if input == "" && withPrevious {
		input = fmt.Sprintf("Perform the %s task on the previous response.", taskLabel(task.Type))
	}
	if input != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: input,
		})
	}
	return messages
}

func taskLabel(taskType string) string {
	if taskType == "" {
		return "next"
	}
	return taskType
}

// runTask calls the provider for one task. An expired credential is
// refreshed and the call retried exactly once; a provider the refresher
// does not manage keeps its original error.
func (e *Executor) runTask(ctx context.Context, provider string, task Task, model string, messages []openai.ChatCompletionMessage) (TaskResult, error) {
	req := providers.ChatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: task.Temperature,
		MaxTokens:   task.MaxTokens,
	}

	start := time.Now()
	resp, info, err := e.call(ctx, provider, req)
	retried := false
	if err != nil && providers.KindOf(err) == providers.KindAuthExpired && e.refresher != nil {
		target := failedProvider(err, info.Provider)
		if _, rerr := e.refresher.ForceRefresh(ctx, target); rerr != nil {
			if errors.Is(rerr, credentials.ErrUnknownProvider) {
				return TaskResult{}, err
			}
			return TaskResult{}, errors.Join(err, rerr)
		}
		e.metrics.authRetries.Add(ctx, 1)
		e.logger.Info("credential refreshed, retrying task", "task_id", task.ID, "provider", target)
		retried = true
		resp, info, err = e.call(ctx, provider, req)
	}
	if err != nil {
		return TaskResult{}, err
	}

	tr := TaskResult{
		TaskID:       task.ID,
		TaskType:     task.Type,
		Model:        model,
		Provider:     info.Provider,
		Output:       resp.Content(),
		LatencyMs:    time.Since(start).Milliseconds(),
		Degraded:     info.Degraded || resp.Degraded,
		FailoverUsed: info.FailoverUsed,
		AuthRetried:  retried,
	}

	usage := resp.Usage
	switch {
	case usage.TotalTokens > 0:
		tr.PromptTokens, tr.CompletionTokens, tr.TokensUsed = usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens
	case usage.PromptTokens+usage.CompletionTokens > 0:
		tr.PromptTokens, tr.CompletionTokens = usage.PromptTokens, usage.CompletionTokens
		tr.TokensUsed = usage.PromptTokens + usage.CompletionTokens
	default:
		tr.PromptTokens = tokens.CountMessages(messages)
		tr.CompletionTokens = tokens.Count(tr.Output)
		tr.TokensUsed = tr.PromptTokens + tr.CompletionTokens
		tr.TokensEstimated = true
	}
	tr.CostUSD = e.pricing.Estimate(model, tr.PromptTokens, tr.CompletionTokens).TotalUSD
	return tr, nil
}

// call bounds one provider call by the task timeout.
func (e *Executor) call(ctx context.Context, provider string, req providers.ChatRequest) (*providers.ChatResponse, providers.CallInfo, error) {
	taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	resp, info, err := e.completer.ChatCompletion(taskCtx, provider, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return nil, info, fmt.Errorf("%w after %s: %w", ErrTaskTimeout, e.taskTimeout, err)
		}
		return nil, info, err
	}
	if resp == nil {
		return nil, info, fmt.Errorf("provider %s returned no response", info.Provider)
	}
	return resp, info, nil
}

// failedProvider names the provider whose credential was rejected.
func failedProvider(err error, fallback string) string {
	var pe *providers.ProviderError
	if errors.As(err, &pe) && pe.Provider != "" {
		return pe.Provider
	}
	return fallback
}
