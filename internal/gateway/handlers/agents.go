package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/elvis3770/webai-gateway/internal/gateway/chain"
	"github.com/elvis3770/webai-gateway/internal/gateway/routing"
	"github.com/elvis3770/webai-gateway/internal/gateway/tokens"
	"github.com/elvis3770/webai-gateway/internal/shared/models"
	"github.com/google/uuid"
)

// ChainRunner executes chains
type ChainRunner interface {
	Run(ctx context.Context, req chain.Request) (*chain.Result, error)
	RunTask(ctx context.Context, provider string, task chain.Task) (*chain.Result, error)
}

type AgentsHandler struct {
	executor    ChainRunner
	router      *routing.Router
	pricing     *tokens.PricingTable
	providerMgr ChatService
	logs        RequestLogger
	logger      *slog.Logger
}

func NewAgentsHandler(executor ChainRunner, router *routing.Router, pricing *tokens.PricingTable, providerMgr ChatService, logs RequestLogger, logger *slog.Logger) *AgentsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentsHandler{
		executor:    executor,
		router:      router,
		pricing:     pricing,
		providerMgr: providerMgr,
		logs:        logs,
		logger:      logger,
	}
}

// chainFailure is returned with 502 when a task aborts the chain
type chainFailure struct {
	Error        errorDetail   `json:"error"`
	FailedTaskID string        `json:"failed_task_id"`
	Result       *chain.Result `json:"result"`
}

// HandleChain handles POST /v1/agents/chain
func (h *AgentsHandler) HandleChain(w http.ResponseWriter, r *http.Request) {
	var req chain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if req.Provider == "" {
		req.Provider = r.Header.Get("X-Provider")
	}
	if req.ChainID == "" {
		req.ChainID = uuid.NewString()
	}

	res, err := h.executor.Run(r.Context(), req)
	h.logChain(r.Context(), req, res, err)
	h.respond(w, res, err)
}

// taskRequest is the body of POST /v1/agents/task
type taskRequest struct {
	chain.Task
	Provider string `json:"provider,omitempty"`
}

// taskResponse is the body answered for a single task
type taskResponse struct {
	chain.TaskResult
	EstimatedCost   float64 `json:"estimated_cost"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	Success         bool    `json:"success"`
}

// HandleTask handles POST /v1/agents/task
func (h *AgentsHandler) HandleTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if req.ID == "" {
		req.ID = "task-" + uuid.NewString()[:8]
	}
	if req.Provider == "" {
		req.Provider = r.Header.Get("X-Provider")
	}

	res, err := h.executor.RunTask(r.Context(), req.Provider, req.Task)
	if err != nil || res == nil || len(res.Results) == 0 {
		h.respond(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		TaskResult:      res.Results[0],
		EstimatedCost:   res.EstimatedCost,
		ExecutionTimeMs: res.ExecutionTimeMs,
		Success:         true,
	})
}

func (h *AgentsHandler) respond(w http.ResponseWriter, res *chain.Result, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}

	var taskErr *chain.TaskError
	if errors.As(err, &taskErr) {
		_, errType := classify(taskErr.Cause)
		writeJSON(w, http.StatusBadGateway, chainFailure{
			Error:        errorDetail{Message: err.Error(), Type: "chain_task_failed", Code: errType},
			FailedTaskID: taskErr.TaskID,
			Result:       res,
		})
		return
	}
	writeGatewayError(w, err)
}

func (h *AgentsHandler) logChain(ctx context.Context, req chain.Request, res *chain.Result, err error) {
	if h.logs == nil || res == nil {
		return
	}
	run := &models.ChainRunLog{
		ChainID:         res.ChainID,
		APIKeyID:        apiKeyID(APIKeyFromContext(ctx)),
		State:           res.State,
		TaskCount:       len(req.Tasks),
		CompletedTasks:  len(res.Results),
		FailedTaskID:    optional(res.FailedTaskID),
		TotalTokens:     res.TotalTokens,
		EstimatedCost:   res.EstimatedCost,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}
	if err != nil {
		run.ErrorMessage = optional(err.Error())
	}
	asyncLog(h.logger, "chain_run", func(ctx context.Context) error {
		return h.logs.LogChainRun(ctx, run)
	})
}

// agentModels is the body of GET /v1/agents/models
type agentModels struct {
	TaskRouting     map[string]string              `json:"task_routing"`
	DefaultModel    string                         `json:"default_model"`
	AvailableModels []string                       `json:"available_models"`
	Providers       map[string][]string            `json:"providers"`
	Recommendations map[string]string              `json:"recommendations"`
	Pricing         map[string]tokens.ModelPricing `json:"pricing"`
}

// HandleAgentModels handles GET /v1/agents/models
func (h *AgentsHandler) HandleAgentModels(w http.ResponseWriter, r *http.Request) {
	byProvider := h.providerMgr.Models()
	writeJSON(w, http.StatusOK, agentModels{
		TaskRouting:     h.router.Table(),
		DefaultModel:    h.router.DefaultModel(),
		AvailableModels: availableModels(h.router, byProvider),
		Providers:       byProvider,
		Recommendations: routing.Recommendations,
		Pricing:         h.pricing.Models(),
	})
}

// modelObject is one entry of the OpenAI style model list
type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// HandleModels handles GET /v1/models
func (h *AgentsHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	byProvider := h.providerMgr.Models()
	seen := map[string]bool{}
	data := []modelObject{}
	for _, provider := range sortedProviders(byProvider) {
		for _, id := range byProvider[provider] {
			if seen[id] {
				continue
			}
			seen[id] = true
			data = append(data, modelObject{ID: id, Object: "model", OwnedBy: provider})
		}
	}
	for _, id := range h.router.Models() {
		if !seen[id] {
			seen[id] = true
			data = append(data, modelObject{ID: id, Object: "model", OwnedBy: "router"})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func availableModels(router *routing.Router, byProvider map[string][]string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(m string) {
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	for _, m := range router.Models() {
		add(m)
	}
	for _, provider := range sortedProviders(byProvider) {
		for _, m := range byProvider[provider] {
			add(m)
		}
	}
	return out
}

func sortedProviders(byProvider map[string][]string) []string {
	names := make([]string, 0, len(byProvider))
	for name := range byProvider {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
