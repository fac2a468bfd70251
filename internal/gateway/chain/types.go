package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Task is one step of a chain.
type Task struct {
	ID   string `json:"task_id"`
	Type string `json:"task_type"`
	// Input is the user turn of this step.
	Input string `json:"input,omitempty"`
	// Messages is an optional structured prompt sent before Input.
	Messages      []openai.ChatCompletionMessage `json:"messages,omitempty"`
	ModelOverride string                         `json:"model,omitempty"`
	Temperature   *float32                       `json:"temperature,omitempty"`
	MaxTokens     *int                           `json:"max_tokens,omitempty"`
}

// Request is an ordered list of tasks run as one chain.
type Request struct {
	ChainID string `json:"chain_id,omitempty"`
	Tasks   []Task `json:"tasks"`
	// PassOutput feeds each task's output to the next one as context. It
	// defaults to true when the field is absent from JSON.
	PassOutput bool `json:"pass_output"`
	// MaxContextTokens caps the previous output carried into the next task.
	// Zero carries it whole.
	MaxContextTokens int `json:"max_context_tokens,omitempty"`
	// ModelRouting maps task types to models for this chain only.
	ModelRouting map[string]string `json:"model_routing,omitempty"`
	// Provider selects the upstream; empty uses the gateway default.
	Provider string `json:"provider,omitempty"`
}

// UnmarshalJSON decodes a request, defaulting pass_output to true.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	decoded := plain{PassOutput: true}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = Request(decoded)
	return nil
}

// TaskResult is the outcome of one completed task.
type TaskResult struct {
	TaskID           string  `json:"task_id"`
	TaskType         string  `json:"task_type"`
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Output           string  `json:"output"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TokensUsed       int     `json:"tokens_used"`
	TokensEstimated  bool    `json:"tokens_estimated,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMs        int64   `json:"latency_ms"`
	Degraded         bool    `json:"degraded,omitempty"`
	FailoverUsed     bool    `json:"failover_used,omitempty"`
	AuthRetried      bool    `json:"auth_retried,omitempty"`
}

// Result is produced once per chain run and not modified afterwards.
type Result struct {
	ChainID         string       `json:"chain_id"`
	State           string       `json:"state"`
	Results         []TaskResult `json:"results"`
	TotalTokens     int          `json:"total_tokens"`
	EstimatedCost   float64      `json:"estimated_cost"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	FailedTaskID    string       `json:"failed_task_id,omitempty"`
	Error           string       `json:"error,omitempty"`
}

var (
	// ErrInvalidRequest wraps every validation failure.
	ErrInvalidRequest = errors.New("invalid chain request")
	// ErrTaskTimeout is the cause of a task that exceeded its timeout.
	ErrTaskTimeout = errors.New("task timed out")
)

// TaskError identifies the task that aborted a chain.
type TaskError struct {
	ChainID string
	TaskID  string
	Index   int
	Cause   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("chain %s: task %q (#%d) failed: %v", e.ChainID, e.TaskID, e.Index, e.Cause)
}

func (e *TaskError) Unwrap() error {
	return e.Cause
}

// Validate checks task identity and that each task has something to send.
func (r Request) Validate() error {
	if len(r.Tasks) == 0 {
		return fmt.Errorf("%w: no tasks", ErrInvalidRequest)
	}
	if r.MaxContextTokens < 0 {
		return fmt.Errorf("%w: max_context_tokens must not be negative", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(r.Tasks))
	for i, t := range r.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task #%d has no task_id", ErrInvalidRequest, i)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: duplicate task_id %q", ErrInvalidRequest, t.ID)
		}
		seen[t.ID] = true

		receivesOutput := r.PassOutput && i > 0
		if t.Input == "" && len(t.Messages) == 0 && !receivesOutput {
			return fmt.Errorf("%w: task %q has no input", ErrInvalidRequest, t.ID)
		}
	}
	return nil
}
