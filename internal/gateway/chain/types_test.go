package chain

import (
	"encoding/json"
	"testing"
)

func TestRequestPassOutputDefaultsToTrue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"omitted", `{"tasks":[{"task_id":"a","input":"x"}]}`, true},
		{"explicit true", `{"pass_output":true,"tasks":[]}`, true},
		{"explicit false", `{"pass_output":false,"tasks":[]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			if err := json.Unmarshal([]byte(tt.body), &req); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if req.PassOutput != tt.want {
				t.Fatalf("PassOutput = %v, want %v", req.PassOutput, tt.want)
			}
		})
	}
}

func TestRequestDecodeKeepsOtherFields(t *testing.T) {
	t.Parallel()

	var req Request
	body := `{"chain_id":"c-9","provider":"aggregator","max_context_tokens":64,
		"model_routing":{"code":"gpt-4o"},
		"tasks":[{"task_id":"a","task_type":"code","input":"x"},{"task_id":"b"}]}`
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if req.ChainID != "c-9" || req.Provider != "aggregator" || req.MaxContextTokens != 64 {
		t.Fatalf("request = %+v", req)
	}
	if len(req.Tasks) != 2 || req.ModelRouting["code"] != "gpt-4o" {
		t.Fatalf("request = %+v", req)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want the second task to receive output", err)
	}
}

func TestRequestDecodeRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	var req Request
	if err := json.Unmarshal([]byte(`{"tasks":`), &req); err == nil {
		t.Fatal("Unmarshal() accepted truncated JSON")
	}
}
