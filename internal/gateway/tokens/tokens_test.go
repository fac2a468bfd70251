package tokens

import (
	"math"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestCount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 400), 100},
	}
	for _, tt := range tests {
		if got := Count(tt.text); got != tt.want {
			t.Errorf("Count(%d bytes) = %d, want %d", len(tt.text), got, tt.want)
		}
	}
}

func TestCountMessages(t *testing.T) {
	t.Parallel()

	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "abcdefgh"},
		{Role: openai.ChatMessageRoleAssistant, Content: "abc"},
	}
	// 2 + (2+4) + (1+4)
	if got := CountMessages(msgs); got != 13 {
		t.Fatalf("CountMessages() = %d, want 13", got)
	}
	if got := CountMessages(nil); got != 0 {
		t.Fatalf("CountMessages(nil) = %d, want 0", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("word ", 100)
	out := Truncate(text, 10)
	if Count(out) > 10 {
		t.Fatalf("Count(Truncate()) = %d, want <= 10", Count(out))
	}
	if Truncate("short", 10) != "short" {
		t.Fatal("Truncate changed text within the limit")
	}

	multi := strings.Repeat("é", 20)
	cut := Truncate(multi, 3)
	if !strings.HasPrefix(multi, cut) || len(cut)%2 != 0 {
		t.Fatalf("Truncate split a rune: %q", cut)
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()

	table := NewPricingTable(map[string]ModelPricing{
		"Custom-Model": {InputPerMTok: 2, OutputPerMTok: 4},
	})

	cost := table.Estimate("gemini-2.5-pro", 1_000_000, 500_000)
	if cost.InputUSD != 1.25 || cost.OutputUSD != 2.5 || cost.TotalUSD != 3.75 {
		t.Fatalf("Estimate(gemini-2.5-pro) = %+v", cost)
	}

	custom := table.Estimate("custom-model", 1000, 1000)
	if math.Abs(custom.TotalUSD-0.006) > 1e-9 {
		t.Fatalf("Estimate(custom-model) total = %v, want 0.006", custom.TotalUSD)
	}

	if _, ok := table.Lookup("unknown"); ok {
		t.Fatal("Lookup(unknown) ok = true")
	}
	fallback := table.Estimate("unknown", 1_000_000, 1_000_000)
	if fallback.TotalUSD != 0.4 {
		t.Fatalf("fallback total = %v, want 0.4", fallback.TotalUSD)
	}
}

func TestReplaceSwapsTable(t *testing.T) {
	t.Parallel()

	table := NewPricingTable(nil)
	table.Replace(map[string]ModelPricing{"gpt-4": {InputPerMTok: 1, OutputPerMTok: 1}})

	p, ok := table.Lookup("gpt-4")
	if !ok || p.InputPerMTok != 1 {
		t.Fatalf("Lookup(gpt-4) = %+v, %v after Replace", p, ok)
	}
	if _, ok := table.Lookup("gemini-2.0-flash"); !ok {
		t.Fatal("Replace dropped built-in models")
	}
}
