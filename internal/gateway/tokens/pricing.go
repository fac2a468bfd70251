package tokens

import (
	"math"
	"strings"
	"sync"
)

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// FallbackPricing applies to models missing from the table.
var FallbackPricing = ModelPricing{InputPerMTok: 0.10, OutputPerMTok: 0.30}

// DefaultPricing maps model names to their approximate public pricing.
var DefaultPricing = map[string]ModelPricing{
	"gemini-1.5-flash": {InputPerMTok: 0.075, OutputPerMTok: 0.30},
	"gemini-2.0-flash": {InputPerMTok: 0.075, OutputPerMTok: 0.30},
	"gemini-2.5-pro":   {InputPerMTok: 1.25, OutputPerMTok: 5.00},
	"gemini-3.0-pro":   {InputPerMTok: 1.25, OutputPerMTok: 5.00},
	"gpt-3.5-turbo":    {InputPerMTok: 0.50, OutputPerMTok: 1.50},
	"gpt-4":            {InputPerMTok: 30.00, OutputPerMTok: 60.00},
}

// Cost is an estimated charge in USD, rounded to six decimals.
type Cost struct {
	Model     string  `json:"model"`
	InputUSD  float64 `json:"input_cost_usd"`
	OutputUSD float64 `json:"output_cost_usd"`
	TotalUSD  float64 `json:"total_cost_usd"`
}

// PricingTable is a static lookup table that can be replaced at runtime.
type PricingTable struct {
	mu     sync.RWMutex
	prices map[string]ModelPricing
}

// NewPricingTable builds a table from DefaultPricing with overrides on top.
func NewPricingTable(overrides map[string]ModelPricing) *PricingTable {
	t := &PricingTable{}
	t.Replace(overrides)
	return t
}

// Replace swaps the whole table for DefaultPricing merged with overrides.
func (t *PricingTable) Replace(overrides map[string]ModelPricing) {
	prices := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for name, p := range DefaultPricing {
		prices[name] = p
	}
	for name, p := range overrides {
		prices[strings.ToLower(strings.TrimSpace(name))] = p
	}

	t.mu.Lock()
	t.prices = prices
	t.mu.Unlock()
}

// Lookup returns the pricing of a model and whether it was known.
func (t *PricingTable) Lookup(model string) (ModelPricing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.prices[strings.ToLower(strings.TrimSpace(model))]; ok {
		return p, true
	}
	return FallbackPricing, false
}

// Estimate computes the cost of a call from its token counts.
func (t *PricingTable) Estimate(model string, promptTokens, completionTokens int) Cost {
	p, _ := t.Lookup(model)
	input := float64(promptTokens) * p.InputPerMTok / 1_000_000
	output := float64(completionTokens) * p.OutputPerMTok / 1_000_000
	return Cost{
		Model:     model,
		InputUSD:  round6(input),
		OutputUSD: round6(output),
		TotalUSD:  round6(input + output),
	}
}

// Models returns a copy of the table.
func (t *PricingTable) Models() map[string]ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ModelPricing, len(t.prices))
	for k, v := range t.prices {
		out[k] = v
	}
	return out
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
