package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutingFile is the optional YAML document that overrides the built-in
// task routing table and pricing table.
type RoutingFile struct {
	DefaultModel string                   `yaml:"default_model"`
	Routing      map[string]string        `yaml:"routing"`
	Pricing      map[string]PriceOverride `yaml:"pricing"`
}

// PriceOverride holds USD per 1M token prices for one model.
type PriceOverride struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// LoadRoutingFile reads and validates a routing YAML file.
func LoadRoutingFile(path string) (*RoutingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routing config %s: %w", path, err)
	}
	return ParseRoutingFile(data)
}

// ParseRoutingFile decodes a routing YAML document.
func ParseRoutingFile(data []byte) (*RoutingFile, error) {
	var rf RoutingFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse routing config: %w", err)
	}

	for taskType, model := range rf.Routing {
		if strings.TrimSpace(taskType) == "" || strings.TrimSpace(model) == "" {
			return nil, fmt.Errorf("routing config: empty task type or model in entry %q: %q", taskType, model)
		}
	}
	for model, price := range rf.Pricing {
		if price.InputPerMTok < 0 || price.OutputPerMTok < 0 {
			return nil, fmt.Errorf("routing config: negative price for model %q", model)
		}
	}

	return &rf, nil
}
