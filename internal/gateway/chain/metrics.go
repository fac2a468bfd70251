package chain

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/elvis3770/webai-gateway/internal/gateway/chain"

type metrics struct {
	runs        metric.Int64Counter
	tasks       metric.Int64Counter
	tokens      metric.Int64Counter
	authRetries metric.Int64Counter
}

// newMetrics falls back to no-op instruments when registration fails.
func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &metrics{}
	var err error
	if m.runs, err = meter.Int64Counter("gateway.chain.runs",
		metric.WithDescription("Chain runs by final state.")); err != nil {
		m.runs = noopCounter()
	}
	if m.tasks, err = meter.Int64Counter("gateway.chain.tasks",
		metric.WithDescription("Chain tasks by outcome and model.")); err != nil {
		m.tasks = noopCounter()
	}
	if m.tokens, err = meter.Int64Counter("gateway.chain.tokens",
		metric.WithDescription("Tokens consumed by chain tasks."),
		metric.WithUnit("{token}")); err != nil {
		m.tokens = noopCounter()
	}
	if m.authRetries, err = meter.Int64Counter("gateway.chain.auth_retries",
		metric.WithDescription("Tasks retried after a credential refresh.")); err != nil {
		m.authRetries = noopCounter()
	}
	return m
}

func noopCounter() metric.Int64Counter {
	return noop.Int64Counter{}
}

func (m *metrics) recordRun(ctx context.Context, state string) {
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *metrics) recordTask(ctx context.Context, model, outcome string, tokens int) {
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("outcome", outcome))
	m.tasks.Add(ctx, 1, attrs)
	if tokens > 0 {
		m.tokens.Add(ctx, int64(tokens), metric.WithAttributes(attribute.String("model", model)))
	}
}
