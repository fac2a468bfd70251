package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/elvis3770/webai-gateway"

// Config selects the OTLP metric export target.
type Config struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	Interval       time.Duration
}

// Runtime exposes the HTTP wrapper and gateway counters. A disabled
// Runtime records into no-op instruments.
type Runtime struct {
	enabled bool
	meter   metric.Meter

	completions metric.Int64Counter
	tokens      metric.Int64Counter
	failovers   metric.Int64Counter
	degraded    metric.Int64Counter
	rateLimited metric.Int64Counter
	cacheHits   metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup installs a global meter provider exporting over OTLP/HTTP.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if !cfg.Enabled {
		return newRuntime(noop.NewMeterProvider().Meter(instrumentationName), logger), nil
	}

	endpoint, insecure, err := normalizeEndpoint(cfg.Endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	rt := newRuntime(otel.Meter(instrumentationName), logger)
	rt.enabled = true
	rt.shutdownFns = append(rt.shutdownFns, provider.Shutdown)
	if logger != nil {
		logger.Info("opentelemetry enabled", "otel_endpoint", endpoint, "otel_interval", interval)
	}
	return rt, nil
}

func newRuntime(meter metric.Meter, logger *slog.Logger) *Runtime {
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			if logger != nil {
				logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
			}
			return noop.Int64Counter{}
		}
		return c
	}
	return &Runtime{
		meter:       meter,
		completions: counter("gateway.completions", "Chat completions served, by provider and outcome."),
		tokens:      counter("gateway.tokens", "Tokens consumed by chat completions."),
		failovers:   counter("gateway.failovers", "Completions served by the aggregator after the browser session failed."),
		degraded:    counter("gateway.degraded_responses", "Responses produced with an invalid browser-session credential."),
		rateLimited: counter("gateway.rate_limited", "Requests rejected by the rate limiter."),
		cacheHits:   counter("gateway.cache_hits", "Completions answered from the response cache."),
	}
}

// Enabled reports whether metrics are exported.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// Meter returns the gateway meter for components with their own instruments.
func (r *Runtime) Meter() metric.Meter {
	if r == nil || r.meter == nil {
		return noop.NewMeterProvider().Meter(instrumentationName)
	}
	return r.meter
}

// Completion describes one finished chat completion.
type Completion struct {
	Provider string
	Model    string
	Outcome  string
	Tokens   int
	Failover bool
	Degraded bool
	Cached   bool
}

// RecordCompletion counts a finished completion.
func (r *Runtime) RecordCompletion(ctx context.Context, c Completion) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", c.Provider),
		attribute.String("model", c.Model),
		attribute.String("outcome", c.Outcome),
	)
	r.completions.Add(ctx, 1, attrs)
	if c.Tokens > 0 {
		r.tokens.Add(ctx, int64(c.Tokens), metric.WithAttributes(attribute.String("model", c.Model)))
	}
	if c.Failover {
		r.failovers.Add(ctx, 1)
	}
	if c.Degraded {
		r.degraded.Add(ctx, 1)
	}
	if c.Cached {
		r.cacheHits.Add(ctx, 1)
	}
}

// RecordRateLimited counts a denied admission.
func (r *Runtime) RecordRateLimited(ctx context.Context) {
	if r == nil {
		return
	}
	r.rateLimited.Add(ctx, 1)
}

// WrapHTTPHandler instruments inbound requests when telemetry is enabled.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(next, "gateway.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}),
	)
}

// Shutdown flushes and stops the exporters.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.shutdownFns = nil
	return errors.Join(errs...)
}

// normalizeEndpoint accepts host:port or a URL. A URL scheme decides the
// transport security over the insecure flag.
func normalizeEndpoint(raw string, insecure bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("otel endpoint is required when telemetry is enabled")
	}
	if !strings.Contains(raw, "://") {
		return raw, insecure, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("invalid otel endpoint %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		insecure = true
	case "https":
		insecure = false
	default:
		return "", false, fmt.Errorf("invalid otel endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid otel endpoint %q: missing host", raw)
	}
	return u.Host, insecure, nil
}
