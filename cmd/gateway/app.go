package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elvis3770/webai-gateway/internal/gateway/chain"
	"github.com/elvis3770/webai-gateway/internal/gateway/credentials"
	"github.com/elvis3770/webai-gateway/internal/gateway/providers"
	"github.com/elvis3770/webai-gateway/internal/gateway/routing"
	"github.com/elvis3770/webai-gateway/internal/gateway/tokens"
	"github.com/elvis3770/webai-gateway/internal/observability"
	"github.com/elvis3770/webai-gateway/internal/shared/config"
	"github.com/elvis3770/webai-gateway/internal/shared/database"
	"github.com/elvis3770/webai-gateway/internal/shared/redis"
)

// app holds the components shared by serve and chain
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	telemetry   *observability.Runtime
	db          *database.DB
	redis       *redis.Client
	creds       *credentials.Manager
	providerMgr *providers.Manager
	router      *routing.Router
	pricing     *tokens.PricingTable
	executor    *chain.Executor
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	telemetry, err := observability.Setup(ctx, observability.Config{
		Enabled:        cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	a.telemetry = telemetry

	// Initialize database
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		if err := db.EnsureSchema(ctx); err != nil {
			a.close(ctx)
			return nil, err
		}
		logger.Info("connected to PostgreSQL")
	}

	// Initialize Redis
	if cfg.RedisURL != "" {
		client, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.redis = client
		logger.Info("connected to Redis")
	}

	a.creds = a.newCredentialManager(ctx)
	a.providerMgr = providers.NewManager(cfg, a.creds, logger)
	logger.Info("initialized providers", "providers", a.providerMgr.Names(), "default", a.providerMgr.DefaultProvider())

	a.router, a.pricing = newRouting(cfg)
	a.executor = chain.NewExecutor(a.providerMgr, a.router, a.pricing, chain.Options{
		TaskTimeout: cfg.TaskTimeout,
		Refresher:   a.creds,
		Logger:      logger,
		Meter:       telemetry.Meter(),
	})
	return a, nil
}

// newCredentialManager registers the web session and seeds it from the
// credential store, then from the environment
func (a *app) newCredentialManager(ctx context.Context) *credentials.Manager {
	cfg := a.cfg

	var renewer credentials.Renewer
	if cfg.CookieFile != "" {
		renewer = credentials.NewFileRenewer(cfg.CookieFile)
	}
	var store credentials.Store
	if a.redis != nil {
		store = credentials.NewRedisStore(a.redis)
	}

	m := credentials.NewManager(credentials.Options{
		TTL:            cfg.CookieTTL,
		RefreshLead:    cfg.CookieRefreshLead,
		MaxAttempts:    cfg.CookieRenewAttempts,
		RetryInterval:  cfg.CookieRetryInterval,
		BackoffInitial: cfg.CookieBackoffInitial,
		BackoffMax:     cfg.CookieBackoffMax,
	}, renewer, store, a.logger)

	if !cfg.WebAIEnabled {
		return m
	}
	m.Register(config.ProviderWebAI)

	if err := m.Restore(ctx); err != nil {
		a.logger.Warn("failed to restore saved credentials", "error", err)
	}
	if cookies := cfg.Cookies(); len(cookies) > 0 {
		if cred, ok := m.CurrentCredential(config.ProviderWebAI); !ok || cred.Empty() {
			if _, err := m.Override(config.ProviderWebAI, cookies); err != nil {
				a.logger.Warn("failed to seed session cookies", "error", err)
			}
		}
	}
	return m
}

func newRouting(cfg *config.Config) (*routing.Router, *tokens.PricingTable) {
	var table map[string]string
	var prices map[string]tokens.ModelPricing
	if cfg.Routing != nil {
		table = cfg.Routing.Routing
		prices = make(map[string]tokens.ModelPricing, len(cfg.Routing.Pricing))
		for model, p := range cfg.Routing.Pricing {
			prices[model] = tokens.ModelPricing{InputPerMTok: p.InputPerMTok, OutputPerMTok: p.OutputPerMTok}
		}
	}
	return routing.New(cfg.DefaultModel, table), tokens.NewPricingTable(prices)
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown finished with errors", "error", err)
	}
}
