package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/elvis3770/webai-gateway/internal/gateway/cache"
	"github.com/elvis3770/webai-gateway/internal/gateway/handlers"
	"github.com/elvis3770/webai-gateway/internal/gateway/ratelimit"
	"github.com/elvis3770/webai-gateway/internal/gateway/sessions"
	"github.com/elvis3770/webai-gateway/internal/shared/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gateway", "port", cfg.Port, "env", cfg.Env, "version", version)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	go a.creds.Run(ctx, cfg.CookieCheckInterval)

	handler, err := a.routes(ctx)
	if err != nil {
		a.close(context.Background())
		return err
	}

	// HTTP server. WriteTimeout stays unset: streams and chains are bounded
	// by the provider and per-task timeouts instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", "http://localhost:"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case <-sigChan:
	case serveErr = <-errCh:
		logger.Error("server failed", "error", serveErr)
	}

	logger.Info("shutting down gracefully")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	a.close(shutdownCtx)

	logger.Info("server stopped")
	return serveErr
}

// routes builds the HTTP handler. Background work started here stops when
// ctx is cancelled.
func (a *app) routes(ctx context.Context) (http.Handler, error) {
	cfg, logger := a.cfg, a.logger

	chatOpts := handlers.ChatOptions{
		Credentials:      a.creds,
		Telemetry:        a.telemetry,
		DefaultModel:     cfg.DefaultModel,
		CacheTTL:         time.Duration(cfg.CacheTTLSeconds) * time.Second,
		StreamingEnabled: cfg.StreamingEnabled,
		Logger:           logger,
	}
	var keys handlers.KeyStore
	if a.db != nil {
		chatOpts.Logs = a.db
		keys = a.db
	}
	if a.redis != nil {
		if cfg.CacheEnabled {
			chatOpts.Cache = cache.New(a.redis)
		}
		chatOpts.Sessions = sessions.NewRedisStore(a.redis, cfg.SessionMaxHistory, cfg.SessionTTL)
	} else {
		mem := sessions.NewMemoryStore(cfg.SessionMaxHistory, cfg.SessionTTL)
		go mem.Run(ctx, time.Minute)
		chatOpts.Sessions = mem
	}

	chatHandler := handlers.NewChatHandler(a.providerMgr, a.pricing, chatOpts)
	agentsHandler := handlers.NewAgentsHandler(a.executor, a.router, a.pricing, a.providerMgr, chatOpts.Logs, logger)
	adminHandler := handlers.NewAdminHandler(a.creds, logger)
	healthHandler := handlers.NewHealthHandler(cfg.Env, a.readinessChecks())
	middleware := handlers.NewMiddleware(cfg.AuthEnabled, cfg.APIKeys, keys, cfg.AdminAPIKey, cfg.AllowedOrigins, logger)

	var rateLimit func(http.Handler) http.Handler
	if cfg.RateLimitEnabled {
		limiter, err := ratelimit.New(cfg.RateLimit, cfg.RateLimitWindow)
		if err != nil {
			return nil, err
		}
		limiter.WithLogger(logger).OnDeny(func(string) {
			a.telemetry.RecordRateLimited(context.Background())
		})
		go limiter.Run(ctx, cfg.RateLimitWindow)

		identity, err := ratelimit.NewIdentityFunc(cfg.RateLimitIdentity, handlers.ExtractAPIKey)
		if err != nil {
			return nil, err
		}
		rateLimit = ratelimit.Middleware(limiter, identity, logger)
		logger.Info("rate limiting enabled", "limit", cfg.RateLimit, "window", cfg.RateLimitWindow, "identity", cfg.RateLimitIdentity)
	}

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	if cfg.TrustForwardedFor {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", healthHandler.HandleHealth)
	r.Get("/health/live", healthHandler.HandleLive)
	r.Get("/health/ready", healthHandler.HandleReady)

	// API routes (with auth and rate limiting)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		if rateLimit != nil {
			r.Use(rateLimit)
		}

		r.Post("/chat/completions", chatHandler.HandleChatCompletion)
		r.Post("/agents/chain", agentsHandler.HandleChain)
		r.Post("/agents/task", agentsHandler.HandleTask)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			r.Get("/agents/models", agentsHandler.HandleAgentModels)
			r.Get("/models", agentsHandler.HandleModels)
		})
	})

	// Credential administration
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminMiddleware)
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

		r.Get("/credentials", adminHandler.HandleListCredentials)
		r.Put("/credentials/{provider}", adminHandler.HandleOverride)
		r.Post("/credentials/{provider}/refresh", adminHandler.HandleRefresh)
	})

	return a.telemetry.WrapHTTPHandler(r), nil
}

func (a *app) readinessChecks() map[string]handlers.ReadinessCheck {
	checks := map[string]handlers.ReadinessCheck{}
	if a.db != nil {
		checks["postgres"] = a.db.Ping
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	checks["providers"] = func(context.Context) error {
		if a.cfg.AggregatorEnabled {
			return nil
		}
		cred, ok := a.creds.CurrentCredential(config.ProviderWebAI)
		if !ok || cred.Empty() {
			return errors.New("no usable provider: web session has no credential and the aggregator is disabled")
		}
		return nil
	}
	return checks
}
