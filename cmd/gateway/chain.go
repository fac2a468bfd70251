package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elvis3770/webai-gateway/internal/gateway/chain"
	"github.com/elvis3770/webai-gateway/internal/shared/config"
)

var (
	flagChainFile     string
	flagChainProvider string
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Run a chain file against the configured providers and print the result",
	RunE:  runChain,
}

func init() {
	chainCmd.Flags().StringVarP(&flagChainFile, "file", "f", "", "Chain request JSON (same body as POST /v1/agents/chain)")
	chainCmd.Flags().StringVar(&flagChainProvider, "provider", "", "Provider for every task (webai or aggregator)")
	_ = chainCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(chainCmd)
}

func runChain(cmd *cobra.Command, _ []string) error {
	data, err := os.ReadFile(flagChainFile)
	if err != nil {
		return fmt.Errorf("read chain file: %w", err)
	}
	var req chain.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse chain file %s: %w", flagChainFile, err)
	}
	if flagChainProvider != "" {
		req.Provider = flagChainProvider
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	res, runErr := a.executor.Run(ctx, req)
	if res != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}
