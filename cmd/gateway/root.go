package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	flagEnvFile  string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "OpenAI-compatible gateway for Gemini web sessions",
	Long:    "Serve an OpenAI-compatible chat API and multi-step agent chains on top of a Gemini browser session, failing over to an OpenAI-compatible aggregator.",
	Version: version,
	RunE:    runServe,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if flagEnvFile == "" {
			return nil
		}
		if err := godotenv.Load(flagEnvFile); err != nil {
			return fmt.Errorf("load env file %s: %w", flagEnvFile, err)
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", "", "Load environment variables from this file before .env")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

// newLogger builds the process logger. JSON in production, text otherwise.
func newLogger(env, level string) *slog.Logger {
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
