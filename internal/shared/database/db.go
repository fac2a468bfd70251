package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/elvis3770/webai-gateway/internal/shared/models"
	_ "github.com/lib/pq"
)

// ErrInvalidAPIKey is returned for unknown or inactive keys
var ErrInvalidAPIKey = errors.New("invalid API key")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(ctx context.Context, databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection, used by the readiness probe
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	key_hash      TEXT NOT NULL UNIQUE,
	key_prefix    TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	cache_enabled BOOLEAN NOT NULL DEFAULT false,
	is_active     BOOLEAN NOT NULL DEFAULT true,
	last_used_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS gateway_logs (
	id                BIGSERIAL PRIMARY KEY,
	api_key_id        UUID,
	method            TEXT NOT NULL,
	endpoint          TEXT NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	cost_usd          NUMERIC(12, 6) NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	tokens_estimated  BOOLEAN NOT NULL DEFAULT false,
	cache_hit         BOOLEAN NOT NULL DEFAULT false,
	failover_used     BOOLEAN NOT NULL DEFAULT false,
	degraded          BOOLEAN NOT NULL DEFAULT false,
	credential_state  TEXT NOT NULL DEFAULT '',
	session_id        TEXT,
	status_code       INTEGER NOT NULL,
	error_message     TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chain_runs (
	chain_id          TEXT PRIMARY KEY,
	api_key_id        UUID,
	state             TEXT NOT NULL,
	task_count        INTEGER NOT NULL,
	completed_tasks   INTEGER NOT NULL,
	failed_task_id    TEXT,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	estimated_cost    NUMERIC(12, 6) NOT NULL DEFAULT 0,
	execution_time_ms BIGINT NOT NULL DEFAULT 0,
	error_message     TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the gateway tables when they are missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// HashAPIKey returns the stored form of a raw key
func HashAPIKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

// GetAPIKey retrieves an API key by its raw key value
func (db *DB) GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	query := `
		SELECT id, key_hash, key_prefix, name, cache_enabled,
		       is_active, last_used_at, created_at, updated_at
		FROM api_keys
		WHERE key_hash = $1 AND is_active = true
	`

	var apiKey models.APIKey
	err := db.conn.QueryRowContext(ctx, query, HashAPIKey(rawKey)).Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.Name,
		&apiKey.CacheEnabled,
		&apiKey.IsActive,
		&apiKey.LastUsedAt,
		&apiKey.CreatedAt,
		&apiKey.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &apiKey, nil
}

// UpdateAPIKeyLastUsed updates the last_used_at timestamp
func (db *DB) UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, apiKeyID)
	return err
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := `
		INSERT INTO gateway_logs (
			api_key_id, method, endpoint, model, provider, cost_usd, latency_ms,
			prompt_tokens, completion_tokens, total_tokens, tokens_estimated, cache_hit,
			failover_used, degraded, credential_state, session_id, status_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.APIKeyID,
		log.Method,
		log.Endpoint,
		log.Model,
		log.Provider,
		log.CostUSD,
		log.LatencyMs,
		log.PromptTokens,
		log.CompletionTokens,
		log.TotalTokens,
		log.TokensEstimated,
		log.CacheHit,
		log.FailoverUsed,
		log.Degraded,
		log.CredentialState,
		log.SessionID,
		log.StatusCode,
		log.ErrorMessage,
	)

	return err
}

// LogChainRun records the outcome of a chain
func (db *DB) LogChainRun(ctx context.Context, run *models.ChainRunLog) error {
	query := `
		INSERT INTO chain_runs (
			chain_id, api_key_id, state, task_count, completed_tasks, failed_task_id,
			total_tokens, estimated_cost, execution_time_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_id) DO NOTHING
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		run.ChainID,
		run.APIKeyID,
		run.State,
		run.TaskCount,
		run.CompletedTasks,
		run.FailedTaskID,
		run.TotalTokens,
		run.EstimatedCost,
		run.ExecutionTimeMs,
		run.ErrorMessage,
	)

	return err
}
