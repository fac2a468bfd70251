package models

import "time"

// APIKey represents a gateway API key
type APIKey struct {
	ID           string
	KeyHash      string
	KeyPrefix    string
	Name         string
	CacheEnabled bool
	IsActive     bool
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GatewayLog represents a request log entry
type GatewayLog struct {
	ID               string
	APIKeyID         *string
	Method           string
	Endpoint         string
	Model            string
	Provider         string
	CostUSD          float64
	LatencyMs        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	TokensEstimated  bool
	CacheHit         bool
	FailoverUsed     bool
	Degraded         bool
	CredentialState  string
	SessionID        *string
	StatusCode       int
	ErrorMessage     *string
	CreatedAt        time.Time
}

// ChainRunLog represents one executed chain
type ChainRunLog struct {
	ChainID         string
	APIKeyID        *string
	State           string
	TaskCount       int
	CompletedTasks  int
	FailedTaskID    *string
	TotalTokens     int
	EstimatedCost   float64
	ExecutionTimeMs int64
	ErrorMessage    *string
	CreatedAt       time.Time
}
