package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elvis3770/webai-gateway/internal/gateway/providers"
	"github.com/elvis3770/webai-gateway/internal/shared/redis"
)

// KV is the subset of the shared redis client the cache needs
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type Cache struct {
	redis KV
}

// New creates a new cache instance
func New(redisClient KV) *Cache {
	return &Cache{redis: redisClient}
}

// cacheKey hashes everything that changes the answer, including the provider
func cacheKey(provider string, req providers.ChatRequest) (string, error) {
	keyData, err := json.Marshal(struct {
		Provider    string   `json:"p"`
		Model       string   `json:"m"`
		Messages    any      `json:"msgs"`
		Temperature *float32 `json:"t,omitempty"`
		MaxTokens   *int     `json:"mt,omitempty"`
		TopP        *float32 `json:"tp,omitempty"`
	}{provider, req.Model, req.Messages, req.Temperature, req.MaxTokens, req.TopP})
	if err != nil {
		return "", fmt.Errorf("failed to build cache key: %w", err)
	}

	hash := sha256.Sum256(keyData)
	return "cache:exact:" + hex.EncodeToString(hash[:]), nil
}

// Get retrieves a cached response. A miss returns (nil, nil).
func (c *Cache) Get(ctx context.Context, provider string, req providers.ChatRequest) (*providers.ChatResponse, error) {
	key, err := cacheKey(provider, req)
	if err != nil {
		return nil, err
	}

	val, err := c.redis.Get(ctx, key)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cachedResp providers.ChatResponse
	if err := json.Unmarshal([]byte(val), &cachedResp); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached response: %w", err)
	}

	return &cachedResp, nil
}

// Set stores a response in cache
func (c *Cache) Set(ctx context.Context, provider string, req providers.ChatRequest, resp *providers.ChatResponse, ttl time.Duration) error {
	// responses from an invalid credential are not worth replaying
	if resp == nil || resp.Degraded {
		return nil
	}
	key, err := cacheKey(provider, req)
	if err != nil {
		return err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	return c.redis.Set(ctx, key, string(data), ttl)
}
