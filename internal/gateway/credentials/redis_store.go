package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elvis3770/webai-gateway/internal/shared/redis"
)

// KV is the subset of the redis client used by RedisStore.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisStore persists credentials under credentials:<provider>.
type RedisStore struct {
	kv KV
}

// NewRedisStore creates a store on top of kv.
func NewRedisStore(kv KV) *RedisStore {
	return &RedisStore{kv: kv}
}

type storedCredential struct {
	Value     map[string]string `json:"value"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func storeKey(provider string) string {
	return "credentials:" + provider
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, provider string) (*Credential, error) {
	raw, err := s.kv.Get(ctx, storeKey(provider))
	if errors.Is(err, redis.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sc storedCredential
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return nil, fmt.Errorf("decode stored credential: %w", err)
	}
	return &Credential{
		Provider:  provider,
		Value:     sc.Value,
		IssuedAt:  sc.IssuedAt,
		ExpiresAt: sc.ExpiresAt,
		State:     StateFresh,
	}, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, cred Credential) error {
	data, err := json.Marshal(storedCredential{
		Value:     cred.Value,
		IssuedAt:  cred.IssuedAt,
		ExpiresAt: cred.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	return s.kv.Set(ctx, storeKey(cred.Provider), string(data), 0)
}
