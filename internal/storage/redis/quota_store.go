package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/playwarden/internal/storage"
	"github.com/redis/go-redis/v9"
)

type quotaStore struct {
	client *redis.Client
}

// Get retrieves the quota configuration for a user.
func (s *quotaStore) Get(ctx context.Context, userID string) (*storage.QuotaConfig, error) {
	data, err := s.client.Get(ctx, quotaPrefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapErr(err)
	}

	var cfg storage.QuotaConfig
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse quota config for %s: %w", userID, err)
	}

	return &cfg, nil
}

// Set stores the quota configuration for a user.
func (s *quotaStore) Set(ctx context.Context, cfg storage.QuotaConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid quota config: %w", err)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode quota config: %w", err)
	}

	return wrapErr(s.client.Set(ctx, quotaPrefix+cfg.UserID, data, 0).Err())
}
