package redis

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

type userStore struct {
	client *redis.Client
}

// Add persists a discovered user. Adding an existing user is a no-op.
func (s *userStore) Add(ctx context.Context, userID string) error {
	return wrapErr(s.client.SAdd(ctx, usersKey, userID).Err())
}

// List returns all known users, sorted for determinism.
func (s *userStore) List(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	sort.Strings(users)
	return users, nil
}
