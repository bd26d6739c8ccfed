package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/goodtune/playwarden/internal/storage"
	"github.com/redis/go-redis/v9"
)

type shutdownLogStore struct {
	client *redis.Client
}

func shutdownKey(userID, date string) string {
	return shutdownPrefix + userID + ":" + date
}

// Reserve records the entry unless one already exists for (user, date).
// SET NX makes the once-per-day guard hold across concurrent ticks and
// scheduler restarts.
func (s *shutdownLogStore) Reserve(ctx context.Context, entry storage.ShutdownLogEntry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode shutdown log entry: %w", err)
	}

	created, err := s.client.SetNX(ctx, shutdownKey(entry.UserID, entry.Date), data, 0).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return created, nil
}

// Release removes a reservation whose command dispatch failed.
func (s *shutdownLogStore) Release(ctx context.Context, userID, date string) error {
	return wrapErr(s.client.Del(ctx, shutdownKey(userID, date)).Err())
}

// Get retrieves the entry for (user, date).
func (s *shutdownLogStore) Get(ctx context.Context, userID, date string) (*storage.ShutdownLogEntry, error) {
	data, err := s.client.Get(ctx, shutdownKey(userID, date)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapErr(err)
	}

	var entry storage.ShutdownLogEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to parse shutdown log entry: %w", err)
	}

	return &entry, nil
}

// DeleteBefore deletes entries dated before the cutoff (YYYY-MM-DD).
func (s *shutdownLogStore) DeleteBefore(ctx context.Context, cutoffDate string) (int, error) {
	var cursor uint64
	var deleted int

	for {
		var keys []string
		var err error
		keys, cursor, err = s.client.Scan(ctx, cursor, shutdownPrefix+"*", 100).Result()
		if err != nil {
			return deleted, wrapErr(err)
		}

		for _, key := range keys {
			// Date is the final key segment; lexicographic comparison works
			// for YYYY-MM-DD.
			idx := strings.LastIndex(key, ":")
			if idx < 0 || key[idx+1:] >= cutoffDate {
				continue
			}
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return deleted, wrapErr(err)
			}
			deleted++
		}

		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}
