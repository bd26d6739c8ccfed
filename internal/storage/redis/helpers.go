package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/goodtune/playwarden/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix  = "playwarden:session:"
	openPtrPrefix  = "playwarden:session:open:"
	openSetKey     = "playwarden:sessions:open"
	userIndexKey   = "playwarden:sessions:user:"
	quotaPrefix    = "playwarden:quota:"
	shutdownPrefix = "playwarden:shutdown:"
	usersKey       = "playwarden:users"
)

// wrapErr classifies transport failures as storage.ErrUnavailable so callers
// can tell a down backend from a bad request. redis.Nil passes through
// untouched; mapping a key miss to ErrNotFound stays with the caller.
func wrapErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

// parseSession converts a Redis hash to a Session.
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	session := &storage.Session{
		ID:        data["id"],
		UserID:    data["user_id"],
		DeviceID:  data["device_id"],
		Game:      data["game"],
		StartedAt: startedAt,
	}

	if data["ended_at"] != "" {
		endedAt, err := time.Parse(time.RFC3339Nano, data["ended_at"])
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		session.EndedAt = &endedAt
		session.EndReason = storage.EndReason(data["end_reason"])
	}

	return session, nil
}
