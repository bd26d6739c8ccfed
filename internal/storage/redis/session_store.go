package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/playwarden/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// OpenSession opens a session for the user, or returns the already-open one.
func (s *sessionStore) OpenSession(ctx context.Context, session storage.Session) (*storage.Session, bool, error) {
	script := redis.NewScript(openSessionScript)

	keys := []string{
		openPtrPrefix + session.UserID,
		sessionPrefix + session.ID,
		openSetKey,
		userIndexKey + session.UserID,
	}
	args := []interface{}{
		session.ID,
		session.UserID,
		session.DeviceID,
		session.Game,
		session.StartedAt.Format(time.RFC3339Nano),
		session.StartedAt.Unix(),
	}

	existing, err := script.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return nil, false, wrapErr(err)
	}

	if existing == "" {
		created := session
		return &created, true, nil
	}

	open, err := s.GetSession(ctx, existing)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing open session %s: %w", existing, err)
	}
	return open, false, nil
}

// SetGame updates the game on the user's open session.
func (s *sessionStore) SetGame(ctx context.Context, userID, game string) error {
	script := redis.NewScript(setGameScript)

	keys := []string{openPtrPrefix + userID}
	args := []interface{}{game, sessionPrefix}

	updated, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return wrapErr(err)
	}
	if updated == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CloseSession closes the user's open session.
func (s *sessionStore) CloseSession(ctx context.Context, userID string, endedAt time.Time, reason storage.EndReason) (*storage.Session, error) {
	script := redis.NewScript(closeSessionScript)

	keys := []string{openPtrPrefix + userID, openSetKey}
	args := []interface{}{
		endedAt.Format(time.RFC3339Nano),
		string(reason),
		sessionPrefix,
	}

	id, err := script.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapErr(err)
	}

	return s.GetSession(ctx, id)
}

// GetSession retrieves a session by ID.
func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, sessionPrefix+id).Result()
	if err != nil {
		return nil, wrapErr(err)
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseSession(data)
}

// GetOpenSession returns the user's open session, if any.
func (s *sessionStore) GetOpenSession(ctx context.Context, userID string) (*storage.Session, error) {
	id, err := s.client.Get(ctx, openPtrPrefix+userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapErr(err)
	}

	return s.GetSession(ctx, id)
}

// ListOpenSessions returns all open sessions.
func (s *sessionStore) ListOpenSessions(ctx context.Context) ([]storage.Session, error) {
	ids, err := s.client.SMembers(ctx, openSetKey).Result()
	if err != nil {
		return nil, wrapErr(err)
	}

	return s.fetchSessions(ctx, ids)
}

// ListOverlapping returns the user's sessions overlapping [from, to).
func (s *sessionStore) ListOverlapping(ctx context.Context, userID string, from, to time.Time) ([]storage.Session, error) {
	// Candidates: every session started before to. The start-time index
	// cannot answer the end-time half of the overlap test, so that part is
	// filtered after fetching.
	ids, err := s.client.ZRangeByScore(ctx, userIndexKey+userID, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(to.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, wrapErr(err)
	}

	candidates, err := s.fetchSessions(ctx, ids)
	if err != nil {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(candidates))
	for _, session := range candidates {
		if !session.StartedAt.Before(to) {
			continue
		}
		if session.EndedAt != nil && !session.EndedAt.After(from) {
			continue
		}
		sessions = append(sessions, session)
	}

	return sessions, nil
}

// DeleteClosedBefore deletes closed sessions that ended before the cutoff.
func (s *sessionStore) DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var cursor uint64
	var deleted int

	for {
		var keys []string
		var err error
		keys, cursor, err = s.client.Scan(ctx, cursor, sessionPrefix+"*", 100).Result()
		if err != nil {
			return deleted, wrapErr(err)
		}

		for _, key := range keys {
			// The open-pointer keys share the session prefix.
			if strings.HasPrefix(key, openPtrPrefix) {
				continue
			}

			data, err := s.client.HGetAll(ctx, key).Result()
			if err != nil || len(data) == 0 {
				continue
			}
			if data["ended_at"] == "" {
				continue
			}

			endedAt, err := time.Parse(time.RFC3339Nano, data["ended_at"])
			if err != nil || !endedAt.Before(cutoff) {
				continue
			}

			if err := s.client.Del(ctx, key).Err(); err != nil {
				return deleted, wrapErr(err)
			}
			s.client.ZRem(ctx, userIndexKey+data["user_id"], data["id"])
			deleted++
		}

		if cursor == 0 {
			break
		}
	}

	return deleted, nil
}

// fetchSessions retrieves session hashes in a pipeline, skipping missing and
// malformed entries.
func (s *sessionStore) fetchSessions(ctx context.Context, ids []string) ([]storage.Session, error) {
	if len(ids) == 0 {
		return []storage.Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr(err)
	}

	sessions := make([]storage.Session, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseSession(data)
		if err == nil {
			sessions = append(sessions, *session)
		}
	}

	return sessions, nil
}
