package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrUnavailable is returned when the storage backend cannot be reached.
// Callers treat it as retryable and must not drop in-flight session state.
var ErrUnavailable = errors.New("storage: backend unavailable")

// Store represents the root storage interface.
type Store interface {
	Close() error
	// Ping reports backend health. A failure wraps ErrUnavailable.
	Ping(ctx context.Context) error
	Sessions() SessionStore
	Quotas() QuotaStore
	ShutdownLog() ShutdownLogStore
	Users() UserStore
}

// SessionStore manages session records. Open/close are atomic per user so an
// inactive event and a scheduler force-close cannot interleave into a corrupt
// state.
type SessionStore interface {
	// OpenSession opens a session for the user, or returns the already-open
	// one. The boolean reports whether a new session was created.
	OpenSession(ctx context.Context, session Session) (*Session, bool, error)

	// SetGame updates the game on the user's open session. Returns
	// ErrNotFound when no session is open.
	SetGame(ctx context.Context, userID, game string) error

	// CloseSession closes the user's open session. Returns the closed
	// session, or ErrNotFound when none is open.
	CloseSession(ctx context.Context, userID string, endedAt time.Time, reason EndReason) (*Session, error)

	GetSession(ctx context.Context, id string) (*Session, error)
	GetOpenSession(ctx context.Context, userID string) (*Session, error)
	ListOpenSessions(ctx context.Context) ([]Session, error)

	// ListOverlapping returns the user's sessions overlapping [from, to),
	// including a still-open session started before to.
	ListOverlapping(ctx context.Context, userID string, from, to time.Time) ([]Session, error)

	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// QuotaStore manages per-user quota configuration.
type QuotaStore interface {
	Get(ctx context.Context, userID string) (*QuotaConfig, error)
	Set(ctx context.Context, cfg QuotaConfig) error
}

// ShutdownLogStore manages the once-per-day enforcement log.
type ShutdownLogStore interface {
	// Reserve records the entry if none exists for (user, date). The boolean
	// reports whether this call created the entry; false means the day was
	// already enforced.
	Reserve(ctx context.Context, entry ShutdownLogEntry) (bool, error)

	// Release removes a reservation whose command dispatch failed, so the
	// next tick can retry.
	Release(ctx context.Context, userID, date string) error

	Get(ctx context.Context, userID, date string) (*ShutdownLogEntry, error)
	DeleteBefore(ctx context.Context, cutoffDate string) (int, error)
}

// UserStore persists discovered users. Append-only from the engine's
// perspective.
type UserStore interface {
	Add(ctx context.Context, userID string) error
	List(ctx context.Context) ([]string, error)
}
