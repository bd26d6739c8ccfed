// Package session turns device-state events into session records. The tracker
// is the only writer of session state; the enforcement scheduler closes
// sessions through it rather than touching the store directly.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/bus"
	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/metrics"
	"github.com/goodtune/playwarden/internal/storage"
)

const (
	storeRetries    = 3
	storeRetryDelay = 200 * time.Millisecond
)

// Invalidator drops cached aggregates for a user over a time range.
// Implemented by the stats aggregator.
type Invalidator interface {
	Invalidate(userID string, from, to time.Time)
}

// Tracker maintains the open-session state machine. It implements bus.Handler.
type Tracker struct {
	sessions    storage.SessionStore
	clock       clock.Clock
	locks       *userLocks
	invalidator Invalidator
	logger      zerolog.Logger

	mu        sync.RWMutex
	lastEvent map[string]time.Time
	onOpen    func(userID string)
}

// NewTracker creates a tracker.
func NewTracker(sessions storage.SessionStore, clk clock.Clock, invalidator Invalidator, logger zerolog.Logger) *Tracker {
	return &Tracker{
		sessions:    sessions,
		clock:       clk,
		locks:       newUserLocks(),
		invalidator: invalidator,
		lastEvent:   make(map[string]time.Time),
		logger:      logger.With().Str("component", "session").Logger(),
	}
}

// SetOnOpen registers a callback invoked after a new session opens. The
// scheduler uses it to evaluate the user's quota immediately instead of
// waiting for the next tick.
func (t *Tracker) SetOnOpen(fn func(userID string)) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

// Restore adopts sessions left open by a previous run. Adopted sessions get a
// fresh activity timestamp; if the device stays silent the reaper closes them
// after the session timeout.
func (t *Tracker) Restore(ctx context.Context) error {
	open, err := t.sessions.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open sessions: %w", err)
	}

	now := t.clock.Now()
	t.mu.Lock()
	for _, session := range open {
		t.lastEvent[session.UserID] = now
	}
	t.mu.Unlock()

	metrics.OpenSessions.Set(float64(len(open)))
	if len(open) > 0 {
		t.logger.Info().Int("sessions", len(open)).Msg("Restored open sessions from previous run")
	}
	return nil
}

// OnDeviceEvent applies one device-state event to session state.
func (t *Tracker) OnDeviceEvent(ctx context.Context, event bus.DeviceEvent) error {
	if event.UserID != "" {
		t.touch(event.UserID)
	}

	switch event.Kind {
	case bus.EventUserActive:
		return t.handleActive(ctx, event)
	case bus.EventGameChanged:
		return t.handleGameChanged(ctx, event)
	case bus.EventUserInactive:
		_, err := t.closeUser(ctx, event.UserID, storage.EndReasonNormal)
		return err
	case bus.EventDeviceStandby:
		return t.handleStandby(ctx, event.DeviceID)
	default:
		t.logger.Warn().Str("kind", string(event.Kind)).Msg("Ignoring unknown event kind")
		return nil
	}
}

// handleActive opens a session unless one is already open. Repeated active
// events for the same user are idempotent.
func (t *Tracker) handleActive(ctx context.Context, event bus.DeviceEvent) error {
	lock := t.locks.get(event.UserID)
	lock.Lock()

	session := storage.Session{
		ID:        newSessionID(),
		UserID:    event.UserID,
		DeviceID:  event.DeviceID,
		Game:      event.Game,
		StartedAt: t.clock.Now(),
	}

	var opened *storage.Session
	var created bool
	err := t.withRetry(ctx, "open_session", func() error {
		var err error
		opened, created, err = t.sessions.OpenSession(ctx, session)
		return err
	})
	// Unlock before the on-open callback: it may force the session closed
	// again, which takes this lock.
	lock.Unlock()

	if err != nil {
		return fmt.Errorf("failed to open session for %s: %w", event.UserID, err)
	}

	if !created {
		return nil
	}

	metrics.SessionsStarted.WithLabelValues(event.UserID).Inc()
	metrics.OpenSessions.Inc()
	t.invalidator.Invalidate(event.UserID, opened.StartedAt, opened.StartedAt)

	t.logger.Info().
		Str("user", event.UserID).
		Str("device", event.DeviceID).
		Str("session", opened.ID).
		Msg("Session opened")

	t.mu.RLock()
	onOpen := t.onOpen
	t.mu.RUnlock()
	if onOpen != nil {
		onOpen(event.UserID)
	}
	return nil
}

// handleGameChanged updates the game on the open session. If no session is
// open the event implies one: telemetry saw the user playing, so a session is
// opened with the game set.
func (t *Tracker) handleGameChanged(ctx context.Context, event bus.DeviceEvent) error {
	lock := t.locks.get(event.UserID)
	lock.Lock()

	err := t.withRetry(ctx, "set_game", func() error {
		return t.sessions.SetGame(ctx, event.UserID, event.Game)
	})
	lock.Unlock()

	if errors.Is(err, storage.ErrNotFound) {
		return t.handleActive(ctx, event)
	}
	if err != nil {
		return fmt.Errorf("failed to set game for %s: %w", event.UserID, err)
	}
	return nil
}

// handleStandby closes every open session on the device.
func (t *Tracker) handleStandby(ctx context.Context, deviceID string) error {
	open, err := t.sessions.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open sessions: %w", err)
	}

	var firstErr error
	for _, session := range open {
		if session.DeviceID != deviceID {
			continue
		}
		t.touch(session.UserID)
		if _, err := t.closeUser(ctx, session.UserID, storage.EndReasonNormal); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForceClose closes the user's open session with the given reason. Returns
// nil, nil when no session is open.
func (t *Tracker) ForceClose(ctx context.Context, userID string, reason storage.EndReason) (*storage.Session, error) {
	return t.closeUser(ctx, userID, reason)
}

// closeUser closes the user's open session, if any.
func (t *Tracker) closeUser(ctx context.Context, userID string, reason storage.EndReason) (*storage.Session, error) {
	lock := t.locks.get(userID)
	lock.Lock()
	defer lock.Unlock()

	var closed *storage.Session
	err := t.withRetry(ctx, "close_session", func() error {
		var err error
		closed, err = t.sessions.CloseSession(ctx, userID, t.clock.Now(), reason)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to close session for %s: %w", userID, err)
	}

	duration := closed.EndedAt.Sub(closed.StartedAt)
	metrics.SessionsClosed.WithLabelValues(userID, string(reason)).Inc()
	metrics.OpenSessions.Dec()
	metrics.UsageMinutesConsumed.WithLabelValues(userID).Add(duration.Minutes())
	t.invalidator.Invalidate(userID, closed.StartedAt, *closed.EndedAt)

	t.logger.Info().
		Str("user", userID).
		Str("session", closed.ID).
		Str("reason", string(reason)).
		Dur("duration", duration).
		Msg("Session closed")
	return closed, nil
}

// LastEvent returns the time of the user's most recent device event.
func (t *Tracker) LastEvent(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastEvent[userID]
	return ts, ok
}

func (t *Tracker) touch(userID string) {
	t.mu.Lock()
	t.lastEvent[userID] = t.clock.Now()
	t.mu.Unlock()
}

// withRetry retries transient storage failures a few times before giving up.
// Session state must survive store hiccups; events are not re-delivered.
func (t *Tracker) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < storeRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, storage.ErrUnavailable) {
			return err
		}
		metrics.StoreErrors.WithLabelValues(op).Inc()
		t.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Storage unavailable, retrying")

		select {
		case <-time.After(storeRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// newSessionID returns a random 128-bit hex identifier.
func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
