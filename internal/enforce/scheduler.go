// Package enforce runs the warn-then-shutdown loop. Every tick it reaps
// stale sessions, evaluates each discovered user's remaining budget, and
// walks the per-day state machine: monitoring, warned, enforced.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/bus"
	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/metrics"
	"github.com/goodtune/playwarden/internal/quota"
	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
)

// UserState is the enforcement state reported for a user.
type UserState string

const (
	StateInactive   UserState = "inactive"
	StateMonitoring UserState = "monitoring"
	StateWarned     UserState = "warned"
	StateEnforced   UserState = "enforced"
)

// Shutdown log reasons.
const (
	ReasonQuotaExhausted = "quota_exhausted"
	ReasonZeroLimit      = "zero_limit"
)

// Sessions is the tracker surface the scheduler drives.
type Sessions interface {
	ForceClose(ctx context.Context, userID string, reason storage.EndReason) (*storage.Session, error)
	LastEvent(userID string) (time.Time, bool)
}

// Users lists the discovered user population.
type Users interface {
	List() []string
}

// Options tune the enforcement loop.
type Options struct {
	TickInterval    time.Duration
	SessionTimeout  time.Duration
	DispatchTimeout time.Duration
	DispatchRetries int
}

// dayState is the in-memory per-user state for one calendar date. warned
// latches for the whole date so the warning fires at most once even if the
// budget is raised and exhausted again; sensorOn tracks the retained MQTT
// sensor separately. The shutdown log is the durable once-per-day guard.
type dayState struct {
	date     string
	warned   bool
	sensorOn bool
	enforced bool
}

// Scheduler evaluates quotas and enforces shutdowns.
type Scheduler struct {
	policy      *quota.Policy
	sessions    Sessions
	store       storage.SessionStore
	shutdownLog storage.ShutdownLogStore
	users       Users
	publisher   bus.Publisher
	clock       clock.Clock
	opts        Options
	logger      zerolog.Logger

	// evalMu serializes evaluations: the tick loop and the on-open fast
	// path must not interleave on the same user's day state.
	evalMu sync.Mutex

	mu    sync.Mutex
	state map[string]*dayState
	done  chan struct{}
}

// New creates a scheduler.
func New(policy *quota.Policy, sessions Sessions, store storage.SessionStore, shutdownLog storage.ShutdownLogStore, users Users, publisher bus.Publisher, clk clock.Clock, opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		policy:      policy,
		sessions:    sessions,
		store:       store,
		shutdownLog: shutdownLog,
		users:       users,
		publisher:   publisher,
		clock:       clk,
		opts:        opts,
		state:       make(map[string]*dayState),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "enforce").Logger(),
	}
}

// Run ticks until the context is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.opts.TickInterval).Msg("Enforcement loop started")
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the Run loop.
func (s *Scheduler) Stop() {
	close(s.done)
}

// Tick runs one evaluation pass over all discovered users.
func (s *Scheduler) Tick(ctx context.Context) {
	open, err := s.openByUser(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list open sessions, skipping tick")
		return
	}

	s.reapStale(ctx, open)

	for _, userID := range s.users.List() {
		s.evaluate(ctx, userID, open[userID])
	}
}

// EvaluateUser evaluates one user immediately. The tracker calls this when a
// session opens so a zero-allowance day is enforced without waiting a tick.
func (s *Scheduler) EvaluateUser(ctx context.Context, userID string) {
	open, err := s.store.GetOpenSession(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to load open session")
		return
	}
	s.evaluate(ctx, userID, open)
}

// State reports the user's current enforcement state. Enforced is terminal
// for the date; otherwise a closed session means inactive regardless of the
// warning latch.
func (s *Scheduler) State(ctx context.Context, userID string) (UserState, error) {
	_, err := s.store.GetOpenSession(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("failed to load open session: %w", err)
	}
	hasOpen := err == nil

	date := stats.DateKey(s.clock.Now())
	var warned, enforced bool
	s.mu.Lock()
	if st, ok := s.state[userID]; ok && st.date == date {
		warned, enforced = st.warned, st.enforced
	}
	s.mu.Unlock()

	switch {
	case enforced:
		return StateEnforced, nil
	case !hasOpen:
		return StateInactive, nil
	case warned:
		return StateWarned, nil
	default:
		return StateMonitoring, nil
	}
}

// openByUser indexes open sessions by user.
func (s *Scheduler) openByUser(ctx context.Context) (map[string]*storage.Session, error) {
	sessions, err := s.store.ListOpenSessions(ctx)
	if err != nil {
		return nil, err
	}

	open := make(map[string]*storage.Session, len(sessions))
	for i := range sessions {
		open[sessions[i].UserID] = &sessions[i]
	}
	return open, nil
}

// reapStale force-closes sessions whose device has gone silent. Protects
// totals when a device vanishes without a standby message.
func (s *Scheduler) reapStale(ctx context.Context, open map[string]*storage.Session) {
	if s.opts.SessionTimeout <= 0 {
		return
	}

	now := s.clock.Now()
	for userID, session := range open {
		last, ok := s.sessions.LastEvent(userID)
		if !ok {
			last = session.StartedAt
		}
		if now.Sub(last) <= s.opts.SessionTimeout {
			continue
		}

		s.logger.Warn().
			Str("user", userID).
			Str("session", session.ID).
			Time("last_event", last).
			Msg("Reaping stale session")
		if _, err := s.sessions.ForceClose(ctx, userID, storage.EndReasonForced); err != nil {
			s.logger.Error().Err(err).Str("user", userID).Msg("Failed to reap stale session")
			continue
		}
		delete(open, userID)
	}
}

// evaluate walks the state machine for one user.
func (s *Scheduler) evaluate(ctx context.Context, userID string, open *storage.Session) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	now := s.clock.Now()
	st := s.dayStateFor(ctx, userID, stats.DateKey(now))

	remaining, cfg, err := s.policy.Remaining(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to evaluate quota")
		return
	}

	if remaining.Minutes <= 0 {
		s.exhausted(ctx, userID, open, remaining, cfg, st, now)
		return
	}

	if open != nil && remaining.Minutes <= cfg.WarningLeadMinutes {
		s.warn(ctx, userID, open, remaining, st)
		return
	}

	// Budget is comfortable again, e.g. the limit was raised mid-day. The
	// sensor drops but the warned latch holds: at most one warning per date.
	if st.sensorOn {
		st.sensorOn = false
		if err := s.publisher.ClearWarning(ctx, userID); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to clear warning state")
		}
	}
}

// exhausted handles a user at or past the limit.
func (s *Scheduler) exhausted(ctx context.Context, userID string, open *storage.Session, remaining quota.Remaining, cfg *storage.QuotaConfig, st *dayState, now time.Time) {
	if !cfg.AutoShutdownEnabled {
		// Warn-only mode: the state machine caps at warned.
		if open != nil {
			s.warn(ctx, userID, open, remaining, st)
		}
		return
	}

	if open == nil {
		return
	}

	reason := ReasonQuotaExhausted
	if remaining.LimitMinutes == 0 {
		reason = ReasonZeroLimit
	}

	entry := storage.ShutdownLogEntry{
		UserID:      userID,
		Date:        st.date,
		TriggeredAt: now,
		Reason:      reason,
	}
	created, err := s.shutdownLog.Reserve(ctx, entry)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reserve_shutdown").Inc()
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to reserve shutdown log entry")
		return
	}

	if err := s.dispatchShutdown(ctx, open.DeviceID); err != nil {
		metrics.DispatchFailures.WithLabelValues("shutdown").Inc()
		s.logger.Error().
			Err(err).
			Str("user", userID).
			Str("device", open.DeviceID).
			Msg("Shutdown dispatch failed, will retry next tick")
		if created {
			if relErr := s.shutdownLog.Release(ctx, userID, st.date); relErr != nil {
				s.logger.Error().Err(relErr).Str("user", userID).Msg("Failed to release shutdown reservation")
			}
		}
		return
	}

	if _, err := s.sessions.ForceClose(ctx, userID, storage.EndReasonShutdown); err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to close session after shutdown")
	}
	if err := s.publisher.ClearWarning(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to clear warning state")
	}

	st.enforced = true
	st.sensorOn = false
	metrics.ShutdownsEnforced.WithLabelValues(userID, reason).Inc()
	s.logger.Info().
		Str("user", userID).
		Str("device", open.DeviceID).
		Str("reason", reason).
		Int("used_minutes", remaining.UsedMinutes).
		Int("limit_minutes", remaining.LimitMinutes).
		Msg("Shutdown enforced")
}

// warn raises the warning state once per day.
func (s *Scheduler) warn(ctx context.Context, userID string, open *storage.Session, remaining quota.Remaining, st *dayState) {
	if st.warned || st.enforced {
		return
	}

	if err := s.publisher.SendWarning(ctx, open.DeviceID, userID, remaining.Clamped); err != nil {
		metrics.DispatchFailures.WithLabelValues("warning").Inc()
		s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to send warning, will retry next tick")
		return
	}

	st.warned = true
	st.sensorOn = true
	metrics.WarningsSent.WithLabelValues(userID).Inc()
	s.logger.Info().
		Str("user", userID).
		Int("remaining_minutes", remaining.Clamped).
		Msg("Quota warning sent")
}

// dayStateFor returns the user's state for the date, resetting it at day
// rollover.
func (s *Scheduler) dayStateFor(ctx context.Context, userID, date string) *dayState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[userID]
	if !ok {
		st = &dayState{date: date}
		s.state[userID] = st
		return st
	}

	if st.date != date {
		if st.sensorOn {
			if err := s.publisher.ClearWarning(ctx, userID); err != nil {
				s.logger.Warn().Err(err).Str("user", userID).Msg("Failed to clear warning state at rollover")
			}
		}
		*st = dayState{date: date}
	}
	return st
}

// dispatchShutdown sends the standby command with bounded attempts.
func (s *Scheduler) dispatchShutdown(ctx context.Context, deviceID string) error {
	var err error
	for attempt := 0; attempt < s.opts.DispatchRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
		err = s.publisher.SendShutdown(attemptCtx, deviceID)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("shutdown dispatch failed after %d attempts: %w", s.opts.DispatchRetries, err)
}
