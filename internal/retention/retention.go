// Package retention prunes closed sessions and shutdown log entries past the
// configured retention horizon.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
)

// Scheduler runs cleanup once a day at the configured time.
type Scheduler struct {
	store       storage.Store
	clock       clock.Clock
	days        int
	cleanupTime time.Time // Only hour and minute are used
	logger      zerolog.Logger
	stopChan    chan struct{}
}

// NewScheduler creates a retention scheduler. cleanupTime is HH:MM.
func NewScheduler(store storage.Store, clk clock.Clock, days int, cleanupTime string, logger zerolog.Logger) (*Scheduler, error) {
	parsed, err := time.Parse("15:04", cleanupTime)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		store:       store,
		clock:       clk,
		days:        days,
		cleanupTime: parsed,
		logger:      logger.With().Str("component", "retention").Logger(),
		stopChan:    make(chan struct{}),
	}, nil
}

// Start begins the cleanup scheduler.
func (s *Scheduler) Start() {
	go s.run()
	s.logger.Info().
		Str("cleanup_time", s.cleanupTime.Format("15:04")).
		Int("retention_days", s.days).
		Msg("Retention scheduler started")
}

// Stop stops the cleanup scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.logger.Info().Msg("Retention scheduler stopped")
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	for {
		next := s.nextCleanup()
		wait := next.Sub(s.clock.Now())

		s.logger.Info().
			Time("next_cleanup", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next cleanup")

		select {
		case <-time.After(wait):
			s.Cleanup(context.Background())
		case <-s.stopChan:
			return
		}
	}
}

// nextCleanup calculates the next cleanup time.
func (s *Scheduler) nextCleanup() time.Time {
	now := s.clock.Now()

	today := time.Date(
		now.Year(), now.Month(), now.Day(),
		s.cleanupTime.Hour(), s.cleanupTime.Minute(), 0, 0,
		now.Location(),
	)

	if now.After(today) {
		return today.AddDate(0, 0, 1)
	}
	return today
}

// Cleanup deletes closed sessions and shutdown log entries older than the
// retention horizon. Open sessions are never touched.
func (s *Scheduler) Cleanup(ctx context.Context) {
	cutoff := s.clock.Now().AddDate(0, 0, -s.days)

	sessions, err := s.store.Sessions().DeleteClosedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to prune sessions")
	}

	entries, err := s.store.ShutdownLog().DeleteBefore(ctx, stats.DateKey(cutoff))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to prune shutdown log")
	}

	s.logger.Info().
		Time("cutoff", cutoff).
		Int("sessions_deleted", sessions).
		Int("log_entries_deleted", entries).
		Msg("Retention cleanup completed")
}
