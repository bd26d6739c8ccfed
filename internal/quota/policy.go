// Package quota resolves effective daily limits and remaining budgets.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
)

// Defaults is the quota applied to users with no stored configuration.
type Defaults struct {
	LimitMinutes        int
	WarningLeadMinutes  int
	AutoShutdownEnabled bool
}

// Remaining is the result of a budget evaluation for one user on one day.
type Remaining struct {
	LimitMinutes int `json:"limit_minutes"`
	UsedMinutes  int `json:"used_minutes"`
	// Minutes is limit minus used and goes negative once the quota is
	// exceeded. Clamped floors it at zero for display.
	Minutes int `json:"remaining_minutes"`
	Clamped int `json:"remaining_minutes_clamped"`
}

// Policy evaluates quotas against recorded usage.
type Policy struct {
	quotas   storage.QuotaStore
	usage    *stats.Aggregator
	defaults Defaults
	logger   zerolog.Logger
}

// New creates a policy.
func New(quotas storage.QuotaStore, usage *stats.Aggregator, defaults Defaults, logger zerolog.Logger) *Policy {
	return &Policy{
		quotas:   quotas,
		usage:    usage,
		defaults: defaults,
		logger:   logger.With().Str("component", "quota").Logger(),
	}
}

// Config returns the user's quota configuration, falling back to defaults
// when none is stored.
func (p *Policy) Config(ctx context.Context, userID string) (*storage.QuotaConfig, error) {
	cfg, err := p.quotas.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.QuotaConfig{
			UserID:              userID,
			DefaultLimitMinutes: p.defaults.LimitMinutes,
			WarningLeadMinutes:  p.defaults.WarningLeadMinutes,
			AutoShutdownEnabled: p.defaults.AutoShutdownEnabled,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota for %s: %w", userID, err)
	}
	return cfg, nil
}

// EffectiveLimit returns the limit in minutes for the given date: the
// weekday override when set, the config default otherwise. Zero means no
// usage allowed that day.
func EffectiveLimit(cfg *storage.QuotaConfig, date time.Time) int {
	if override := cfg.WeekdayLimits[date.Weekday()]; override != nil {
		return *override
	}
	return cfg.DefaultLimitMinutes
}

// Remaining evaluates today's budget for the user. The returned config is the
// one the evaluation used.
func (p *Policy) Remaining(ctx context.Context, userID string) (Remaining, *storage.QuotaConfig, error) {
	cfg, err := p.Config(ctx, userID)
	if err != nil {
		return Remaining{}, nil, err
	}

	today := p.usage.Today()
	used, err := p.usage.RollingTotal(ctx, userID, today)
	if err != nil {
		return Remaining{}, nil, fmt.Errorf("failed to compute usage for %s: %w", userID, err)
	}

	limit := EffectiveLimit(cfg, today.From)
	remaining := Remaining{
		LimitMinutes: limit,
		UsedMinutes:  used,
		Minutes:      limit - used,
	}
	if remaining.Minutes > 0 {
		remaining.Clamped = remaining.Minutes
	}
	return remaining, cfg, nil
}
