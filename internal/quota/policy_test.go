package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
	"github.com/goodtune/playwarden/internal/storage/redis"
)

var testDefaults = Defaults{
	LimitMinutes:        120,
	WarningLeadMinutes:  10,
	AutoShutdownEnabled: true,
}

func setupPolicy(t *testing.T, now time.Time) (*Policy, *redis.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewFake(now)
	usage, err := stats.New(store.Sessions(), clk, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create aggregator: %v", err)
	}

	return New(store.Quotas(), usage, testDefaults, zerolog.Nop()), store
}

func TestEffectiveLimit(t *testing.T) {
	saturday := 180
	zero := 0
	cfg := &storage.QuotaConfig{
		UserID:              "alice",
		DefaultLimitMinutes: 60,
	}
	cfg.WeekdayLimits[time.Saturday] = &saturday
	cfg.WeekdayLimits[time.Monday] = &zero

	// 2026-03-14 is a Saturday, 2026-03-09 a Monday, 2026-03-10 a Tuesday
	if got := EffectiveLimit(cfg, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)); got != 180 {
		t.Errorf("Expected Saturday override 180, got %d", got)
	}
	if got := EffectiveLimit(cfg, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)); got != 0 {
		t.Errorf("Expected Monday zero-allowance, got %d", got)
	}
	if got := EffectiveLimit(cfg, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)); got != 60 {
		t.Errorf("Expected weekday default 60, got %d", got)
	}
}

func TestPolicy_ConfigFallsBackToDefaults(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	policy, _ := setupPolicy(t, now)

	cfg, err := policy.Config(context.Background(), "newcomer")
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if cfg.DefaultLimitMinutes != testDefaults.LimitMinutes {
		t.Errorf("Expected default limit %d, got %d", testDefaults.LimitMinutes, cfg.DefaultLimitMinutes)
	}
	if !cfg.AutoShutdownEnabled {
		t.Error("Expected auto shutdown enabled by default")
	}
}

func TestPolicy_Remaining(t *testing.T) {
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	policy, store := setupPolicy(t, now)
	ctx := context.Background()

	cfg := storage.QuotaConfig{
		UserID:              "alice",
		DefaultLimitMinutes: 60,
		WarningLeadMinutes:  10,
		AutoShutdownEnabled: true,
	}
	if err := store.Quotas().Set(ctx, cfg); err != nil {
		t.Fatalf("Set quota failed: %v", err)
	}

	// 75 minutes of play earlier today
	session := storage.Session{
		ID:        "s1",
		UserID:    "alice",
		DeviceID:  "console-1",
		StartedAt: now.Add(-3 * time.Hour),
	}
	if _, _, err := store.Sessions().OpenSession(ctx, session); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if _, err := store.Sessions().CloseSession(ctx, "alice", now.Add(-105*time.Minute), storage.EndReasonNormal); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	remaining, _, err := policy.Remaining(ctx, "alice")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining.LimitMinutes != 60 {
		t.Errorf("Expected limit 60, got %d", remaining.LimitMinutes)
	}
	if remaining.UsedMinutes != 75 {
		t.Errorf("Expected 75 used, got %d", remaining.UsedMinutes)
	}
	if remaining.Minutes != -15 {
		t.Errorf("Expected -15 remaining, got %d", remaining.Minutes)
	}
	if remaining.Clamped != 0 {
		t.Errorf("Expected clamped 0, got %d", remaining.Clamped)
	}
}

func TestPolicy_RemainingZeroLimitDay(t *testing.T) {
	// 2026-03-09 is a Monday
	now := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)
	policy, store := setupPolicy(t, now)
	ctx := context.Background()

	zero := 0
	cfg := storage.QuotaConfig{
		UserID:              "alice",
		DefaultLimitMinutes: 120,
		WarningLeadMinutes:  10,
		AutoShutdownEnabled: true,
	}
	cfg.WeekdayLimits[time.Monday] = &zero
	if err := store.Quotas().Set(ctx, cfg); err != nil {
		t.Fatalf("Set quota failed: %v", err)
	}

	remaining, _, err := policy.Remaining(ctx, "alice")
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining.LimitMinutes != 0 {
		t.Errorf("Expected zero limit, got %d", remaining.LimitMinutes)
	}
	if remaining.Minutes > 0 {
		t.Errorf("Expected no budget on a zero-allowance day, got %d", remaining.Minutes)
	}
}
