package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/storage/redis"
)

var testDefaults = Defaults{
	LimitMinutes:        120,
	WarningLeadMinutes:  10,
	AutoShutdownEnabled: true,
}

func setupRegistry(t *testing.T) (*Registry, *redis.Store) {
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

	return New(store.Users(), store.Quotas(), testDefaults, zerolog.Nop()), store
}

func TestRegistry_DiscoverCreatesDefaultQuota(t *testing.T) {
	reg, store := setupRegistry(t)
	ctx := context.Background()

	if reg.Known("alice") {
		t.Fatal("Expected alice unknown before discovery")
	}

	if err := reg.Discover(ctx, "alice"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	if !reg.Known("alice") {
		t.Error("Expected alice known after discovery")
	}

	cfg, err := store.Quotas().Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Expected default quota created: %v", err)
	}
	if cfg.DefaultLimitMinutes != testDefaults.LimitMinutes {
		t.Errorf("Expected default limit %d, got %d", testDefaults.LimitMinutes, cfg.DefaultLimitMinutes)
	}

	// Re-discovery must not overwrite an edited quota
	cfg.DefaultLimitMinutes = 45
	if err := store.Quotas().Set(ctx, *cfg); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := reg.Discover(ctx, "alice"); err != nil {
		t.Fatalf("Re-discover failed: %v", err)
	}
	got, err := store.Quotas().Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DefaultLimitMinutes != 45 {
		t.Errorf("Expected edited quota preserved, got %d", got.DefaultLimitMinutes)
	}
}

func TestRegistry_DiscoverEmptyIsNoop(t *testing.T) {
	reg, _ := setupRegistry(t)

	if err := reg.Discover(context.Background(), ""); err != nil {
		t.Fatalf("Discover of empty user failed: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Errorf("Expected no users, got %v", reg.List())
	}
}

func TestRegistry_LoadSurvivesRestart(t *testing.T) {
	reg, store := setupRegistry(t)
	ctx := context.Background()

	for _, user := range []string{"bob", "alice"} {
		if err := reg.Discover(ctx, user); err != nil {
			t.Fatalf("Discover %s failed: %v", user, err)
		}
	}

	// A new registry over the same store sees the persisted users
	fresh := New(store.Users(), store.Quotas(), testDefaults, zerolog.Nop())
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	users := fresh.List()
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("Expected sorted [alice bob], got %v", users)
	}
}
