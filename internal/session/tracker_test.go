package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/bus"
	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/storage"
	"github.com/goodtune/playwarden/internal/storage/redis"
)

// recordingInvalidator captures invalidation calls.
type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(userID string, from, to time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userID)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func setupTracker(t *testing.T, now time.Time) (*Tracker, storage.SessionStore, *clock.Fake, *recordingInvalidator) {
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
	inv := &recordingInvalidator{}
	tracker := NewTracker(store.Sessions(), clk, inv, zerolog.Nop())
	return tracker, store.Sessions(), clk, inv
}

func TestTracker_ActiveIsIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	tracker, sessions, clk, _ := setupTracker(t, now)
	ctx := context.Background()

	active := bus.DeviceEvent{Kind: bus.EventUserActive, UserID: "alice", DeviceID: "console-1"}
	if err := tracker.OnDeviceEvent(ctx, active); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}

	first, err := sessions.GetOpenSession(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}

	// Telemetry repeats the active state every few seconds
	clk.Advance(30 * time.Second)
	if err := tracker.OnDeviceEvent(ctx, active); err != nil {
		t.Fatalf("Repeated OnDeviceEvent failed: %v", err)
	}

	second, err := sessions.GetOpenSession(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected same session %s, got %s", first.ID, second.ID)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Errorf("Expected StartedAt unchanged, got %v", second.StartedAt)
	}
}

func TestTracker_GameChangedOpensSessionWhenMissing(t *testing.T) {
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	tracker, sessions, _, _ := setupTracker(t, now)
	ctx := context.Background()

	// A game change with no open session implies the user is playing
	event := bus.DeviceEvent{Kind: bus.EventGameChanged, UserID: "alice", DeviceID: "console-1", Game: "Astro Bot"}
	if err := tracker.OnDeviceEvent(ctx, event); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}

	open, err := sessions.GetOpenSession(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	if open.Game != "Astro Bot" {
		t.Errorf("Expected game Astro Bot, got %s", open.Game)
	}

	// A later change updates the same session in place
	event.Game = "Gran Turismo 7"
	if err := tracker.OnDeviceEvent(ctx, event); err != nil {
		t.Fatalf("Second OnDeviceEvent failed: %v", err)
	}

	updated, err := sessions.GetOpenSession(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOpenSession failed: %v", err)
	}
	if updated.ID != open.ID {
		t.Errorf("Expected same session, got %s and %s", open.ID, updated.ID)
	}
	if updated.Game != "Gran Turismo 7" {
		t.Errorf("Expected game Gran Turismo 7, got %s", updated.Game)
	}
}

func TestTracker_InactiveClosesNormally(t *testing.T) {
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	tracker, sessions, clk, inv := setupTracker(t, now)
	ctx := context.Background()

	if err := tracker.OnDeviceEvent(ctx, bus.DeviceEvent{Kind: bus.EventUserActive, UserID: "alice", DeviceID: "console-1"}); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}
	clk.Advance(30 * time.Minute)

	if err := tracker.OnDeviceEvent(ctx, bus.DeviceEvent{Kind: bus.EventUserInactive, UserID: "alice"}); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}

	if _, err := sessions.GetOpenSession(ctx, "alice"); err != storage.ErrNotFound {
		t.Fatalf("Expected no open session, got %v", err)
	}

	history, err := sessions.ListOverlapping(ctx, "alice", now, clk.Now())
	if err != nil {
		t.Fatalf("ListOverlapping failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 session, got %d", len(history))
	}
	if history[0].EndReason != storage.EndReasonNormal {
		t.Errorf("Expected NORMAL close, got %s", history[0].EndReason)
	}

	// Open plus close both invalidated the aggregate cache
	if inv.count() != 2 {
		t.Errorf("Expected 2 invalidations, got %d", inv.count())
	}

	// Inactive with nothing open is a no-op
	if err := tracker.OnDeviceEvent(ctx, bus.DeviceEvent{Kind: bus.EventUserInactive, UserID: "alice"}); err != nil {
		t.Fatalf("Expected no-op close, got %v", err)
	}
}

func TestTracker_StandbyClosesAllOnDevice(t *testing.T) {
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	tracker, sessions, clk, _ := setupTracker(t, now)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob"} {
		if err := tracker.OnDeviceEvent(ctx, bus.DeviceEvent{Kind: bus.EventUserActive, UserID: user, DeviceID: "console-1"}); err != nil {
			t.Fatalf("OnDeviceEvent failed: %v", err)
		}
	}
	if err := tracker.OnDeviceEvent(ctx, bus.DeviceEvent{Kind: bus.EventUserActive, UserID: "carol", DeviceID: "console-2"}); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}

	clk.Advance(10 * time.Minute)
	if err := tracker.OnDeviceEvent(ctx, bus.DeviceEvent{Kind: bus.EventDeviceStandby, DeviceID: "console-1"}); err != nil {
		t.Fatalf("Standby event failed: %v", err)
	}

	open, err := sessions.ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("ListOpenSessions failed: %v", err)
	}
	if len(open) != 1 || open[0].UserID != "carol" {
		t.Errorf("Expected only carol's session open, got %+v", open)
	}
}

func TestTracker_ForceClose(t *testing.T) {
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	tracker, _, clk, _ := setupTracker(t, now)
	ctx := context.Background()

	if err := tracker.OnDeviceEvent(ctx, bus.DeviceEvent{Kind: bus.EventUserActive, UserID: "alice", DeviceID: "console-1"}); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}
	clk.Advance(time.Hour)

	closed, err := tracker.ForceClose(ctx, "alice", storage.EndReasonShutdown)
	if err != nil {
		t.Fatalf("ForceClose failed: %v", err)
	}
	if closed == nil || closed.EndReason != storage.EndReasonShutdown {
		t.Fatalf("Expected SHUTDOWN close, got %+v", closed)
	}

	// Force-closing with nothing open returns nil, nil
	closed, err = tracker.ForceClose(ctx, "alice", storage.EndReasonForced)
	if err != nil {
		t.Fatalf("ForceClose on idle user failed: %v", err)
	}
	if closed != nil {
		t.Errorf("Expected nil session, got %+v", closed)
	}
}

func TestTracker_OnOpenCallbackAndLastEvent(t *testing.T) {
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	tracker, _, clk, _ := setupTracker(t, now)
	ctx := context.Background()

	var mu sync.Mutex
	var opened []string
	tracker.SetOnOpen(func(userID string) {
		mu.Lock()
		opened = append(opened, userID)
		mu.Unlock()
	})

	active := bus.DeviceEvent{Kind: bus.EventUserActive, UserID: "alice", DeviceID: "console-1"}
	if err := tracker.OnDeviceEvent(ctx, active); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}
	// Idempotent re-open must not fire the callback again
	if err := tracker.OnDeviceEvent(ctx, active); err != nil {
		t.Fatalf("OnDeviceEvent failed: %v", err)
	}

	mu.Lock()
	if len(opened) != 1 || opened[0] != "alice" {
		t.Errorf("Expected one on-open callback for alice, got %v", opened)
	}
	mu.Unlock()

	last, ok := tracker.LastEvent("alice")
	if !ok {
		t.Fatal("Expected a last-event timestamp for alice")
	}
	if !last.Equal(clk.Now()) {
		t.Errorf("Expected last event at %v, got %v", clk.Now(), last)
	}
}

func TestTracker_Restore(t *testing.T) {
	now := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)
	tracker, sessions, _, _ := setupTracker(t, now)
	ctx := context.Background()

	session := storage.Session{
		ID:        "stale",
		UserID:    "alice",
		DeviceID:  "console-1",
		StartedAt: now.Add(-2 * time.Hour),
	}
	if _, _, err := sessions.OpenSession(ctx, session); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	if err := tracker.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	// The adopted session gets a fresh activity stamp so the reaper does not
	// close it immediately
	last, ok := tracker.LastEvent("alice")
	if !ok {
		t.Fatal("Expected last-event timestamp after restore")
	}
	if !last.Equal(now) {
		t.Errorf("Expected last event at %v, got %v", now, last)
	}
}
