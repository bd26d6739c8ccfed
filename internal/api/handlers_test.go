package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/enforce"
	"github.com/goodtune/playwarden/internal/quota"
	"github.com/goodtune/playwarden/internal/registry"
	"github.com/goodtune/playwarden/internal/session"
	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
	"github.com/goodtune/playwarden/internal/storage/redis"
)

type nopPublisher struct{}

func (nopPublisher) SendShutdown(ctx context.Context, deviceID string) error { return nil }
func (nopPublisher) SendWarning(ctx context.Context, deviceID, userID string, remainingMinutes int) error {
	return nil
}
func (nopPublisher) ClearWarning(ctx context.Context, userID string) error { return nil }

type testEnv struct {
	server *Server
	store  *redis.Store
	clk    *clock.Fake
}

func setupAPI(t *testing.T) *testEnv {
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

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	logger := zerolog.Nop()

	usage, err := stats.New(store.Sessions(), clk, logger)
	if err != nil {
		t.Fatalf("Failed to create aggregator: %v", err)
	}

	defaults := registry.Defaults{LimitMinutes: 120, WarningLeadMinutes: 10, AutoShutdownEnabled: true}
	reg := registry.New(store.Users(), store.Quotas(), defaults, logger)

	tracker := session.NewTracker(store.Sessions(), clk, usage, logger)
	policy := quota.New(store.Quotas(), usage, quota.Defaults{LimitMinutes: 120, WarningLeadMinutes: 10, AutoShutdownEnabled: true}, logger)
	scheduler := enforce.New(policy, tracker, store.Sessions(), store.ShutdownLog(), reg, nopPublisher{}, clk, enforce.Options{
		TickInterval:    time.Minute,
		DispatchTimeout: time.Second,
		DispatchRetries: 1,
	}, logger)

	server := NewServer("127.0.0.1:0", store, reg, policy, usage, scheduler, clk, logger)

	ctx := context.Background()
	if err := reg.Discover(ctx, "alice"); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	return &testEnv{server: server, store: store, clk: clk}
}

func (e *testEnv) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAPI_ListUsers(t *testing.T) {
	env := setupAPI(t)

	rec := env.request(t, http.MethodGet, "/api/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var users []UserSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &users); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(users) != 1 || users[0].UserID != "alice" {
		t.Errorf("Expected [alice], got %+v", users)
	}
	if users[0].State != string(enforce.StateInactive) {
		t.Errorf("Expected inactive state, got %s", users[0].State)
	}
}

func TestAPI_UserStats(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()

	// An hour of play earlier today
	now := env.clk.Now()
	sess := storage.Session{ID: "s1", UserID: "alice", DeviceID: "console-1", StartedAt: now.Add(-2 * time.Hour)}
	if _, _, err := env.store.Sessions().OpenSession(ctx, sess); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if _, err := env.store.Sessions().CloseSession(ctx, "alice", now.Add(-time.Hour), storage.EndReasonNormal); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	rec := env.request(t, http.MethodGet, "/api/users/alice/stats?window=today", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp UserStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.TotalMinutes != 60 {
		t.Errorf("Expected 60 minutes, got %d", resp.TotalMinutes)
	}
	if resp.RemainingMinutes != 60 {
		t.Errorf("Expected 60 remaining of the 120 default, got %d", resp.RemainingMinutes)
	}

	// Unknown windows are rejected
	rec = env.request(t, http.MethodGet, "/api/users/alice/stats?window=fortnight", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown window, got %d", rec.Code)
	}
}

func TestAPI_UnknownUser(t *testing.T) {
	env := setupAPI(t)

	for _, path := range []string{
		"/api/users/ghost/stats",
		"/api/users/ghost/quota",
		"/api/users/ghost/sessions",
	} {
		rec := env.request(t, http.MethodGet, path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestAPI_QuotaRoundTrip(t *testing.T) {
	env := setupAPI(t)

	rec := env.request(t, http.MethodGet, "/api/users/alice/quota", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := `{"default_limit_minutes": 45, "warning_lead_minutes": 5, "auto_shutdown_enabled": true}`
	rec = env.request(t, http.MethodPut, "/api/users/alice/quota", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.request(t, http.MethodGet, "/api/users/alice/quota", "")
	var cfg storage.QuotaConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if cfg.DefaultLimitMinutes != 45 {
		t.Errorf("Expected limit 45, got %d", cfg.DefaultLimitMinutes)
	}

	// Invalid updates are rejected with 400
	rec = env.request(t, http.MethodPut, "/api/users/alice/quota", `{"default_limit_minutes": -10}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative limit, got %d", rec.Code)
	}
	rec = env.request(t, http.MethodPut, "/api/users/alice/quota", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestAPI_Sessions(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()

	now := env.clk.Now()
	sess := storage.Session{ID: "s1", UserID: "alice", DeviceID: "console-1", Game: "Astro Bot", StartedAt: now.Add(-time.Hour)}
	if _, _, err := env.store.Sessions().OpenSession(ctx, sess); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	rec := env.request(t, http.MethodGet, "/api/users/alice/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var sessions []storage.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Game != "Astro Bot" {
		t.Errorf("Expected the open session, got %+v", sessions)
	}

	rec = env.request(t, http.MethodGet, "/api/users/alice/sessions?from=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad timestamp, got %d", rec.Code)
	}
}

func TestAPI_OpenSessions(t *testing.T) {
	env := setupAPI(t)
	ctx := context.Background()

	rec := env.request(t, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var open []OpenSessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &open); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("Expected no open sessions, got %+v", open)
	}

	now := env.clk.Now()
	sess := storage.Session{ID: "s1", UserID: "alice", DeviceID: "console-1", Game: "Gran Turismo 7", StartedAt: now.Add(-42 * time.Minute)}
	if _, _, err := env.store.Sessions().OpenSession(ctx, sess); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	rec = env.request(t, http.MethodGet, "/api/sessions", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &open); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("Expected one open session, got %+v", open)
	}
	if open[0].ElapsedMinutes != 42 {
		t.Errorf("Expected 42 elapsed minutes, got %d", open[0].ElapsedMinutes)
	}
	if open[0].Game != "Gran Turismo 7" {
		t.Errorf("Expected game on open session, got %q", open[0].Game)
	}
}

func TestAPI_Health(t *testing.T) {
	env := setupAPI(t)

	rec := env.request(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}
