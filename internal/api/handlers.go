package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
)

// UserSummary is one entry of the user list.
type UserSummary struct {
	UserID string `json:"user_id"`
	State  string `json:"state"`
}

// UserStatsResponse reports usage over a window plus today's budget.
type UserStatsResponse struct {
	UserID           string `json:"user_id"`
	Window           string `json:"window"`
	TotalMinutes     int    `json:"total_minutes"`
	LimitMinutes     int    `json:"limit_minutes"`
	UsedMinutes      int    `json:"used_minutes"`
	RemainingMinutes int    `json:"remaining_minutes"`
	State            string `json:"state"`
}

// OpenSessionResponse is one currently open session with its elapsed time.
type OpenSessionResponse struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id"`
	Game           string    `json:"game,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedMinutes int       `json:"elapsed_minutes"`
}

// handleListUsers returns all discovered users with their enforcement state.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users := s.registry.List()
	summaries := make([]UserSummary, 0, len(users))
	for _, userID := range users {
		state, err := s.scheduler.State(r.Context(), userID)
		if err != nil {
			s.logger.Error().Err(err).Str("user", userID).Msg("Failed to resolve user state")
			writeError(w, http.StatusInternalServerError, "Failed to list users")
			return
		}
		summaries = append(summaries, UserSummary{UserID: userID, State: string(state)})
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleOpenSessions returns all currently open sessions across devices.
func (s *Server) handleOpenSessions(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.Sessions().ListOpenSessions(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list open sessions")
		writeError(w, http.StatusInternalServerError, "Failed to list open sessions")
		return
	}

	now := s.clk.Now()
	resp := make([]OpenSessionResponse, 0, len(open))
	for _, sess := range open {
		resp = append(resp, OpenSessionResponse{
			SessionID:      sess.ID,
			UserID:         sess.UserID,
			DeviceID:       sess.DeviceID,
			Game:           sess.Game,
			StartedAt:      sess.StartedAt,
			ElapsedMinutes: int(math.Round(now.Sub(sess.StartedAt).Minutes())),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUserStats returns usage totals for a window plus today's budget.
func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.knownUser(w, r)
	if !ok {
		return
	}

	window, name, ok := s.parseWindow(w, r)
	if !ok {
		return
	}

	total, err := s.usage.RollingTotal(r.Context(), userID, window)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to compute usage")
		writeError(w, http.StatusInternalServerError, "Failed to compute usage")
		return
	}

	remaining, _, err := s.policy.Remaining(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to evaluate quota")
		writeError(w, http.StatusInternalServerError, "Failed to evaluate quota")
		return
	}

	state, err := s.scheduler.State(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to resolve user state")
		writeError(w, http.StatusInternalServerError, "Failed to resolve user state")
		return
	}

	writeJSON(w, http.StatusOK, UserStatsResponse{
		UserID:           userID,
		Window:           name,
		TotalMinutes:     total,
		LimitMinutes:     remaining.LimitMinutes,
		UsedMinutes:      remaining.UsedMinutes,
		RemainingMinutes: remaining.Clamped,
		State:            string(state),
	})
}

// handleUserGames returns the per-game minute breakdown for a window.
func (s *Server) handleUserGames(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.knownUser(w, r)
	if !ok {
		return
	}

	window, _, ok := s.parseWindow(w, r)
	if !ok {
		return
	}

	breakdown, err := s.usage.GameBreakdown(r.Context(), userID, window)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to compute game breakdown")
		writeError(w, http.StatusInternalServerError, "Failed to compute game breakdown")
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// handleTopGames returns the most-played games over a trailing day window.
func (s *Server) handleTopGames(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.knownUser(w, r)
	if !ok {
		return
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	limit := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	games, err := s.usage.TopGames(r.Context(), userID, days, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to compute top games")
		writeError(w, http.StatusInternalServerError, "Failed to compute top games")
		return
	}
	writeJSON(w, http.StatusOK, games)
}

// handleGetQuota returns the user's effective quota configuration.
func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.knownUser(w, r)
	if !ok {
		return
	}

	cfg, err := s.policy.Config(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to load quota")
		writeError(w, http.StatusInternalServerError, "Failed to load quota")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutQuota replaces the user's quota configuration.
func (s *Server) handlePutQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.knownUser(w, r)
	if !ok {
		return
	}

	var cfg storage.QuotaConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.UserID = userID

	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.Quotas().Set(r.Context(), cfg); err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to store quota")
		writeError(w, http.StatusInternalServerError, "Failed to store quota")
		return
	}

	s.logger.Info().Str("user", userID).Msg("Quota configuration updated")
	writeJSON(w, http.StatusOK, cfg)
}

// handleUserSessions returns session records overlapping a time range.
// Defaults to the trailing 7 days.
func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.knownUser(w, r)
	if !ok {
		return
	}

	window := s.usage.LastDays(7)
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
		window.From = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
		window.To = to
	}

	sessions, err := s.store.Sessions().ListOverlapping(r.Context(), userID, window.From, window.To)
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to list sessions")
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleHealth reports storage backend health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// knownUser extracts the path user and rejects undiscovered ones.
func (s *Server) knownUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := mux.Vars(r)["user"]
	if err := s.registry.Require(userID); err != nil {
		writeError(w, http.StatusNotFound, "Unknown user")
		return "", false
	}
	return userID, true
}

// parseWindow resolves the window query parameter.
func (s *Server) parseWindow(w http.ResponseWriter, r *http.Request) (stats.Window, string, bool) {
	name := r.URL.Query().Get("window")
	if name == "" {
		name = "today"
	}

	switch name {
	case "today":
		return s.usage.Today(), name, true
	case "last_7_days":
		return s.usage.LastDays(7), name, true
	case "last_30_days":
		return s.usage.LastDays(30), name, true
	default:
		writeError(w, http.StatusBadRequest, "window must be today, last_7_days, or last_30_days")
		return stats.Window{}, "", false
	}
}
