// Package stats computes rolling usage totals from session records. Session
// records are the single source of truth; completed-day totals are cached in
// a bounded LRU that the tracker invalidates on session open/close.
package stats

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/storage"
	"github.com/rs/zerolog"
)

// UnknownGame is the breakdown bucket for sessions with no recorded game.
const UnknownGame = "unknown"

// DefaultCacheSize bounds the completed-day total cache.
const DefaultCacheSize = 4096

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// GameMinutes is one entry of a per-game breakdown.
type GameMinutes struct {
	Game    string `json:"game"`
	Minutes int    `json:"minutes"`
}

// Aggregator computes rolling totals over session records.
type Aggregator struct {
	sessions storage.SessionStore
	clock    clock.Clock
	cache    *lru.Cache[string, time.Duration]
	logger   zerolog.Logger
}

// New creates an aggregator.
func New(sessions storage.SessionStore, clk clock.Clock, logger zerolog.Logger) (*Aggregator, error) {
	cache, err := lru.New[string, time.Duration](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate cache: %w", err)
	}

	return &Aggregator{
		sessions: sessions,
		clock:    clk,
		cache:    cache,
		logger:   logger.With().Str("component", "stats").Logger(),
	}, nil
}

// DateKey formats a time as the engine's calendar-date key.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// DayStart returns midnight of t's calendar day in t's location.
func DayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Today returns the window from local midnight to now.
func (a *Aggregator) Today() Window {
	now := a.clock.Now()
	return Window{From: DayStart(now), To: now}
}

// LastDays returns the trailing n-day window ending now.
func (a *Aggregator) LastDays(n int) Window {
	now := a.clock.Now()
	return Window{From: now.AddDate(0, 0, -n), To: now}
}

// Between returns an explicit window.
func (a *Aggregator) Between(from, to time.Time) Window {
	return Window{From: from, To: to}
}

// RollingTotal returns the user's usage in minutes over the window. Sessions
// spanning a window boundary are clipped; still-open sessions count up to
// now.
func (a *Aggregator) RollingTotal(ctx context.Context, userID string, w Window) (int, error) {
	total, err := a.windowDuration(ctx, userID, w)
	if err != nil {
		return 0, err
	}
	return roundMinutes(total), nil
}

// GameBreakdown returns minutes per game over the window, clipped the same
// way as RollingTotal. Sessions with no game are bucketed under UnknownGame.
func (a *Aggregator) GameBreakdown(ctx context.Context, userID string, w Window) (map[string]int, error) {
	sessions, err := a.sessions.ListOverlapping(ctx, userID, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	now := a.clock.Now()
	durations := make(map[string]time.Duration)
	for _, session := range sessions {
		game := session.Game
		if game == "" {
			game = UnknownGame
		}
		durations[game] += clip(session, w.From, w.To, now)
	}

	breakdown := make(map[string]int, len(durations))
	for game, d := range durations {
		breakdown[game] = roundMinutes(d)
	}
	return breakdown, nil
}

// TopGames returns the limit games with the most minutes over the trailing
// days-day window, ties broken by name ascending. The unknown bucket is
// excluded.
func (a *Aggregator) TopGames(ctx context.Context, userID string, days, limit int) ([]GameMinutes, error) {
	breakdown, err := a.GameBreakdown(ctx, userID, a.LastDays(days))
	if err != nil {
		return nil, err
	}

	games := make([]GameMinutes, 0, len(breakdown))
	for game, minutes := range breakdown {
		if game == UnknownGame {
			continue
		}
		games = append(games, GameMinutes{Game: game, Minutes: minutes})
	}

	sort.Slice(games, func(i, j int) bool {
		if games[i].Minutes != games[j].Minutes {
			return games[i].Minutes > games[j].Minutes
		}
		return games[i].Game < games[j].Game
	})

	if limit > 0 && len(games) > limit {
		games = games[:limit]
	}
	return games, nil
}

// Invalidate drops cached day totals for the user across [from, to]. Called
// by the tracker whenever a session opens or closes.
func (a *Aggregator) Invalidate(userID string, from, to time.Time) {
	for day := DayStart(from); !day.After(to); day = day.AddDate(0, 0, 1) {
		a.cache.Remove(cacheKey(userID, day))
	}
}

// windowDuration sums clipped session time over the window, serving fully
// completed days from cache where possible. All uncached segments are covered
// by a single store query.
func (a *Aggregator) windowDuration(ctx context.Context, userID string, w Window) (time.Duration, error) {
	if !w.From.Before(w.To) {
		return 0, nil
	}

	now := a.clock.Now()
	today := DayStart(now)

	var total time.Duration
	var missing []Window

	for _, seg := range splitDays(w) {
		fullDay := seg.From.Equal(DayStart(seg.From)) && seg.To.Equal(seg.From.AddDate(0, 0, 1))
		completed := !seg.To.After(today)

		if fullDay && completed {
			if cached, ok := a.cache.Get(cacheKey(userID, seg.From)); ok {
				total += cached
				continue
			}
		}
		missing = append(missing, seg)
	}

	if len(missing) == 0 {
		return total, nil
	}

	sessions, err := a.sessions.ListOverlapping(ctx, userID, missing[0].From, missing[len(missing)-1].To)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, seg := range missing {
		var segTotal time.Duration
		for _, session := range sessions {
			segTotal += clip(session, seg.From, seg.To, now)
		}
		total += segTotal

		fullDay := seg.From.Equal(DayStart(seg.From)) && seg.To.Equal(seg.From.AddDate(0, 0, 1))
		if fullDay && !seg.To.After(today) {
			a.cache.Add(cacheKey(userID, seg.From), segTotal)
		}
	}

	return total, nil
}

// clip returns the session's overlap with [from, to), with open sessions
// ending at now.
func clip(session storage.Session, from, to, now time.Time) time.Duration {
	end := now
	if session.EndedAt != nil {
		end = *session.EndedAt
	}
	if end.After(to) {
		end = to
	}

	start := session.StartedAt
	if start.Before(from) {
		start = from
	}

	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// splitDays cuts a window into day-aligned segments.
func splitDays(w Window) []Window {
	var segments []Window
	from := w.From
	for from.Before(w.To) {
		next := DayStart(from).AddDate(0, 0, 1)
		if next.After(w.To) {
			next = w.To
		}
		segments = append(segments, Window{From: from, To: next})
		from = next
	}
	return segments
}

func cacheKey(userID string, day time.Time) string {
	return userID + "|" + DateKey(day)
}

func roundMinutes(d time.Duration) int {
	return int(math.Round(d.Minutes()))
}
