package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EndReason records why a session was closed.
type EndReason string

const (
	EndReasonNormal   EndReason = "NORMAL"
	EndReasonForced   EndReason = "FORCED"
	EndReasonShutdown EndReason = "SHUTDOWN"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the reason to uppercase.
func (r *EndReason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := EndReason(strings.ToUpper(s))

	switch normalized {
	case EndReasonNormal, EndReasonForced, EndReasonShutdown:
		*r = normalized
		return nil
	default:
		return fmt.Errorf("invalid end reason: %s (must be NORMAL, FORCED, or SHUTDOWN)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (r EndReason) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// Session represents a contiguous interval of device use by one user.
// EndedAt is nil while the session is open; at most one open session exists
// per user.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	DeviceID  string     `json:"device_id"`
	Game      string     `json:"game,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason EndReason  `json:"end_reason,omitempty"`
}

// Open reports whether the session is still running.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}

// QuotaConfig holds the per-user daily usage quota.
// WeekdayLimits is indexed by time.Weekday (Sunday = 0); a nil entry falls
// back to DefaultLimitMinutes. A limit of 0 means no usage allowed that day.
type QuotaConfig struct {
	UserID              string  `json:"user_id"`
	WeekdayLimits       [7]*int `json:"weekday_limits"`
	DefaultLimitMinutes int     `json:"default_limit_minutes"`
	WarningLeadMinutes  int     `json:"warning_lead_minutes"`
	AutoShutdownEnabled bool    `json:"auto_shutdown_enabled"`
}

// Validate checks quota invariants before a write is accepted.
func (c *QuotaConfig) Validate() error {
	if c.DefaultLimitMinutes < 0 {
		return fmt.Errorf("default_limit_minutes must be non-negative, got %d", c.DefaultLimitMinutes)
	}
	if c.WarningLeadMinutes < 0 {
		return fmt.Errorf("warning_lead_minutes must be non-negative, got %d", c.WarningLeadMinutes)
	}
	for i, limit := range c.WeekdayLimits {
		if limit != nil && *limit < 0 {
			return fmt.Errorf("weekday limit for %s must be non-negative, got %d", time.Weekday(i), *limit)
		}
	}
	return nil
}

// ShutdownLogEntry is the durable record of an enforced shutdown. At most one
// entry exists per (user, date); it is never mutated.
type ShutdownLogEntry struct {
	UserID      string    `json:"user_id"`
	Date        string    `json:"date"` // YYYY-MM-DD in the engine's timezone
	TriggeredAt time.Time `json:"triggered_at"`
	Reason      string    `json:"reason,omitempty"`
}
