// Package bus defines the typed device-state events the engine consumes and
// the control commands it publishes, plus the MQTT adapter that carries both.
package bus

import "context"

// EventKind identifies a device-state transition.
type EventKind string

const (
	// EventUserActive reports a user becoming active on a device.
	EventUserActive EventKind = "user_active"
	// EventUserInactive reports a user leaving a device.
	EventUserInactive EventKind = "user_inactive"
	// EventGameChanged reports the active game changing for a user.
	EventGameChanged EventKind = "game_changed"
	// EventDeviceStandby reports a device powering off or going idle; every
	// open session on the device ends.
	EventDeviceStandby EventKind = "device_standby"
)

// DeviceEvent is a parsed, semantically typed device-state event.
type DeviceEvent struct {
	Kind     EventKind
	UserID   string
	DeviceID string
	Game     string
}

// Handler consumes device events. Implemented by the session tracker.
type Handler interface {
	OnDeviceEvent(ctx context.Context, event DeviceEvent) error
}

// Publisher sends control messages to devices. Dispatch errors are retryable;
// callers bound attempts and retry on the next evaluation.
type Publisher interface {
	// SendShutdown requests the device power off.
	SendShutdown(ctx context.Context, deviceID string) error
	// SendWarning raises the per-user warning state with the minutes left.
	SendWarning(ctx context.Context, deviceID, userID string, remainingMinutes int) error
	// ClearWarning lowers the per-user warning state.
	ClearWarning(ctx context.Context, userID string) error
}

// Discoverer records user identities seen in device telemetry.
// Implemented by the registry.
type Discoverer interface {
	Discover(ctx context.Context, userID string) error
}
