package domain

import (
	"strings"
	"time"
)

// ExceptionEvent is one anomaly reported by a device through the telemetry
// stream. Events are immutable once received; ID is assigned by the stream.
type ExceptionEvent struct {
	ID       string
	DeviceID string

	Category string // free-text classification, e.g. "server down", "retry"
	Detail   string

	OccurredAt time.Time // normalized to UTC
}

type IgnitionState string

const (
	IgnitionOn      IgnitionState = "ON"
	IgnitionOff     IgnitionState = "OFF"
	IgnitionUnknown IgnitionState = "UNKNOWN"
)

// IgnitionEvent is a vehicle power-state change. Immutable.
type IgnitionEvent struct {
	DeviceID string
	State    IgnitionState

	OccurredAt time.Time

	Voltage  *float64
	Location string // lat/lon pair or free-text address, empty if absent
}

// ParseIgnitionState maps the source representation of a power state onto
// the three-valued IgnitionState. Anything unclassifiable is UNKNOWN.
func ParseIgnitionState(raw string) IgnitionState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "1", "true", "ignition_on", "ignition on":
		return IgnitionOn
	case "off", "0", "false", "ignition_off", "ignition off":
		return IgnitionOff
	default:
		return IgnitionUnknown
	}
}
