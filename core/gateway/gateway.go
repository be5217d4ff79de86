package gateway

import "time"

// ConnState reports the health of the link to the sensor bus. It is used for
// status reporting only: session decisions never depend on it, the server-side
// deadline stops a session even with the bus down.
type ConnState string

const (
	Connected    ConnState = "connected"
	Disconnected ConnState = "disconnected"
	Reconnecting ConnState = "reconnecting"
)

// SOCUpdate is one telemetry sample decoded from the dongle.
type SOCUpdate struct {
	// SOC is the battery state of charge in percent.
	SOC int
	// BatteryPowerW is positive while charging, negative while discharging.
	BatteryPowerW float64
	ReceivedAt    time.Time
}

// Client issues charging commands to the dongle. All commands are best effort:
// a returned TransportError is logged by the caller and the session proceeds,
// the safety cutoff being the backstop when the dongle never hears us.
type Client interface {
	// EnableCharging switches AC charging on.
	EnableCharging() error
	// DisableCharging switches AC charging off.
	DisableCharging() error
	// SetChargeWindow programs the dongle-side charging window, both bounds
	// in "HH:MM".
	SetChargeWindow(start, end string) error
	// SetChargeMode selects how the dongle combines its own limits. Mode 4
	// (time window AND SOC limit) is required for the SOC limit to apply.
	SetChargeMode(mode int) error
	// SetSOCLimit programs the dongle-side charge ceiling in percent.
	SetSOCLimit(target int) error

	ConnectionState() ConnState
}
