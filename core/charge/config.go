package charge

import (
	"fmt"
	"time"
)

// Config defines charging behaviour parameters.
type Config struct {
	// SafetyCutoffHours is the maximum session duration regardless of SOC
	// telemetry.
	SafetyCutoffHours int `json:"safety_cutoff_hours"`
	// SOCCheckIntervalSeconds is the monitor tick period.
	SOCCheckIntervalSeconds int `json:"soc_check_interval_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.SafetyCutoffHours == 0 {
		c.SafetyCutoffHours = 8
	}
	if c.SOCCheckIntervalSeconds == 0 {
		c.SOCCheckIntervalSeconds = 30
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.SafetyCutoffHours <= 0 {
		return fmt.Errorf("safety_cutoff_hours must be positive")
	}
	if c.SOCCheckIntervalSeconds <= 0 {
		return fmt.Errorf("soc_check_interval_seconds must be positive")
	}
	return nil
}

// Cutoff returns the safety cutoff as a duration.
func (c Config) Cutoff() time.Duration {
	return time.Duration(c.SafetyCutoffHours) * time.Hour
}

// CheckInterval returns the monitor tick period as a duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.SOCCheckIntervalSeconds) * time.Second
}
