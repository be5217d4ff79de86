package model

import "time"

// Mode controls whether a schedule fires once or re-arms daily.
type Mode string

const (
	ModeOnce      Mode = "once"
	ModeRecurring Mode = "recurring"
)

// SOC bounds accepted for a charge target.
const (
	MinTargetSOC = 10
	MaxTargetSOC = 100
)

// Schedule is the user's charging intent. At most one schedule exists at a
// time; submitting a new one fully replaces the previous one.
type Schedule struct {
	// TargetSOC is the battery percentage to charge to, 10..100 inclusive.
	TargetSOC int `json:"target_soc"`
	// StartTime is the daily wall-clock start in "HH:MM", minute resolution.
	StartTime string `json:"start_time"`
	Mode      Mode   `json:"mode"`
	Enabled   bool   `json:"enabled"`
	// NextRun is derived, never user supplied. Nil when disabled or when no
	// valid future run exists.
	NextRun   *time.Time `json:"next_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
}

// Validate checks the user-supplied fields. The start time format is checked
// by the schedule clock; only range and enum checks live here.
func (s Schedule) Validate() error {
	if s.TargetSOC < MinTargetSOC || s.TargetSOC > MaxTargetSOC {
		return &ValidationError{Field: "target_soc", Reason: "must be between 10 and 100"}
	}
	if s.Mode != ModeOnce && s.Mode != ModeRecurring {
		return &ValidationError{Field: "mode", Reason: `must be "once" or "recurring"`}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate manager-owned state.
func (s Schedule) Clone() Schedule {
	out := s
	if s.NextRun != nil {
		t := *s.NextRun
		out.NextRun = &t
	}
	if s.LastRun != nil {
		t := *s.LastRun
		out.LastRun = &t
	}
	return out
}
