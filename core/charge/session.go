package charge

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/solarcharge/core/gateway"
)

// State of the single charge session.
type State string

const (
	StateIdle     State = "idle"
	StateCharging State = "charging"
	StateStopping State = "stopping"
)

// StopReason explains why a session ended.
type StopReason string

const (
	ReasonTargetReached StopReason = "target_reached"
	ReasonCutoff        StopReason = "cutoff"
	ReasonCancelled     StopReason = "cancelled"
)

// ErrSessionConflict is returned when a start is attempted while a session is
// already active. The manager lock makes this unreachable in practice; it
// exists to surface a locking bug instead of silently double-charging.
var ErrSessionConflict = errors.New("charge session already active")

// CompletionEvent is fired exactly once per session end.
type CompletionEvent struct {
	SessionID string     `json:"session_id"`
	Reason    StopReason `json:"reason"`
	// FinalSOC is nil when no telemetry was ever received.
	FinalSOC  *int      `json:"final_soc,omitempty"`
	TargetSOC int       `json:"target_soc"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Session is one attempt to reach a target SOC. It is a plain record: the
// schedule manager owns the single instance and serializes every mutation
// behind its lock, so no locking happens here.
type Session struct {
	ID    string
	State State
	// TargetSOC is copied from the schedule at start time and stays fixed for
	// the session even if the schedule is edited afterwards.
	TargetSOC int
	StartedAt time.Time
	// Deadline is StartedAt plus the safety cutoff, fixed at start. It fires
	// even if SOC telemetry never arrives.
	Deadline time.Time

	LastSOC       *int
	LastUpdated   time.Time
	BatteryPowerW float64

	samples []socSample
}

// Start transitions IDLE -> CHARGING.
func (s *Session) Start(targetSOC int, now time.Time, cutoff time.Duration) error {
	if s.State != StateIdle && s.State != "" {
		return ErrSessionConflict
	}
	s.ID = uuid.NewString()
	s.State = StateCharging
	s.TargetSOC = targetSOC
	s.StartedAt = now
	s.Deadline = now.Add(cutoff)
	s.samples = nil
	return nil
}

// RecordSOC stores the latest telemetry sample. It never makes a stop
// decision; evaluation happens only on the periodic tick.
func (s *Session) RecordSOC(u gateway.SOCUpdate) {
	soc := u.SOC
	s.LastSOC = &soc
	s.LastUpdated = u.ReceivedAt
	s.BatteryPowerW = u.BatteryPowerW
	if s.State == StateCharging {
		s.addSample(u.ReceivedAt, soc)
	}
}

// Evaluate decides whether the session should stop, in priority order: target
// reached, then safety cutoff. Stale telemetry alone never stops a session;
// only the deadline guarantees termination in the total absence of data.
func (s *Session) Evaluate(now time.Time) (StopReason, bool) {
	if s.State != StateCharging {
		return "", false
	}
	if s.LastSOC != nil && *s.LastSOC >= s.TargetSOC {
		return ReasonTargetReached, true
	}
	if !now.Before(s.Deadline) {
		return ReasonCutoff, true
	}
	return "", false
}

// BeginStop transitions CHARGING -> STOPPING.
func (s *Session) BeginStop() {
	if s.State == StateCharging {
		s.State = StateStopping
	}
}

// Finish resets the session to IDLE and returns the one completion event for
// this session.
func (s *Session) Finish(reason StopReason, now time.Time) CompletionEvent {
	ev := CompletionEvent{
		SessionID: s.ID,
		Reason:    reason,
		TargetSOC: s.TargetSOC,
		StartedAt: s.StartedAt,
		EndedAt:   now,
	}
	if s.LastSOC != nil {
		soc := *s.LastSOC
		ev.FinalSOC = &soc
	}
	s.State = StateIdle
	s.StartedAt = time.Time{}
	s.Deadline = time.Time{}
	s.samples = nil
	return ev
}

// Active reports whether the session is CHARGING or STOPPING.
func (s *Session) Active() bool {
	return s.State == StateCharging || s.State == StateStopping
}
