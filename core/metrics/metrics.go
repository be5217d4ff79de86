package metrics

import (
	"github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
)

// MetricsSink records charging telemetry and session outcomes for
// observability purposes.
type MetricsSink interface {
	// RecordSOC records one telemetry sample.
	RecordSOC(u gateway.SOCUpdate) error
	// RecordSession records a finished charge session.
	RecordSession(ev charge.CompletionEvent) error
	// RecordCharging records whether a session is currently active.
	RecordCharging(active bool) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordSOC(gateway.SOCUpdate) error          { return nil }
func (NopSink) RecordSession(charge.CompletionEvent) error { return nil }
func (NopSink) RecordCharging(bool) error                  { return nil }
