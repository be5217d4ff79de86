package metrics

import (
	"errors"

	"github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
	coremetrics "github.com/kilianp07/solarcharge/core/metrics"
)

// MultiSink fans events out to several sinks, collecting all errors.
type MultiSink struct {
	sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) RecordSOC(u gateway.SOCUpdate) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.RecordSOC(u))
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordSession(ev charge.CompletionEvent) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.RecordSession(ev))
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordCharging(active bool) error {
	var errs []error
	for _, s := range m.sinks {
		errs = append(errs, s.RecordCharging(active))
	}
	return errors.Join(errs...)
}
