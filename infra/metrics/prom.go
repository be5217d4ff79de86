package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
)

// PromSink records charging telemetry and session outcomes in Prometheus
// metrics.
type PromSink struct {
	soc      prometheus.Gauge
	power    prometheus.Gauge
	charging prometheus.Gauge
	sessions *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPromSink registers the charging collectors on the provided registerer.
// If reg is nil, the default registerer is used. Already registered
// collectors are reused so repeated construction is safe.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	soc := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "battery_soc_percent",
		Help: "Last reported battery state of charge",
	})
	power := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "battery_power_watts",
		Help: "Battery power, positive while charging",
	})
	charging := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "charge_session_active",
		Help: "Whether a charge session is currently active",
	})
	sessions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "charge_sessions_total",
		Help: "Total number of finished charge sessions",
	}, []string{"reason"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "charge_session_duration_hours",
		Help:    "Duration of finished charge sessions",
		Buckets: []float64{0.5, 1, 2, 4, 6, 8, 12},
	}, []string{"reason"})

	s := &PromSink{soc: soc, power: power, charging: charging, sessions: sessions, duration: duration}
	for _, c := range []prometheus.Collector{soc, power, charging, sessions, duration} {
		if err := reg.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return nil, err
			}
			switch existing := are.ExistingCollector.(type) {
			case prometheus.Gauge:
				switch c {
				case soc:
					s.soc = existing
				case power:
					s.power = existing
				case charging:
					s.charging = existing
				}
			case *prometheus.CounterVec:
				s.sessions = existing
			case *prometheus.HistogramVec:
				s.duration = existing
			}
		}
	}
	return s, nil
}

// RecordSOC updates the telemetry gauges.
func (s *PromSink) RecordSOC(u gateway.SOCUpdate) error {
	s.soc.Set(float64(u.SOC))
	s.power.Set(u.BatteryPowerW)
	return nil
}

// RecordSession counts the finished session and observes its duration.
func (s *PromSink) RecordSession(ev charge.CompletionEvent) error {
	reason := string(ev.Reason)
	s.sessions.WithLabelValues(reason).Inc()
	s.duration.WithLabelValues(reason).Observe(ev.EndedAt.Sub(ev.StartedAt).Hours())
	return nil
}

// RecordCharging sets the session-active gauge.
func (s *PromSink) RecordCharging(active bool) error {
	if active {
		s.charging.Set(1)
	} else {
		s.charging.Set(0)
	}
	return nil
}
