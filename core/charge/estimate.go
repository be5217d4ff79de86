package charge

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// maxSamples bounds the regression window; at the default 30s telemetry rate
// this covers roughly the last half hour of charging.
const maxSamples = 60

type socSample struct {
	at  time.Time
	soc int
}

func (s *Session) addSample(at time.Time, soc int) {
	s.samples = append(s.samples, socSample{at: at, soc: soc})
	if len(s.samples) > maxSamples {
		s.samples = s.samples[len(s.samples)-maxSamples:]
	}
}

// EstimateCompletion fits a least-squares line through the recent SOC samples
// and extrapolates to the target. It returns nil while charging has not shown
// a positive trend or there is too little data to fit.
func (s *Session) EstimateCompletion(now time.Time) *time.Time {
	if s.State != StateCharging || len(s.samples) < 3 {
		return nil
	}
	origin := s.samples[0].at
	xs := make([]float64, len(s.samples))
	ys := make([]float64, len(s.samples))
	for i, smp := range s.samples {
		xs[i] = smp.at.Sub(origin).Seconds()
		ys[i] = float64(smp.soc)
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	if beta <= 0 {
		return nil
	}
	secs := (float64(s.TargetSOC) - alpha) / beta
	done := origin.Add(time.Duration(secs * float64(time.Second)))
	if done.Before(now) {
		done = now
	}
	if done.After(s.Deadline) {
		done = s.Deadline
	}
	return &done
}
