package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
	"github.com/kilianp07/solarcharge/core/logger"
	"github.com/kilianp07/solarcharge/core/metrics"
	"github.com/kilianp07/solarcharge/core/model"
	"github.com/kilianp07/solarcharge/internal/eventbus"
)

// SessionStatus is a point-in-time snapshot for the request layer.
type SessionStatus struct {
	State         charge.State       `json:"state"`
	Charging      bool               `json:"charging"`
	CurrentSOC    *int               `json:"current_soc,omitempty"`
	TargetSOC     *int               `json:"target_soc,omitempty"`
	BatteryPowerW float64            `json:"battery_power_w"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	Deadline      *time.Time         `json:"deadline,omitempty"`
	LastUpdated   *time.Time         `json:"last_updated,omitempty"`
	NextRun       *time.Time         `json:"next_run,omitempty"`
	EstimatedDone *time.Time         `json:"estimated_done,omitempty"`
	Connection    gateway.ConnState  `json:"connection"`
	// PersistDegraded is set while the last save failed and the in-memory
	// schedule is ahead of disk.
	PersistDegraded bool `json:"persist_degraded"`
}

// Manager owns the single schedule record and the single charge session. One
// mutex serializes every mutation: external requests, the armed timer firing,
// the monitor tick and the SOC callback. Nothing blocks on network I/O while
// the lock is held; dongle commands go out on their own goroutines.
type Manager struct {
	gw     gateway.Client
	store  Store
	cfg    charge.Config
	log    logger.Logger
	events *eventbus.Bus[charge.CompletionEvent]
	sink   metrics.MetricsSink
	nowFn  func() time.Time

	mu       sync.Mutex
	sched    *model.Schedule
	session  charge.Session
	timer    *time.Timer
	timerGen uint64
	monStop  chan struct{}
	saveErr  error
	closed   bool

	// Outbound dongle commands are queued under the manager lock, in the order
	// the state transitions happened, and drained by a single worker. A later
	// stop can therefore never reach the dongle before an earlier start.
	cmdMu    sync.Mutex
	cmdQueue []func()
	cmdKick  chan struct{}
	cmdStop  chan struct{}
}

// NewManager loads the persisted schedule and reconciles it: an enabled
// schedule whose next run is missing or already past is treated as a missed
// fire and recomputed rather than silently dropped. Persistence failures here
// are fatal; the process cannot guarantee correctness without durable state.
func NewManager(gw gateway.Client, store Store, cfg charge.Config, log logger.Logger,
	events *eventbus.Bus[charge.CompletionEvent], sink metrics.MetricsSink) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("charge config: %w", err)
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	m := &Manager{
		gw: gw, store: store, cfg: cfg, log: log, events: events, sink: sink,
		nowFn:   time.Now,
		cmdKick: make(chan struct{}, 1),
		cmdStop: make(chan struct{}),
	}

	sched, err := store.Load()
	if err != nil {
		return nil, err
	}
	if sched != nil {
		m.sched = sched
		if !sched.Enabled {
			sched.NextRun = nil
		} else {
			now := m.nowFn()
			if sched.NextRun == nil || !sched.NextRun.After(now) {
				next, err := NextRun(sched.StartTime, now)
				if err != nil {
					return nil, fmt.Errorf("reconcile persisted schedule: %w", err)
				}
				sched.NextRun = &next
				if err := store.Save(sched); err != nil {
					return nil, err
				}
				m.log.Infof("recomputed missed run, next charge at %s", next.Format(time.RFC3339))
			}
			m.armTimerLocked(*sched.NextRun)
			m.log.Infof("restored schedule: target=%d%% start=%s mode=%s", sched.TargetSOC, sched.StartTime, sched.Mode)
		}
	}
	go m.runCommandWorker()
	return m, nil
}

// SetSchedule validates and installs a new schedule, fully replacing the
// previous one. An in-flight session for the previous schedule is cancelled
// before the new schedule is armed. A rejected candidate leaves the previous
// schedule untouched and active.
func (m *Manager) SetSchedule(cand model.Schedule) (model.Schedule, error) {
	if err := cand.Validate(); err != nil {
		return model.Schedule{}, err
	}
	if _, _, err := ParseStartTime(cand.StartTime); err != nil {
		return model.Schedule{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Active() {
		m.finishSessionLocked(charge.ReasonCancelled, false)
	}
	m.disarmTimerLocked()

	now := m.nowFn()
	sched := cand.Clone()
	sched.CreatedAt = now
	sched.NextRun = nil
	sched.LastRun = nil
	if sched.Enabled {
		next, err := NextRun(sched.StartTime, now)
		if err != nil {
			return model.Schedule{}, err
		}
		sched.NextRun = &next
	}
	m.sched = &sched
	m.persistLocked()
	if sched.NextRun != nil {
		m.armTimerLocked(*sched.NextRun)
		m.log.Infof("scheduled charge for %s (mode: %s, target: %d%%)",
			sched.NextRun.Format(time.RFC3339), sched.Mode, sched.TargetSOC)
	} else {
		m.log.Infof("schedule stored disabled, no timer armed")
	}
	return sched.Clone(), nil
}

// GetSchedule returns the current schedule, or nil when none exists.
func (m *Manager) GetSchedule() *model.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched == nil {
		return nil
	}
	s := m.sched.Clone()
	return &s
}

// CancelSchedule disarms the timer, disables the schedule and stops any
// active session. Calling it with no active schedule is a no-op success.
func (m *Manager) CancelSchedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmTimerLocked()
	if m.session.Active() {
		m.finishSessionLocked(charge.ReasonCancelled, false)
	}
	if m.sched != nil && (m.sched.Enabled || m.sched.NextRun != nil) {
		m.sched.Enabled = false
		m.sched.NextRun = nil
		m.persistLocked()
		m.log.Infof("schedule cancelled")
	}
}

// StartNow begins an immediate one-shot session with the given target,
// replacing any current schedule and superseding any in-flight session.
func (m *Manager) StartNow(targetSOC int) (SessionStatus, error) {
	if targetSOC < model.MinTargetSOC || targetSOC > model.MaxTargetSOC {
		return SessionStatus{}, &model.ValidationError{Field: "target_soc", Reason: "must be between 10 and 100"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Active() {
		m.finishSessionLocked(charge.ReasonCancelled, false)
	}
	m.disarmTimerLocked()

	now := m.nowFn()
	lr := now
	sched := model.Schedule{
		TargetSOC: targetSOC,
		StartTime: now.Format("15:04"),
		Mode:      model.ModeOnce,
		Enabled:   true,
		CreatedAt: now,
		LastRun:   &lr,
	}
	m.sched = &sched
	m.startSessionLocked(&sched, now)
	return m.statusLocked(), nil
}

// StopNow stops the active session with reason CANCELLED. A recurring
// schedule stays armed for its next day; a one-shot schedule is retired.
// Idempotent when nothing is charging.
func (m *Manager) StopNow() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Active() {
		m.finishSessionLocked(charge.ReasonCancelled, true)
	}
	return m.statusLocked()
}

// HandleSOC records a telemetry sample. Pure data update: stop decisions are
// made only on the periodic monitor tick, never re-entrantly from the
// transport callback.
func (m *Manager) HandleSOC(u gateway.SOCUpdate) {
	m.mu.Lock()
	m.session.RecordSOC(u)
	m.mu.Unlock()
}

// Status returns a snapshot of the session and schedule state.
func (m *Manager) Status() SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Close disarms the timer and stops the monitor goroutine. It deliberately
// does not send a stop command: across a restart the dongle window and SOC
// limit keep governing the charge, and startup reconciles the schedule.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.disarmTimerLocked()
	if m.monStop != nil {
		close(m.monStop)
		m.monStop = nil
	}
	close(m.cmdStop)
}

func (m *Manager) statusLocked() SessionStatus {
	st := SessionStatus{
		State:           m.session.State,
		Charging:        m.session.State == charge.StateCharging,
		BatteryPowerW:   m.session.BatteryPowerW,
		CurrentSOC:      m.session.LastSOC,
		Connection:      m.gw.ConnectionState(),
		PersistDegraded: m.saveErr != nil,
	}
	if st.State == "" {
		st.State = charge.StateIdle
	}
	if !m.session.LastUpdated.IsZero() {
		t := m.session.LastUpdated
		st.LastUpdated = &t
	}
	if m.session.Active() {
		target := m.session.TargetSOC
		st.TargetSOC = &target
		sa := m.session.StartedAt
		st.StartedAt = &sa
		dl := m.session.Deadline
		st.Deadline = &dl
		st.EstimatedDone = m.session.EstimateCompletion(m.nowFn())
	} else if m.sched != nil {
		target := m.sched.TargetSOC
		st.TargetSOC = &target
	}
	if m.sched != nil && m.sched.NextRun != nil {
		t := *m.sched.NextRun
		st.NextRun = &t
	}
	return st
}

// armTimerLocked (re)arms the single timer. The generation counter makes a
// disarm observably synchronous: a fire that lost the race checks the
// generation under the lock and gives up.
func (m *Manager) armTimerLocked(at time.Time) {
	m.disarmTimerLocked()
	gen := m.timerGen
	d := at.Sub(m.nowFn())
	if d < 0 {
		d = 0
	}
	m.timer = time.AfterFunc(d, func() { m.onTimerFire(gen) })
}

func (m *Manager) disarmTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *Manager) onTimerFire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.timerGen {
		return
	}
	m.timer = nil
	sched := m.sched
	if sched == nil || !sched.Enabled {
		return
	}
	now := m.nowFn()
	lr := now
	sched.LastRun = &lr
	sched.NextRun = nil

	if m.session.LastSOC != nil && *m.session.LastSOC >= sched.TargetSOC {
		m.log.Infof("SOC %d%% already at or above target %d%%, skipping charge", *m.session.LastSOC, sched.TargetSOC)
		m.afterSessionLocked()
		m.persistLocked()
		return
	}
	m.startSessionLocked(sched, now)
}

// startSessionLocked fires a session and spawns the monitor. Dongle commands
// go out on their own goroutine so the lock is never held across the bus.
func (m *Manager) startSessionLocked(sched *model.Schedule, now time.Time) {
	if err := m.session.Start(sched.TargetSOC, now, m.cfg.Cutoff()); err != nil {
		m.log.Errorf("start session: %v", err)
		return
	}
	m.persistLocked()
	m.log.Infof("charge session %s started: target=%d%%, deadline=%s",
		m.session.ID, m.session.TargetSOC, m.session.Deadline.Format(time.RFC3339))

	stop := make(chan struct{})
	m.monStop = stop
	go m.runMonitor(stop)

	start := now.Format("15:04")
	end := m.session.Deadline.Format("15:04")
	target := m.session.TargetSOC
	m.enqueueCommandLocked(func() { m.sendStartCommands(start, end, target) })
	go m.record(func(s metrics.MetricsSink) error { return s.RecordCharging(true) })
}

// runMonitor ticks until the stop channel closes. The identity check on the
// stop channel under the lock guarantees no tick ever acts on a session that
// has already been reset.
func (m *Manager) runMonitor(stop chan struct{}) {
	t := time.NewTicker(m.cfg.CheckInterval())
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.mu.Lock()
			if m.monStop != stop || !m.session.Active() {
				m.mu.Unlock()
				return
			}
			if reason, ok := m.session.Evaluate(m.nowFn()); ok {
				m.log.Infof("stop condition met: %s", reason)
				m.finishSessionLocked(reason, true)
			} else if m.session.LastSOC != nil {
				m.log.Debugf("monitoring: soc=%d%% target=%d%%", *m.session.LastSOC, m.session.TargetSOC)
			}
			m.mu.Unlock()
		}
	}
}

// finishSessionLocked drives CHARGING/STOPPING -> IDLE, emits the completion
// event and, when reschedule is set, re-arms a recurring schedule or retires
// a one-shot one. Exactly one persist covers the whole transition.
func (m *Manager) finishSessionLocked(reason charge.StopReason, reschedule bool) {
	m.session.BeginStop()
	if m.monStop != nil {
		close(m.monStop)
		m.monStop = nil
	}
	ev := m.session.Finish(reason, m.nowFn())
	m.log.Infof("charge session %s finished: reason=%s", ev.SessionID, ev.Reason)

	if reschedule {
		m.afterSessionLocked()
	}
	m.persistLocked()

	m.enqueueCommandLocked(m.sendStopCommands)
	if m.events != nil {
		m.events.Publish(ev)
	}
	go m.record(func(s metrics.MetricsSink) error {
		if err := s.RecordCharging(false); err != nil {
			return err
		}
		return s.RecordSession(ev)
	})
}

// afterSessionLocked applies the post-session schedule policy: a recurring
// schedule re-arms for the next day, a one-shot schedule retires.
func (m *Manager) afterSessionLocked() {
	sched := m.sched
	if sched == nil {
		return
	}
	if sched.Mode == model.ModeRecurring && sched.Enabled {
		next, err := NextRun(sched.StartTime, m.nowFn())
		if err != nil {
			m.log.Errorf("reschedule: %v", err)
			return
		}
		sched.NextRun = &next
		m.armTimerLocked(next)
		m.log.Infof("rescheduled recurring charge for %s", next.Format(time.RFC3339))
	} else {
		sched.Enabled = false
		sched.NextRun = nil
		m.disarmTimerLocked()
	}
}

// persistLocked saves the schedule. At runtime a failure degrades instead of
// crashing: the in-memory schedule stays authoritative, the error is surfaced
// in status, and the next mutation retries.
func (m *Manager) persistLocked() {
	if m.sched == nil {
		return
	}
	s := m.sched.Clone()
	if err := m.store.Save(&s); err != nil {
		m.saveErr = err
		m.log.Errorf("persist schedule: %v", err)
		return
	}
	m.saveErr = nil
}

// enqueueCommandLocked appends a gateway command batch to the outbound queue.
// Callers hold the manager lock, so queue order equals mutation order. The
// append itself never blocks on the broker.
func (m *Manager) enqueueCommandLocked(fn func()) {
	m.cmdMu.Lock()
	m.cmdQueue = append(m.cmdQueue, fn)
	m.cmdMu.Unlock()
	select {
	case m.cmdKick <- struct{}{}:
	default:
	}
}

// runCommandWorker drains the outbound queue one batch at a time. Commands for
// a newer transition only go out once every earlier batch has finished, so a
// stop issued after a start can never overtake it on the wire.
func (m *Manager) runCommandWorker() {
	for {
		select {
		case <-m.cmdStop:
			return
		case <-m.cmdKick:
			for {
				m.cmdMu.Lock()
				if len(m.cmdQueue) == 0 {
					m.cmdMu.Unlock()
					break
				}
				fn := m.cmdQueue[0]
				m.cmdQueue = m.cmdQueue[1:]
				m.cmdMu.Unlock()
				fn()
			}
		}
	}
}

func (m *Manager) sendStartCommands(start, end string, target int) {
	if err := m.gw.EnableCharging(); err != nil {
		m.log.Errorf("enable charging: %v", err)
	}
	if err := m.gw.SetChargeWindow(start, end); err != nil {
		m.log.Errorf("set charge window: %v", err)
	}
	if err := m.gw.SetChargeMode(4); err != nil {
		m.log.Errorf("set charge mode: %v", err)
	}
	if err := m.gw.SetSOCLimit(target); err != nil {
		m.log.Errorf("set soc limit: %v", err)
	}
}

func (m *Manager) sendStopCommands() {
	if err := m.gw.DisableCharging(); err != nil {
		m.log.Errorf("disable charging: %v", err)
	}
}

func (m *Manager) record(fn func(metrics.MetricsSink) error) {
	if err := fn(m.sink); err != nil {
		m.log.Errorf("metrics: %v", err)
	}
}
