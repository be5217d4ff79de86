package schedule

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
	"github.com/kilianp07/solarcharge/core/logger"
	"github.com/kilianp07/solarcharge/core/model"
	"github.com/kilianp07/solarcharge/infra/mqtt"
	"github.com/kilianp07/solarcharge/internal/eventbus"
)

type memStore struct {
	mu       sync.Mutex
	sched    *model.Schedule
	saves    int
	failSave bool
	loadErr  error
}

func (s *memStore) Load() (*model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.sched == nil {
		return nil, nil
	}
	c := s.sched.Clone()
	return &c, nil
}

func (s *memStore) Save(sched *model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return PersistenceError("save", fmt.Errorf("disk full"))
	}
	c := sched.Clone()
	s.sched = &c
	s.saves++
	return nil
}

func (s *memStore) saved() *model.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	c := s.sched.Clone()
	return &c
}

// testClock is a mutable clock safe to advance while the monitor is running.
type testClock struct {
	base   time.Time
	offset atomic.Int64
}

func newTestClock(base time.Time) *testClock { return &testClock{base: base} }

func (c *testClock) Now() time.Time {
	return c.base.Add(time.Duration(c.offset.Load()))
}

func (c *testClock) Advance(d time.Duration) { c.offset.Add(int64(d)) }

func newTestManager(t *testing.T, store *memStore, cfg charge.Config) (*Manager, *mqtt.MockGateway, *testClock, <-chan charge.CompletionEvent) {
	t.Helper()
	if store == nil {
		store = &memStore{}
	}
	gw := mqtt.NewMockGateway()
	events := eventbus.New[charge.CompletionEvent]()
	clock := newTestClock(time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC))
	m, err := NewManager(gw, store, cfg, logger.NopLogger{}, events, nil)
	require.NoError(t, err)
	m.nowFn = clock.Now
	t.Cleanup(m.Close)
	return m, gw, clock, events.Subscribe()
}

// fire invokes the armed timer callback synchronously, as if it just expired.
func fire(m *Manager) {
	m.mu.Lock()
	gen := m.timerGen
	m.mu.Unlock()
	m.onTimerFire(gen)
}

func TestSetScheduleArmsNextRun(t *testing.T) {
	store := &memStore{}
	m, _, clock, _ := newTestManager(t, store, charge.Config{})

	got, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	// 22:00 -> 02:30 next day is 4h30m away.
	assert.Equal(t, clock.Now().Add(4*time.Hour+30*time.Minute), *got.NextRun)

	persisted := store.saved()
	require.NotNil(t, persisted)
	assert.Equal(t, got.NextRun.Unix(), persisted.NextRun.Unix())
}

func TestSetScheduleSameDayRollsToTomorrow(t *testing.T) {
	m, _, clock, _ := newTestManager(t, nil, charge.Config{})
	clock.Advance(5 * time.Hour) // 03:00

	got, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 30, 0, 0, time.UTC), *got.NextRun)
}

func TestSetScheduleValidationLeavesPriorUntouched(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, charge.Config{})
	prior, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)

	_, err = m.SetSchedule(model.Schedule{TargetSOC: 5, StartTime: "03:00", Mode: model.ModeOnce, Enabled: true})
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))

	_, err = m.SetSchedule(model.Schedule{TargetSOC: 50, StartTime: "25:00", Mode: model.ModeOnce, Enabled: true})
	var ise *InvalidScheduleError
	require.True(t, errors.As(err, &ise))

	cur := m.GetSchedule()
	require.NotNil(t, cur)
	assert.Equal(t, prior.TargetSOC, cur.TargetSOC)
	assert.Equal(t, prior.StartTime, cur.StartTime)
	assert.True(t, cur.Enabled)
	require.NotNil(t, cur.NextRun)
}

func TestSetScheduleDisabledHasNoNextRun(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, charge.Config{})
	got, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeOnce, Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
	assert.Nil(t, m.Status().NextRun)
}

func TestCancelScheduleIdempotent(t *testing.T) {
	store := &memStore{}
	m, _, _, _ := newTestManager(t, store, charge.Config{})
	_, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)

	m.CancelSchedule()
	first := m.GetSchedule()
	require.NotNil(t, first)
	assert.False(t, first.Enabled)
	assert.Nil(t, first.NextRun)
	assert.Equal(t, charge.StateIdle, m.Status().State)

	m.CancelSchedule() // second call is a no-op success
	second := m.GetSchedule()
	assert.Equal(t, first.Enabled, second.Enabled)
	assert.Nil(t, second.NextRun)
	assert.Equal(t, charge.StateIdle, m.Status().State)

	m.CancelSchedule() // and with no state change, no extra persist
}

func TestCancelWithNoScheduleIsNoop(t *testing.T) {
	store := &memStore{}
	m, _, _, _ := newTestManager(t, store, charge.Config{})
	m.CancelSchedule()
	assert.Nil(t, store.saved())
}

func TestTimerFireStartsSessionAndSendsCommands(t *testing.T) {
	m, gw, _, _ := newTestManager(t, nil, charge.Config{})
	_, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)

	fire(m)

	st := m.Status()
	assert.Equal(t, charge.StateCharging, st.State)
	require.NotNil(t, st.TargetSOC)
	assert.Equal(t, 85, *st.TargetSOC)
	require.NotNil(t, st.Deadline)
	assert.Equal(t, st.StartedAt.Add(8*time.Hour), *st.Deadline)
	assert.Nil(t, st.NextRun, "next_run is consumed by the fire")

	require.Eventually(t, func() bool { return len(gw.Commands()) == 4 }, time.Second, time.Millisecond)
	cmds := gw.Commands()
	assert.Equal(t, "ACCharge=1", cmds[0])
	assert.Equal(t, "ACChgMode=4", cmds[2])
	assert.Equal(t, "ACChgSOCLimit=85", cmds[3])
}

func TestStaleTimerFireDoesNothing(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, charge.Config{})
	_, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)

	m.mu.Lock()
	staleGen := m.timerGen
	m.mu.Unlock()

	// Cancel races the fire: the fire must observe the cancel and give up.
	m.CancelSchedule()
	m.onTimerFire(staleGen)

	assert.Equal(t, charge.StateIdle, m.Status().State)
}

func TestTargetReachedStopsWithinOneInterval(t *testing.T) {
	m, gw, _, events := newTestManager(t, nil, charge.Config{SOCCheckIntervalSeconds: 1})
	_, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeOnce, Enabled: true})
	require.NoError(t, err)
	fire(m)
	require.Equal(t, charge.StateCharging, m.Status().State)

	m.HandleSOC(gateway.SOCUpdate{SOC: 85, ReceivedAt: time.Now()})

	select {
	case ev := <-events:
		assert.Equal(t, charge.ReasonTargetReached, ev.Reason)
		require.NotNil(t, ev.FinalSOC)
		assert.Equal(t, 85, *ev.FinalSOC)
		assert.Equal(t, 85, ev.TargetSOC)
	case <-time.After(3 * time.Second):
		t.Fatal("no completion within one check interval")
	}
	assert.Equal(t, charge.StateIdle, m.Status().State)
	require.Eventually(t, func() bool {
		cmds := gw.Commands()
		return len(cmds) > 0 && cmds[len(cmds)-1] == "ACCharge=0"
	}, time.Second, time.Millisecond)

	// ONCE mode retires the schedule.
	sched := m.GetSchedule()
	require.NotNil(t, sched)
	assert.False(t, sched.Enabled)
	assert.Nil(t, sched.NextRun)
}

func TestCutoffFiresWithoutAnyTelemetry(t *testing.T) {
	m, _, clock, events := newTestManager(t, nil, charge.Config{SOCCheckIntervalSeconds: 1})
	_, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)
	fire(m)
	require.Equal(t, charge.StateCharging, m.Status().State)

	clock.Advance(8 * time.Hour)

	select {
	case ev := <-events:
		assert.Equal(t, charge.ReasonCutoff, ev.Reason)
		assert.Nil(t, ev.FinalSOC)
	case <-time.After(3 * time.Second):
		t.Fatal("cutoff did not stop the session")
	}

	// Recurring: next_run recomputed for the following day's start time.
	sched := m.GetSchedule()
	require.NotNil(t, sched)
	assert.True(t, sched.Enabled)
	require.NotNil(t, sched.NextRun)
	assert.True(t, sched.NextRun.After(clock.Now()))
	h, min, err := ParseStartTime(sched.StartTime)
	require.NoError(t, err)
	assert.Equal(t, h, sched.NextRun.Hour())
	assert.Equal(t, min, sched.NextRun.Minute())
}

func TestReplaceWhileChargingStopsOldSession(t *testing.T) {
	m, gw, _, events := newTestManager(t, nil, charge.Config{})
	_, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)
	fire(m)
	require.Equal(t, charge.StateCharging, m.Status().State)

	got, err := m.SetSchedule(model.Schedule{TargetSOC: 90, StartTime: "04:00", Mode: model.ModeOnce, Enabled: true})
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, charge.ReasonCancelled, ev.Reason)
	assert.Equal(t, 85, ev.TargetSOC)

	st := m.Status()
	assert.Equal(t, charge.StateIdle, st.State)
	require.NotNil(t, got.NextRun)
	require.Eventually(t, func() bool {
		for _, c := range gw.Commands() {
			if c == "ACCharge=0" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestTimerFireSkipsWhenAlreadyFull(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, charge.Config{})
	_, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err)
	m.HandleSOC(gateway.SOCUpdate{SOC: 90, ReceivedAt: time.Now()})

	fire(m)

	sched := m.GetSchedule()
	assert.Equal(t, charge.StateIdle, m.Status().State)
	require.NotNil(t, sched.NextRun, "recurring schedule re-arms for the next day")
}

func TestStartNowAndStopNow(t *testing.T) {
	m, gw, _, events := newTestManager(t, nil, charge.Config{})

	_, err := m.StartNow(5)
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))

	st, err := m.StartNow(80)
	require.NoError(t, err)
	assert.Equal(t, charge.StateCharging, st.State)
	require.NotNil(t, st.TargetSOC)
	assert.Equal(t, 80, *st.TargetSOC)
	require.Eventually(t, func() bool { return len(gw.Commands()) == 4 }, time.Second, time.Millisecond)

	st = m.StopNow()
	assert.Equal(t, charge.StateIdle, st.State)
	ev := <-events
	assert.Equal(t, charge.ReasonCancelled, ev.Reason)

	// Idempotent when nothing is charging.
	st = m.StopNow()
	assert.Equal(t, charge.StateIdle, st.State)
}

func TestStartupReconcilesPastNextRun(t *testing.T) {
	past := time.Date(2025, 5, 30, 2, 30, 0, 0, time.UTC)
	store := &memStore{sched: &model.Schedule{
		TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true, NextRun: &past,
	}}
	m, _, clock, _ := newTestManager(t, store, charge.Config{})

	sched := m.GetSchedule()
	require.NotNil(t, sched)
	require.NotNil(t, sched.NextRun)
	assert.True(t, sched.NextRun.After(clock.Now()), "past next_run treated as missed fire and recomputed")

	persisted := store.saved()
	require.NotNil(t, persisted.NextRun)
	assert.Equal(t, sched.NextRun.Unix(), persisted.NextRun.Unix())
}

func TestStartupDisabledScheduleStaysDisarmed(t *testing.T) {
	nr := time.Date(2025, 6, 2, 2, 30, 0, 0, time.UTC)
	store := &memStore{sched: &model.Schedule{
		TargetSOC: 85, StartTime: "02:30", Mode: model.ModeOnce, Enabled: false, NextRun: &nr,
	}}
	m, _, _, _ := newTestManager(t, store, charge.Config{})
	sched := m.GetSchedule()
	require.NotNil(t, sched)
	assert.Nil(t, sched.NextRun)
}

func TestStartupLoadFailureIsFatal(t *testing.T) {
	store := &memStore{loadErr: PersistenceError("load", fmt.Errorf("corrupt"))}
	gw := mqtt.NewMockGateway()
	_, err := NewManager(gw, store, charge.Config{}, logger.NopLogger{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
}

func TestRuntimeSaveFailureDegrades(t *testing.T) {
	store := &memStore{}
	m, _, _, _ := newTestManager(t, store, charge.Config{})

	store.mu.Lock()
	store.failSave = true
	store.mu.Unlock()

	got, err := m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeRecurring, Enabled: true})
	require.NoError(t, err, "save failure must not reject the mutation")
	require.NotNil(t, got.NextRun)
	assert.True(t, m.Status().PersistDegraded)

	// Next successful mutation clears the flag.
	store.mu.Lock()
	store.failSave = false
	store.mu.Unlock()
	_, err = m.SetSchedule(model.Schedule{TargetSOC: 80, StartTime: "03:00", Mode: model.ModeOnce, Enabled: true})
	require.NoError(t, err)
	assert.False(t, m.Status().PersistDegraded)
}

func TestStatusSnapshot(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil, charge.Config{})
	st := m.Status()
	assert.Equal(t, charge.StateIdle, st.State)
	assert.False(t, st.Charging)
	assert.Nil(t, st.CurrentSOC)
	assert.Equal(t, gateway.Connected, st.Connection)

	m.HandleSOC(gateway.SOCUpdate{SOC: 55, BatteryPowerW: -200, ReceivedAt: time.Now()})
	st = m.Status()
	require.NotNil(t, st.CurrentSOC)
	assert.Equal(t, 55, *st.CurrentSOC)
	assert.Equal(t, -200.0, st.BatteryPowerW)
	require.NotNil(t, st.LastUpdated)
}

func TestNoTwoSessionsEverNonIdle(t *testing.T) {
	m, _, _, events := newTestManager(t, nil, charge.Config{})
	_, err := m.StartNow(80)
	require.NoError(t, err)
	firstID := func() string {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.session.ID
	}()

	_, err = m.StartNow(90)
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, firstID, ev.SessionID)
	assert.Equal(t, charge.ReasonCancelled, ev.Reason)

	st := m.Status()
	assert.Equal(t, charge.StateCharging, st.State)
	assert.Equal(t, 90, *st.TargetSOC)
}

// gatedGateway stalls EnableCharging until the gate opens, widening the window
// between a session start and a racing cancel.
type gatedGateway struct {
	*mqtt.MockGateway
	gate chan struct{}
}

func (g *gatedGateway) EnableCharging() error {
	<-g.gate
	return g.MockGateway.EnableCharging()
}

func TestCancelRacingFireKeepsStopAfterStart(t *testing.T) {
	gw := &gatedGateway{MockGateway: mqtt.NewMockGateway(), gate: make(chan struct{})}
	events := eventbus.New[charge.CompletionEvent]()
	clock := newTestClock(time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC))
	m, err := NewManager(gw, &memStore{}, charge.Config{}, logger.NopLogger{}, events, nil)
	require.NoError(t, err)
	m.nowFn = clock.Now
	t.Cleanup(m.Close)

	_, err = m.SetSchedule(model.Schedule{TargetSOC: 85, StartTime: "02:30", Mode: model.ModeOnce, Enabled: true})
	require.NoError(t, err)

	fire(m)
	require.Equal(t, charge.StateCharging, m.Status().State)

	// Cancel while the start batch is still stalled on the gateway.
	m.CancelSchedule()
	assert.Equal(t, charge.StateIdle, m.Status().State)
	close(gw.gate)

	require.Eventually(t, func() bool {
		cmds := gw.Commands()
		return len(cmds) == 5 && cmds[len(cmds)-1] == "ACCharge=0"
	}, time.Second, time.Millisecond)
	cmds := gw.Commands()
	assert.Equal(t, "ACCharge=1", cmds[0])
	assert.Equal(t, "ACCharge=0", cmds[4], "disable must be the last command the dongle sees")
}
