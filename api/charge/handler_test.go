package charge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	corecharge "github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
	"github.com/kilianp07/solarcharge/core/model"
	"github.com/kilianp07/solarcharge/core/schedule"
)

type fakeScheduler struct {
	sched      *model.Schedule
	status     schedule.SessionStatus
	startErr   error
	cancelled  bool
	started    int
	stopped    bool
}

func (f *fakeScheduler) SetSchedule(cand model.Schedule) (model.Schedule, error) {
	if err := cand.Validate(); err != nil {
		return model.Schedule{}, err
	}
	f.sched = &cand
	return cand, nil
}

func (f *fakeScheduler) GetSchedule() *model.Schedule { return f.sched }

func (f *fakeScheduler) CancelSchedule() { f.cancelled = true }

func (f *fakeScheduler) StartNow(target int) (schedule.SessionStatus, error) {
	if f.startErr != nil {
		return schedule.SessionStatus{}, f.startErr
	}
	f.started = target
	return f.status, nil
}

func (f *fakeScheduler) StopNow() schedule.SessionStatus {
	f.stopped = true
	return f.status
}

func (f *fakeScheduler) Status() schedule.SessionStatus { return f.status }

func TestScheduleHandler_Post(t *testing.T) {
	f := &fakeScheduler{}
	h := NewScheduleHandler(f)
	body := `{"target_soc":85,"start_time":"02:00","mode":"recurring","enabled":true}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/charge/schedule", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var out model.Schedule
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TargetSOC != 85 || out.Mode != model.ModeRecurring {
		t.Fatalf("unexpected schedule %#v", out)
	}
	if f.sched == nil {
		t.Fatal("schedule not installed")
	}
}

func TestScheduleHandler_PostInvalidSOC(t *testing.T) {
	h := NewScheduleHandler(&fakeScheduler{})
	body := `{"target_soc":5,"start_time":"02:00","mode":"once","enabled":true}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/charge/schedule", strings.NewReader(body)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
	var out errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == "" {
		t.Fatal("expected error message")
	}
}

func TestScheduleHandler_PostBadBody(t *testing.T) {
	h := NewScheduleHandler(&fakeScheduler{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/charge/schedule", strings.NewReader("{not json")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestScheduleHandler_GetMissing(t *testing.T) {
	h := NewScheduleHandler(&fakeScheduler{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/charge/schedule", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestScheduleHandler_Get(t *testing.T) {
	f := &fakeScheduler{sched: &model.Schedule{TargetSOC: 90, StartTime: "01:30", Mode: model.ModeOnce, Enabled: true}}
	h := NewScheduleHandler(f)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/charge/schedule", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out model.Schedule
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TargetSOC != 90 || out.StartTime != "01:30" {
		t.Fatalf("unexpected schedule %#v", out)
	}
}

func TestScheduleHandler_Delete(t *testing.T) {
	f := &fakeScheduler{}
	h := NewScheduleHandler(f)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("DELETE", "/api/charge/schedule", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rr.Code)
	}
	if !f.cancelled {
		t.Fatal("cancel not forwarded")
	}
}

func TestScheduleHandler_MethodNotAllowed(t *testing.T) {
	h := NewScheduleHandler(&fakeScheduler{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("PATCH", "/api/charge/schedule", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rr.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	soc := 64
	f := &fakeScheduler{status: schedule.SessionStatus{
		State:      corecharge.StateCharging,
		Charging:   true,
		CurrentSOC: &soc,
		Connection: gateway.Connected,
	}}
	h := NewStatusHandler(f)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/charge/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out schedule.SessionStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Charging || out.CurrentSOC == nil || *out.CurrentSOC != 64 {
		t.Fatalf("unexpected status %#v", out)
	}
}

func TestEnableHandler(t *testing.T) {
	f := &fakeScheduler{}
	h := NewEnableHandler(f)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/charging/enable", strings.NewReader(`{"target_soc":80}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	if f.started != 80 {
		t.Fatalf("target not forwarded: %d", f.started)
	}
}

func TestEnableHandler_Conflict(t *testing.T) {
	f := &fakeScheduler{startErr: corecharge.ErrSessionConflict}
	h := NewEnableHandler(f)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/charging/enable", strings.NewReader(`{"target_soc":80}`)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
}

func TestDisableHandler(t *testing.T) {
	f := &fakeScheduler{}
	h := NewDisableHandler(f)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("POST", "/api/charging/disable", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if !f.stopped {
		t.Fatal("stop not forwarded")
	}
}

func TestHealthHandler(t *testing.T) {
	f := &fakeScheduler{status: schedule.SessionStatus{Connection: gateway.Connected}}
	h := NewHealthHandler(f, "1.2.3", time.Now().Add(-90*time.Second))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || !out.MQTTConnected || out.Version != "1.2.3" {
		t.Fatalf("unexpected health %#v", out)
	}
	if out.UptimeSeconds < 89 {
		t.Fatalf("uptime too small: %d", out.UptimeSeconds)
	}
}

func TestHealthHandler_Degraded(t *testing.T) {
	f := &fakeScheduler{status: schedule.SessionStatus{Connection: gateway.Disconnected}}
	h := NewHealthHandler(f, "dev", time.Now())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/api/health", nil))
	var out healthResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Status != "degraded" || out.MQTTConnected {
		t.Fatalf("unexpected health %#v", out)
	}
}
