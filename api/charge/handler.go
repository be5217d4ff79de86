package charge

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	corecharge "github.com/kilianp07/solarcharge/core/charge"
	"github.com/kilianp07/solarcharge/core/gateway"
	"github.com/kilianp07/solarcharge/core/model"
	"github.com/kilianp07/solarcharge/core/schedule"
)

// Scheduler is the slice of the schedule manager the request layer needs.
type Scheduler interface {
	SetSchedule(model.Schedule) (model.Schedule, error)
	GetSchedule() *model.Schedule
	CancelSchedule()
	StartNow(targetSOC int) (schedule.SessionStatus, error)
	StopNow() schedule.SessionStatus
	Status() schedule.SessionStatus
}

// NewScheduleHandler serves the schedule resource: PUT-like POST to replace,
// GET to read, DELETE to cancel.
func NewScheduleHandler(mgr Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var cand model.Schedule
			if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}
			installed, err := mgr.SetSchedule(cand)
			if err != nil {
				writeScheduleError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, installed)
		case http.MethodGet:
			sched := mgr.GetSchedule()
			if sched == nil {
				http.Error(w, "no schedule configured", http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, sched)
		case http.MethodDelete:
			mgr.CancelSchedule()
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// NewStatusHandler exposes the live session snapshot via GET /api/charge/status.
func NewStatusHandler(mgr Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, mgr.Status())
	})
}

type enableRequest struct {
	TargetSOC int `json:"target_soc"`
}

// NewEnableHandler starts an immediate charge session via POST /api/charging/enable.
func NewEnableHandler(mgr Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req enableRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		st, err := mgr.StartNow(req.TargetSOC)
		if err != nil {
			writeScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
}

// NewDisableHandler stops any active session via POST /api/charging/disable.
func NewDisableHandler(mgr Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, mgr.StopNow())
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	MQTTConnected bool   `json:"mqtt_connected"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// NewHealthHandler reports process liveness and broker connectivity.
func NewHealthHandler(mgr Scheduler, version string, startedAt time.Time) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st := mgr.Status()
		resp := healthResponse{
			Status:        "ok",
			MQTTConnected: st.Connection == gateway.Connected,
			Version:       version,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		}
		if !resp.MQTTConnected {
			resp.Status = "degraded"
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

// NewMux assembles all charge endpoints on one mux.
func NewMux(mgr Scheduler, version string, startedAt time.Time) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/api/charge/schedule", NewScheduleHandler(mgr))
	mux.Handle("/api/charge/status", NewStatusHandler(mgr))
	mux.Handle("/api/charging/enable", NewEnableHandler(mgr))
	mux.Handle("/api/charging/disable", NewDisableHandler(mgr))
	mux.Handle("/api/health", NewHealthHandler(mgr, version, startedAt))
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeScheduleError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ve *model.ValidationError
	var ise *schedule.InvalidScheduleError
	switch {
	case errors.As(err, &ve), errors.As(err, &ise):
		status = http.StatusBadRequest
	case errors.Is(err, corecharge.ErrSessionConflict):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
