package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/alert"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, map[string]any{
		"status":     status,
		"monitoring": s.scheduler.Running(),
	})
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Devices())
}

func (s *Server) handleSetMonitoring(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.scheduler.SetMonitoring(key, body.Enabled) {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	device, _ := s.scheduler.Device(key)
	s.writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = telemetry.MetricCPU
	}

	if _, ok := s.scheduler.Device(key); !ok {
		s.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	// The in-memory history covers the recent window; older samples come
	// from the store when a larger limit is requested.
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	history := s.scheduler.MetricHistory(key, metric)
	if limit > len(history) && s.store != nil {
		stored, err := s.store.RecentMetrics(r.Context(), key, metric, limit)
		if err != nil {
			s.log.Error("load metric history", zap.String("device", key), zap.Error(err))
		} else if len(stored) > len(history) {
			// RecentMetrics returns newest first; present oldest first.
			for i, j := 0, len(stored)-1; i < j; i, j = i+1, j-1 {
				stored[i], stored[j] = stored[j], stored[i]
			}
			history = stored
		}
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"device":  key,
		"metric":  metric,
		"samples": history,
	})
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.alerts.ActiveAlerts())
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.alerts.History())
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	acked, err := s.alerts.AcknowledgeAlert(id)
	if err != nil {
		if errors.Is(err, alert.ErrAlertNotFound) {
			s.writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "acknowledge failed")
		return
	}

	if s.store != nil {
		if err := s.store.SaveAlert(r.Context(), *acked); err != nil {
			s.log.Error("persist acknowledged alert", zap.String("alert", id), zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusOK, acked)
}

// ---------------------------------------------------------------------------
// Monitoring control
// ---------------------------------------------------------------------------

func (s *Server) handleMonitoringStart(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Start()
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleMonitoringStop(w http.ResponseWriter, r *http.Request) {
	s.scheduler.Stop()
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleMonitoringStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.scheduler.Devices()
	enabled := 0
	for _, d := range devices {
		if d.MonitoringEnabled {
			enabled++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running":            s.scheduler.Running(),
		"devices":            len(devices),
		"monitoring_enabled": enabled,
		"active_alerts":      len(s.alerts.ActiveAlerts()),
	})
}

// ---------------------------------------------------------------------------
// Thresholds
// ---------------------------------------------------------------------------

type thresholdBody struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.alerts.Thresholds())
}

func (s *Server) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	var body map[string]thresholdBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for metric, th := range body {
		if th.Warning >= th.Critical {
			s.writeError(w, http.StatusBadRequest,
				"warning level must be below critical level for "+metric)
			return
		}
	}
	for metric, th := range body {
		s.alerts.SetThreshold(metric, th.Warning, th.Critical, time.Duration(0))
	}
	s.writeJSON(w, http.StatusOK, s.alerts.Thresholds())
}
