// Package alert implements the alert lifecycle state machine. Each
// (device, metric) pair owns at most one non-archived alert, keyed by the
// composite alert key; transitions are driven by the classification of each
// new observation and are isolated per key, so evaluations for unrelated
// devices never contend.
package alert

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/anomaly"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/shardmap"
)

// ErrAlertNotFound is returned by AcknowledgeAlert for an unknown id.
var ErrAlertNotFound = errors.New("alert not found")

// DefaultHistoryLimit bounds the in-memory archive of resolved alerts.
const DefaultHistoryLimit = 1000

// Config tunes the Manager.
type Config struct {
	// Thresholds maps metric name to (warning, critical) levels.
	Thresholds map[string][2]float64

	// ThresholdDuration is the durationHint recorded on each threshold.
	ThresholdDuration time.Duration

	// HistoryLimit caps the resolved-alert archive (DefaultHistoryLimit
	// when zero).
	HistoryLimit int

	// AnomalyTakesPriority keeps the source system's classification order:
	// a statistically anomalous value outranks a threshold breach. Setting
	// it false checks thresholds first and anomaly last.
	AnomalyTakesPriority bool
}

// Manager owns active alerts and the resolved-alert archive.
type Manager struct {
	thresholds *shardmap.Map[models.AlertThreshold]
	alerts     *shardmap.Map[*models.Alert]
	detector   *anomaly.Detector
	bus        *events.Bus
	log        *zap.Logger

	historyMu    sync.Mutex
	history      []models.Alert
	historyLimit int

	anomalyTakesPriority bool
}

// NewManager wires the state machine to a detector and event bus.
func NewManager(cfg Config, detector *anomaly.Detector, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	m := &Manager{
		thresholds:           shardmap.New[models.AlertThreshold](),
		alerts:               shardmap.New[*models.Alert](),
		detector:             detector,
		bus:                  bus,
		log:                  log,
		historyLimit:         limit,
		anomalyTakesPriority: cfg.AnomalyTakesPriority,
	}
	for metric, levels := range cfg.Thresholds {
		m.SetThreshold(metric, levels[0], levels[1], cfg.ThresholdDuration)
	}
	return m
}

// SetThreshold installs or replaces the alerting levels for a metric.
func (m *Manager) SetThreshold(metric string, warning, critical float64, duration time.Duration) {
	m.thresholds.Store(metric, models.AlertThreshold{
		Metric:        metric,
		WarningLevel:  warning,
		CriticalLevel: critical,
		Duration:      duration,
		Enabled:       true,
	})
}

// Thresholds returns a snapshot of the configured thresholds.
func (m *Manager) Thresholds() []models.AlertThreshold {
	var out []models.AlertThreshold
	m.thresholds.Range(func(_ string, t models.AlertThreshold) bool {
		out = append(out, t)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// classification is the outcome of scoring one observation.
type classification struct {
	level     models.AlertLevel
	threshold float64
	message   string
}

func (m *Manager) classify(metric string, value float64, th models.AlertThreshold, isAnomaly bool, zScore float64) *classification {
	anomalyCls := func() *classification {
		return &classification{
			level:   models.LevelAnomaly,
			message: fmt.Sprintf("anomalous %s value detected (z-score: %.2f)", metric, zScore),
		}
	}

	if m.anomalyTakesPriority && isAnomaly {
		return anomalyCls()
	}
	if value >= th.CriticalLevel {
		return &classification{
			level:     models.LevelCritical,
			threshold: th.CriticalLevel,
			message:   fmt.Sprintf("%s usage critically high: %.1f%%", metric, value),
		}
	}
	if value >= th.WarningLevel {
		return &classification{
			level:     models.LevelWarning,
			threshold: th.WarningLevel,
			message:   fmt.Sprintf("%s usage high: %.1f%%", metric, value),
		}
	}
	if isAnomaly {
		return anomalyCls()
	}
	return nil
}

// Evaluate feeds one observation through the detector and drives the alert
// state machine for (deviceKey, metric). It returns a snapshot of the alert
// when the call changed its state (created, updated, or resolved) and nil on
// a no-op, so callers know what to persist.
func (m *Manager) Evaluate(deviceKey, metric string, value float64) *models.Alert {
	th, ok := m.thresholds.Get(metric)
	if !ok || !th.Enabled {
		return nil
	}

	// Baseline first: the observation joins the window it is scored against.
	m.detector.UpdateBaseline(deviceKey, metric, value)
	isAnomaly, zScore := m.detector.Detect(deviceKey, metric, value)

	cls := m.classify(metric, value, th, isAnomaly, zScore)
	key := models.AlertKey(deviceKey, metric)
	now := time.Now().UTC()

	var snapshot *models.Alert
	var transition string

	if cls == nil {
		// Nothing qualifying: resolve the existing alert, if any.
		m.alerts.Mutate(key, func(a *models.Alert) *models.Alert {
			if a.Resolved {
				return a // already resolved: idempotent no-op
			}
			a.Resolved = true
			a.Timestamp = now
			a.Message = fmt.Sprintf("%s returned to normal levels", metric)
			cp := *a
			snapshot = &cp
			transition = "resolved"
			return a
		})
		if snapshot != nil {
			m.archive(*snapshot)
			metrics.AlertsTotal.WithLabelValues("resolved", string(snapshot.Level)).Inc()
			metrics.ActiveAlerts.Dec()
			m.publish(events.TypeAlertResolved, snapshot)
			m.log.Info("resolved alert",
				zap.String("alert", key),
				zap.String("device", deviceKey))
		}
		return snapshot
	}

	m.alerts.Update(key, func(a *models.Alert, exists bool) *models.Alert {
		if !exists {
			a = &models.Alert{
				ID:        key,
				DeviceKey: deviceKey,
				Metric:    metric,
				Level:     cls.level,
				Value:     value,
				Threshold: cls.threshold,
				Timestamp: now,
				Message:   cls.message,
			}
			cp := *a
			snapshot = &cp
			transition = "created"
			return a
		}
		// Refresh only on a level change or a reactivation; repeating the
		// same level on a live alert is a no-op to avoid alert churn.
		if a.Level == cls.level && !a.Resolved {
			return a
		}
		reactivated := a.Resolved
		a.Level = cls.level
		a.Value = value
		a.Threshold = cls.threshold
		a.Timestamp = now
		a.Message = cls.message
		a.Resolved = false
		cp := *a
		snapshot = &cp
		if reactivated {
			transition = "created"
		} else {
			transition = "updated"
		}
		return a
	})

	if snapshot == nil {
		return nil
	}

	metrics.AlertsTotal.WithLabelValues(transition, string(snapshot.Level)).Inc()
	switch transition {
	case "created":
		metrics.ActiveAlerts.Inc()
		m.publish(events.TypeAlertCreated, snapshot)
		m.log.Info("created alert",
			zap.String("alert", key),
			zap.String("device", deviceKey),
			zap.String("level", string(snapshot.Level)),
			zap.Float64("value", value))
	case "updated":
		m.publish(events.TypeAlertUpdated, snapshot)
		m.log.Info("updated alert",
			zap.String("alert", key),
			zap.String("device", deviceKey),
			zap.String("level", string(snapshot.Level)),
			zap.Float64("value", value))
	}
	return snapshot
}

// AcknowledgeAlert marks an alert as seen by an operator and returns the
// updated snapshot for persistence.
func (m *Manager) AcknowledgeAlert(id string) (*models.Alert, error) {
	var snapshot *models.Alert
	ok := m.alerts.Mutate(id, func(a *models.Alert) *models.Alert {
		a.Acknowledged = true
		cp := *a
		snapshot = &cp
		return a
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	m.log.Info("acknowledged alert", zap.String("alert", id))
	return snapshot, nil
}

// ActiveAlerts returns snapshot copies of every unresolved alert, ordered by
// timestamp (then id) for deterministic output.
func (m *Manager) ActiveAlerts() []models.Alert {
	var out []models.Alert
	m.alerts.Range(func(_ string, a *models.Alert) bool {
		if !a.Resolved {
			out = append(out, *a)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns a copy of the resolved-alert archive, oldest first.
func (m *Manager) History() []models.Alert {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	out := make([]models.Alert, len(m.history))
	copy(out, m.history)
	return out
}

// Restore reinstates an alert loaded from persistent storage, bypassing the
// state machine. Used at startup to rehydrate unresolved alerts.
func (m *Manager) Restore(a models.Alert) {
	cp := a
	m.alerts.Store(a.ID, &cp)
	if !a.Resolved {
		metrics.ActiveAlerts.Inc()
	}
}

func (m *Manager) archive(a models.Alert) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	m.history = append(m.history, a)
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
}

func (m *Manager) publish(eventType string, a *models.Alert) {
	if m.bus == nil {
		return
	}
	cp := *a
	m.bus.Publish(events.Event{
		Type:      eventType,
		DeviceKey: a.DeviceKey,
		Alert:     &cp,
		Message:   a.Message,
	})
}
