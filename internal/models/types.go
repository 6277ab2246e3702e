package models

// Package models defines the core data types shared by the fleetwatch
// monitoring engine: devices, metric samples, alert thresholds, and alerts.

import (
	"encoding/json"
	"time"
)

// DeviceStatus is the reachability state of a managed device.
type DeviceStatus string

const (
	StatusOnline           DeviceStatus = "online"
	StatusConnectionFailed DeviceStatus = "connection_failed"
	StatusUnknown          DeviceStatus = "unknown"
)

// AlertLevel classifies the severity of an alert.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
	LevelAnomaly  AlertLevel = "anomaly"
)

// Device is a managed host known to the engine. Key is the stable hardware
// identity (e.g. the MAC address) and is the primary key everywhere: the
// registry, the devices table, and alert identities.
type Device struct {
	Key               string             `json:"key"`
	Address           string             `json:"address"`
	Hostname          string             `json:"hostname"`
	OSType            string             `json:"os_type"`
	Status            DeviceStatus       `json:"status"`
	MonitoringEnabled bool               `json:"monitoring_enabled"`
	ConnectionErrors  uint               `json:"connection_errors"`
	LastUpdate        *time.Time         `json:"last_update,omitempty"`
	HardwareInfo      json.RawMessage    `json:"hardware_info,omitempty"`
	Services          map[string]float64 `json:"services,omitempty"`
}

// Clone returns a deep copy safe to hand to consumers.
func (d Device) Clone() Device {
	out := d
	if d.LastUpdate != nil {
		ts := *d.LastUpdate
		out.LastUpdate = &ts
	}
	if d.HardwareInfo != nil {
		out.HardwareInfo = append(json.RawMessage(nil), d.HardwareInfo...)
	}
	if d.Services != nil {
		out.Services = make(map[string]float64, len(d.Services))
		for k, v := range d.Services {
			out.Services[k] = v
		}
	}
	return out
}

// MetricSample is a single observation of one metric. Immutable once created.
type MetricSample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertThreshold is the per-metric alerting configuration. Read-only at
// runtime except through Manager.SetThreshold.
type AlertThreshold struct {
	Metric        string        `json:"metric"`
	WarningLevel  float64       `json:"warning_level"`
	CriticalLevel float64       `json:"critical_level"`
	Duration      time.Duration `json:"duration"`
	Enabled       bool          `json:"enabled"`
}

// Alert is a raised condition for one (device, metric) pair. Its ID is the
// composite alert key; there is at most one non-archived alert per key.
type Alert struct {
	ID           string     `json:"id"`
	DeviceKey    string     `json:"device_key"`
	Metric       string     `json:"metric"`
	Level        AlertLevel `json:"level"`
	Value        float64    `json:"value"`
	Threshold    float64    `json:"threshold"`
	Timestamp    time.Time  `json:"timestamp"`
	Acknowledged bool       `json:"acknowledged"`
	Resolved     bool       `json:"resolved"`
	Message      string     `json:"message"`
}

// AlertKey builds the composite identity for a (device, metric) pair.
func AlertKey(deviceKey, metric string) string {
	return deviceKey + "_" + metric
}
