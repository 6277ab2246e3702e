// Package telemetry abstracts how metric samples are collected from managed
// devices. The scheduler only sees the Provider interface; the concrete
// transport (SSH, agent RPC, or the simulated provider used in development
// builds) is wired in at startup.
package telemetry

import (
	"context"
	"fmt"

	"github.com/fleetwatch/fleetwatch/internal/models"
)

// Required metric names every provider must report. Values are percentages
// in [0, 100].
const (
	MetricCPU    = "cpu"
	MetricMemory = "memory"
	MetricDisk   = "disk"
)

// Provider collects telemetry from a single device. Implementations must be
// safe for concurrent use: the scheduler calls one goroutine per device.
type Provider interface {
	// Connect probes reachability. It returns (false, nil) for an ordinary
	// unreachable device and a non-nil error only for faults in the probe
	// itself (bad address, cancelled context).
	Connect(ctx context.Context, device *models.Device) (bool, error)

	// FetchMetrics returns the current metric values for the device. The map
	// always contains cpu, memory and disk; providers may add more.
	FetchMetrics(ctx context.Context, device *models.Device) (map[string]float64, error)
}

// ServiceSampler is implemented by providers that can also report per-service
// resource usage (process name to CPU percentage).
type ServiceSampler interface {
	SampleServices(ctx context.Context, device *models.Device) (map[string]float64, error)
}

// MalformedMetricsError reports a provider response missing a required metric
// or carrying an out-of-range value. The sample is discarded; the device is
// not marked failed.
type MalformedMetricsError struct {
	DeviceKey string
	Reason    string
}

func (e *MalformedMetricsError) Error() string {
	return fmt.Sprintf("malformed metrics from %s: %s", e.DeviceKey, e.Reason)
}

// ValidateMetrics checks a provider response for the required metric names
// and sane percentage ranges.
func ValidateMetrics(deviceKey string, values map[string]float64) error {
	for _, name := range []string{MetricCPU, MetricMemory, MetricDisk} {
		v, ok := values[name]
		if !ok {
			return &MalformedMetricsError{DeviceKey: deviceKey, Reason: "missing metric " + name}
		}
		if v < 0 || v > 100 {
			return &MalformedMetricsError{
				DeviceKey: deviceKey,
				Reason:    fmt.Sprintf("metric %s out of range: %.2f", name, v),
			}
		}
	}
	return nil
}
