// Package store persists devices, metric observations, and alerts through a
// pool of pre-opened SQLite connections. The three tables it owns are the
// durable on-disk contract for external tooling.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/models"
)

// Store is the persistence interface the engine depends on.
type Store interface {
	// SaveDevice upserts one device row, keyed by its hardware identity.
	SaveDevice(ctx context.Context, d models.Device) error

	// LoadDevices returns every persisted device.
	LoadDevices(ctx context.Context) ([]models.Device, error)

	// SaveAlert upserts one alert row, keyed by the composite alert key.
	SaveAlert(ctx context.Context, a models.Alert) error

	// LoadAlerts returns persisted alerts; unresolvedOnly restricts the
	// result to alerts still active.
	LoadAlerts(ctx context.Context, unresolvedOnly bool) ([]models.Alert, error)

	// AppendMetric records one observation for (deviceKey, metric).
	AppendMetric(ctx context.Context, deviceKey, metric string, s models.MetricSample) error

	// RecentMetrics returns up to limit observations for (deviceKey, metric),
	// newest first.
	RecentMetrics(ctx context.Context, deviceKey, metric string, limit int) ([]models.MetricSample, error)

	// PruneResolvedAlerts deletes resolved alerts older than the cutoff and
	// reports how many rows went away.
	PruneResolvedAlerts(ctx context.Context, before time.Time) (int64, error)

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the pool and the underlying database.
	Close() error
}

// PersistenceError wraps any storage I/O failure. Callers log and continue;
// it must never take the scheduler down.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
