package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics for production monitoring
var (
	// Scheduler metrics
	PollCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_poll_cycles_total",
			Help: "Total number of completed monitoring cycles",
		},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_cycle_duration_seconds",
			Help:    "Monitoring cycle duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
	)

	CycleOverrunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_cycle_overruns_total",
			Help: "Total number of cycles that exceeded the monitoring interval",
		},
	)

	DevicePollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_device_polls_total",
			Help: "Total number of per-device poll tasks",
		},
		[]string{"status"}, // ok / connect_failed / malformed / timeout / error
	)

	PollTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_poll_timeouts_total",
			Help: "Total number of per-device poll tasks abandoned on timeout",
		},
	)

	// Alert metrics
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_alerts_total",
			Help: "Total number of alert transitions",
		},
		[]string{"transition", "level"}, // transition: created / updated / resolved
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_active_alerts",
			Help: "Number of currently unresolved alerts",
		},
	)

	AnomaliesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_anomalies_detected_total",
			Help: "Total number of z-score anomaly detections",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_cache_hits_total",
			Help: "Total number of telemetry cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_cache_misses_total",
			Help: "Total number of telemetry cache misses",
		},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_cache_evictions_total",
			Help: "Total number of telemetry cache evictions",
		},
		[]string{"reason"}, // expired / capacity
	)

	// Store metrics
	DegradedConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_store_degraded_connections_total",
			Help: "Total number of transient connections opened because the pool was exhausted",
		},
	)

	PersistenceErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_store_persistence_errors_total",
			Help: "Total number of storage write failures surfaced to callers",
		},
	)
)
