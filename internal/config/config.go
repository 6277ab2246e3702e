// Package config provides configuration management for fleetwatchd.
//
// Configuration sources (priority order, high to low):
//  1. CLI flags (highest priority)
//  2. Environment variables (FLEETWATCH_* prefix)
//  3. YAML config file (default: /etc/fleetwatch/config.yaml)
//  4. Built-in defaults (lowest priority)
package config

import "context"

// Threshold is one metric's alerting levels.
type Threshold struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

// Config contains all configuration fields.
type Config struct {
	// Monitoring loop configuration
	Monitoring struct {
		IntervalSeconds    int
		MaxHistorySize     int
		MaxConcurrent      int
		TaskTimeoutSeconds int
	}

	// Telemetry cache configuration
	Cache struct {
		TTLSeconds int
		MaxEntries int
	}

	// Database configuration
	Database struct {
		Path        string
		Connections int
	}

	// Anomaly detection configuration
	Anomaly struct {
		WindowSize int
		MinSamples int
		ZThreshold float64
	}

	// Alerting configuration
	Alerting struct {
		// AnomalyTakesPriority classifies a statistical anomaly ahead of a
		// threshold breach when both apply to the same observation.
		AnomalyTakesPriority bool
		HistoryLimit         int
		Thresholds           map[string]Threshold
	}

	// Server configuration
	Server struct {
		Listen string
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	// Telemetry provider configuration
	Provider struct {
		// Kind selects the provider implementation. "simulated" is the only
		// kind shipped with the engine; real transports register here.
		Kind     string
		FailRate float64
	}
}

// Manager defines the interface for configuration access.
type Manager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration file changes and delivers the reloaded
	// configuration. Only threshold and logging changes take effect without
	// a restart.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewManager creates a configuration manager reading configPath.
func NewManager(configPath string) Manager {
	return &viperManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
}

// NewManagerWithDefaults creates a manager with the default config path.
func NewManagerWithDefaults() Manager {
	return NewManager("/etc/fleetwatch/config.yaml")
}
