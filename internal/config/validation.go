package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate monitoring configuration
	if c.Monitoring.IntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "monitoring.interval_seconds",
			Message: fmt.Sprintf("interval must be at least 1 second, got %d", c.Monitoring.IntervalSeconds),
		})
	}
	if c.Monitoring.MaxHistorySize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "monitoring.max_history_size",
			Message: fmt.Sprintf("history size must be positive, got %d", c.Monitoring.MaxHistorySize),
		})
	}
	if c.Monitoring.MaxConcurrent < 1 {
		errs = append(errs, &ValidationError{
			Field:   "monitoring.max_concurrent",
			Message: fmt.Sprintf("concurrency bound must be positive, got %d", c.Monitoring.MaxConcurrent),
		})
	}
	if c.Monitoring.TaskTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "monitoring.task_timeout_seconds",
			Message: fmt.Sprintf("task timeout must be positive, got %d", c.Monitoring.TaskTimeoutSeconds),
		})
	}

	// Validate cache configuration
	if c.Cache.TTLSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "cache.ttl_seconds",
			Message: fmt.Sprintf("cache TTL must be positive, got %d", c.Cache.TTLSeconds),
		})
	}
	if c.Cache.MaxEntries < 1 {
		errs = append(errs, &ValidationError{
			Field:   "cache.max_entries",
			Message: fmt.Sprintf("cache capacity must be positive, got %d", c.Cache.MaxEntries),
		})
	}

	// Validate database configuration
	if c.Database.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		})
	}
	if c.Database.Connections < 1 {
		errs = append(errs, &ValidationError{
			Field:   "database.connections",
			Message: fmt.Sprintf("connection pool size must be positive, got %d", c.Database.Connections),
		})
	}

	// Validate anomaly configuration
	if c.Anomaly.ZThreshold <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.z_threshold",
			Message: fmt.Sprintf("z-score threshold must be positive, got %g", c.Anomaly.ZThreshold),
		})
	}
	if c.Anomaly.MinSamples < 2 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.min_samples",
			Message: fmt.Sprintf("at least 2 samples are needed to compute variance, got %d", c.Anomaly.MinSamples),
		})
	}
	if c.Anomaly.WindowSize < c.Anomaly.MinSamples {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.window_size",
			Message: fmt.Sprintf("window size %d is smaller than min_samples %d", c.Anomaly.WindowSize, c.Anomaly.MinSamples),
		})
	}

	// Validate alerting configuration
	if c.Alerting.HistoryLimit < 1 {
		errs = append(errs, &ValidationError{
			Field:   "alerting.history_limit",
			Message: fmt.Sprintf("history limit must be positive, got %d", c.Alerting.HistoryLimit),
		})
	}
	for metric, th := range c.Alerting.Thresholds {
		if th.Warning >= th.Critical {
			errs = append(errs, &ValidationError{
				Field:   "alerting.thresholds." + metric,
				Message: fmt.Sprintf("warning level %g must be below critical level %g", th.Warning, th.Critical),
			})
		}
	}

	// Validate server configuration
	if c.Server.Listen == "" {
		errs = append(errs, &ValidationError{
			Field:   "server.listen",
			Message: "listen address is required",
		})
	} else if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "server.listen",
			Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
		})
	}

	// Validate logging configuration
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("level must be one of debug|info|warn|error, got %q", c.Logging.Level),
		})
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("format must be json or text, got %q", c.Logging.Format),
		})
	}

	// Validate provider configuration
	if c.Provider.Kind != "simulated" {
		errs = append(errs, &ValidationError{
			Field:   "provider.kind",
			Message: fmt.Sprintf("unknown provider kind %q", c.Provider.Kind),
		})
	}
	if c.Provider.FailRate < 0 || c.Provider.FailRate > 1 {
		errs = append(errs, &ValidationError{
			Field:   "provider.fail_rate",
			Message: fmt.Sprintf("fail rate must be in [0,1], got %g", c.Provider.FailRate),
		})
	}

	return errs
}
