package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// viperManager implements Manager using Viper.
type viperManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("FLEETWATCH")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional: defaults plus env vars are a complete
	// configuration.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperManager) setDefaults() {
	defaults := DefaultConfig()

	// Monitoring defaults
	m.viper.SetDefault("monitoring.interval_seconds", defaults.Monitoring.IntervalSeconds)
	m.viper.SetDefault("monitoring.max_history_size", defaults.Monitoring.MaxHistorySize)
	m.viper.SetDefault("monitoring.max_concurrent", defaults.Monitoring.MaxConcurrent)
	m.viper.SetDefault("monitoring.task_timeout_seconds", defaults.Monitoring.TaskTimeoutSeconds)

	// Cache defaults
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)
	m.viper.SetDefault("cache.max_entries", defaults.Cache.MaxEntries)

	// Database defaults
	m.viper.SetDefault("database.path", defaults.Database.Path)
	m.viper.SetDefault("database.connections", defaults.Database.Connections)

	// Anomaly defaults
	m.viper.SetDefault("anomaly.window_size", defaults.Anomaly.WindowSize)
	m.viper.SetDefault("anomaly.min_samples", defaults.Anomaly.MinSamples)
	m.viper.SetDefault("anomaly.z_threshold", defaults.Anomaly.ZThreshold)

	// Alerting defaults
	m.viper.SetDefault("alerting.anomaly_takes_priority", defaults.Alerting.AnomalyTakesPriority)
	m.viper.SetDefault("alerting.history_limit", defaults.Alerting.HistoryLimit)
	for metric, th := range defaults.Alerting.Thresholds {
		m.viper.SetDefault("alerting.thresholds."+metric+".warning", th.Warning)
		m.viper.SetDefault("alerting.thresholds."+metric+".critical", th.Critical)
	}

	// Server defaults
	m.viper.SetDefault("server.listen", defaults.Server.Listen)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)

	// Provider defaults
	m.viper.SetDefault("provider.kind", defaults.Provider.Kind)
	m.viper.SetDefault("provider.fail_rate", defaults.Provider.FailRate)
}

// unmarshalConfig unmarshals viper config into the Config struct.
func (m *viperManager) unmarshalConfig() error {
	cfg := &Config{}

	// Monitoring
	cfg.Monitoring.IntervalSeconds = m.viper.GetInt("monitoring.interval_seconds")
	cfg.Monitoring.MaxHistorySize = m.viper.GetInt("monitoring.max_history_size")
	cfg.Monitoring.MaxConcurrent = m.viper.GetInt("monitoring.max_concurrent")
	cfg.Monitoring.TaskTimeoutSeconds = m.viper.GetInt("monitoring.task_timeout_seconds")

	// Cache
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")
	cfg.Cache.MaxEntries = m.viper.GetInt("cache.max_entries")

	// Database
	cfg.Database.Path = m.viper.GetString("database.path")
	cfg.Database.Connections = m.viper.GetInt("database.connections")

	// Anomaly
	cfg.Anomaly.WindowSize = m.viper.GetInt("anomaly.window_size")
	cfg.Anomaly.MinSamples = m.viper.GetInt("anomaly.min_samples")
	cfg.Anomaly.ZThreshold = m.viper.GetFloat64("anomaly.z_threshold")

	// Alerting
	cfg.Alerting.AnomalyTakesPriority = m.viper.GetBool("alerting.anomaly_takes_priority")
	cfg.Alerting.HistoryLimit = m.viper.GetInt("alerting.history_limit")
	// A config file that sets any thresholds entry shadows the nested
	// defaults for the metrics it does not mention, so file values are
	// merged over the default map rather than read back key by key.
	cfg.Alerting.Thresholds = make(map[string]Threshold)
	for metric, th := range DefaultConfig().Alerting.Thresholds {
		cfg.Alerting.Thresholds[metric] = th
	}
	for metric, raw := range m.viper.GetStringMap("alerting.thresholds") {
		levels, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		th := cfg.Alerting.Thresholds[metric]
		if v, ok := levels["warning"]; ok {
			if w, err := cast.ToFloat64E(v); err == nil {
				th.Warning = w
			}
		}
		if v, ok := levels["critical"]; ok {
			if c, err := cast.ToFloat64E(v); err == nil {
				th.Critical = c
			}
		}
		cfg.Alerting.Thresholds[metric] = th
	}

	// Server
	cfg.Server.Listen = m.viper.GetString("server.listen")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	// Provider
	cfg.Provider.Kind = m.viper.GetString("provider.kind")
	cfg.Provider.FailRate = m.viper.GetFloat64("provider.fail_rate")

	m.config = cfg
	return nil
}
