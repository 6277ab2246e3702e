package config

// DefaultConfig returns the built-in defaults. They are a complete working
// configuration for a single-node deployment with the simulated provider.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Monitoring.IntervalSeconds = 5
	cfg.Monitoring.MaxHistorySize = 100
	cfg.Monitoring.MaxConcurrent = 10
	cfg.Monitoring.TaskTimeoutSeconds = 30

	cfg.Cache.TTLSeconds = 300
	cfg.Cache.MaxEntries = 1000

	cfg.Database.Path = "fleetwatch.db"
	cfg.Database.Connections = 5

	cfg.Anomaly.WindowSize = 100
	cfg.Anomaly.MinSamples = 20
	cfg.Anomaly.ZThreshold = 2.5

	cfg.Alerting.AnomalyTakesPriority = true
	cfg.Alerting.HistoryLimit = 1000
	cfg.Alerting.Thresholds = map[string]Threshold{
		"cpu":    {Warning: 80, Critical: 95},
		"memory": {Warning: 85, Critical: 95},
		"disk":   {Warning: 90, Critical: 98},
	}

	cfg.Server.Listen = ":8098"
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28

	cfg.Provider.Kind = "simulated"
	cfg.Provider.FailRate = 0.1

	return cfg
}
