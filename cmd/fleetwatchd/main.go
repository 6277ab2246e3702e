// Package main is the entry point for the fleetwatchd daemon.
//
// Responsibilities:
//   - Load and validate configuration from YAML, environment variables, and CLI flags
//   - Open the SQLite store and rehydrate persisted devices and unresolved alerts
//   - Wire the telemetry provider, anomaly detector, alert manager, and scheduler
//   - Serve the REST API, WebSocket event stream, and Prometheus metrics
//   - Implement graceful shutdown with context cancellation
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetwatch/fleetwatch/internal/alert"
	"github.com/fleetwatch/fleetwatch/internal/anomaly"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/scheduler"
	"github.com/fleetwatch/fleetwatch/internal/server"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
)

var (
	configFlag string
	dbFlag     string
	listenFlag string
)

var rootCmd = &cobra.Command{
	Use:   "fleetwatchd",
	Short: "Device monitoring and alerting daemon",
	Long: `fleetwatchd polls managed devices for telemetry, detects threshold
breaches and statistical anomalies, and exposes alerts over a REST API and
WebSocket event stream.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "/etc/fleetwatch/config.yaml", "path to config file")
	rootCmd.Flags().StringVar(&dbFlag, "db", "", "database path (overrides config)")
	rootCmd.Flags().StringVar(&listenFlag, "listen", "", "listen address (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fleetwatchd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	mgr := config.NewManager(configFlag)
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg := mgr.Get(ctx)

	// CLI flags outrank every other source.
	if dbFlag != "" {
		cfg.Database.Path = dbFlag
	}
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}

	if err := mgr.Validate(ctx); err != nil {
		return err
	}

	log, err := logging.New(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("fleetwatchd starting",
		zap.String("config", configFlag),
		zap.String("database", cfg.Database.Path),
		zap.String("listen", cfg.Server.Listen))

	st, err := store.Open(cfg.Database.Path, cfg.Database.Connections, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus()

	detector := anomaly.NewDetector(
		anomaly.WithWindowSize(cfg.Anomaly.WindowSize),
		anomaly.WithMinSamples(cfg.Anomaly.MinSamples),
		anomaly.WithZThreshold(cfg.Anomaly.ZThreshold),
	)

	thresholds := make(map[string][2]float64, len(cfg.Alerting.Thresholds))
	for metric, th := range cfg.Alerting.Thresholds {
		thresholds[metric] = [2]float64{th.Warning, th.Critical}
	}
	alerts := alert.NewManager(alert.Config{
		Thresholds:           thresholds,
		HistoryLimit:         cfg.Alerting.HistoryLimit,
		AnomalyTakesPriority: cfg.Alerting.AnomalyTakesPriority,
	}, detector, bus, log.Named("alerts"))

	var provider telemetry.Provider = telemetry.NewCachedProvider(
		telemetry.NewSimulated(cfg.Provider.FailRate),
		cfg.Cache.MaxEntries,
		time.Duration(cfg.Cache.TTLSeconds)*time.Second,
	)

	sched := scheduler.New(scheduler.Config{
		Interval:      time.Duration(cfg.Monitoring.IntervalSeconds) * time.Second,
		MaxHistory:    cfg.Monitoring.MaxHistorySize,
		MaxConcurrent: cfg.Monitoring.MaxConcurrent,
		TaskTimeout:   time.Duration(cfg.Monitoring.TaskTimeoutSeconds) * time.Second,
	}, provider, alerts, st, bus, log.Named("scheduler"))

	if err := rehydrate(ctx, st, sched, alerts, log); err != nil {
		return err
	}

	// Threshold updates from a config file edit take effect without restart.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchThresholds(watchCtx, mgr, alerts, log)

	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Listen:         cfg.Server.Listen,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, sched, alerts, st, bus, log.Named("http"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	log.Info("fleetwatchd stopped")
	return nil
}

// rehydrate loads persisted devices and unresolved alerts so a restart
// continues where the previous process left off.
func rehydrate(ctx context.Context, st store.Store, sched *scheduler.Scheduler, alerts *alert.Manager, log *zap.Logger) error {
	devices, err := st.LoadDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	for _, d := range devices {
		sched.AddDevice(d)
	}

	unresolved, err := st.LoadAlerts(ctx, true)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	for _, a := range unresolved {
		alerts.Restore(a)
	}

	log.Info("state rehydrated",
		zap.Int("devices", len(devices)),
		zap.Int("unresolved_alerts", len(unresolved)))
	return nil
}

// watchThresholds applies alerting threshold changes from config reloads.
func watchThresholds(ctx context.Context, mgr config.Manager, alerts *alert.Manager, log *zap.Logger) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			for metric, th := range cfg.Alerting.Thresholds {
				if th.Warning >= th.Critical {
					log.Warn("ignoring inverted threshold from reload",
						zap.String("metric", metric),
						zap.Float64("warning", th.Warning),
						zap.Float64("critical", th.Critical))
					continue
				}
				alerts.SetThreshold(metric, th.Warning, th.Critical, 0)
			}
			log.Info("thresholds reloaded", zap.Int("metrics", len(cfg.Alerting.Thresholds)))
		}
	}
}
