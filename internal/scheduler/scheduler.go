// Package scheduler runs the monitoring loop: a fixed-interval cycle that
// selects eligible devices, polls each under a concurrency bound and a
// per-device deadline, and routes the samples through anomaly detection and
// alert evaluation before persisting them.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fleetwatch/fleetwatch/internal/alert"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
	"github.com/fleetwatch/fleetwatch/internal/models"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/telemetry"
)

// Defaults matching the engine's shipped configuration.
const (
	DefaultInterval      = 5 * time.Second
	DefaultMaxHistory    = 100
	DefaultMaxConcurrent = 10
	DefaultTaskTimeout   = 30 * time.Second
)

// Config tunes the monitoring loop.
type Config struct {
	Interval      time.Duration
	MaxHistory    int
	MaxConcurrent int
	TaskTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
}

// deviceEntry is the registry slot for one device. The mutex guards both the
// device record and its metric histories; per-device locking keeps one slow
// device from blocking evaluation of the rest.
type deviceEntry struct {
	mu        sync.Mutex
	device    models.Device
	histories map[string][]models.MetricSample
}

// Scheduler owns the device registry and the polling loop.
type Scheduler struct {
	cfg      Config
	provider telemetry.Provider
	alerts   *alert.Manager
	store    store.Store
	bus      *events.Bus
	log      *zap.Logger

	registryMu sync.RWMutex
	registry   map[string]*deviceEntry

	// lifecycleMu serializes Start/Stop so cancel is never observed
	// mid-assignment; running is still read lock-free by the loop.
	lifecycleMu sync.Mutex
	running     atomic.Bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// cursor rotates the poll order across cycles so devices beyond the
	// concurrency cap still get their turn.
	cursor atomic.Uint64
}

// New wires the scheduler. store may be nil in tests that don't exercise
// persistence.
func New(cfg Config, provider telemetry.Provider, alerts *alert.Manager, st store.Store, bus *events.Bus, log *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		provider: provider,
		alerts:   alerts,
		store:    st,
		bus:      bus,
		log:      log,
		registry: make(map[string]*deviceEntry),
	}
}

// ---------------------------------------------------------------------------
// Device registry
// ---------------------------------------------------------------------------

// AddDevice registers or replaces a device. Metric histories survive
// re-registration of the same key.
func (s *Scheduler) AddDevice(d models.Device) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()

	if e, ok := s.registry[d.Key]; ok {
		e.mu.Lock()
		e.device = d.Clone()
		e.mu.Unlock()
		return
	}
	s.registry[d.Key] = &deviceEntry{
		device:    d.Clone(),
		histories: make(map[string][]models.MetricSample),
	}
}

// RemoveDevice drops a device and its in-memory histories.
func (s *Scheduler) RemoveDevice(key string) {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	delete(s.registry, key)
}

// SetMonitoring flips a device's monitoring flag. Returns false for an
// unknown key.
func (s *Scheduler) SetMonitoring(key string, enabled bool) bool {
	s.registryMu.RLock()
	e, ok := s.registry[key]
	s.registryMu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.device.MonitoringEnabled = enabled
	e.mu.Unlock()
	return true
}

// Device returns a snapshot of one device.
func (s *Scheduler) Device(key string) (models.Device, bool) {
	s.registryMu.RLock()
	e, ok := s.registry[key]
	s.registryMu.RUnlock()
	if !ok {
		return models.Device{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device.Clone(), true
}

// Devices returns snapshots of every registered device.
func (s *Scheduler) Devices() []models.Device {
	s.registryMu.RLock()
	entries := make([]*deviceEntry, 0, len(s.registry))
	for _, e := range s.registry {
		entries = append(entries, e)
	}
	s.registryMu.RUnlock()

	out := make([]models.Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.device.Clone())
		e.mu.Unlock()
	}
	return out
}

// MetricHistory returns the retained samples for one device metric, oldest
// first.
func (s *Scheduler) MetricHistory(key, metric string) []models.MetricSample {
	s.registryMu.RLock()
	e, ok := s.registry[key]
	s.registryMu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	hist := e.histories[metric]
	out := make([]models.MetricSample, len(hist))
	copy(out, hist)
	return out
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start launches the polling loop. A second Start while running is a no-op.
func (s *Scheduler) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.log.Info("monitoring started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stop halts the loop and waits for in-flight polls to finish. Idempotent.
func (s *Scheduler) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.log.Info("monitoring stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		started := time.Now()
		s.runCycle(ctx)
		elapsed := time.Since(started)

		metrics.PollCyclesTotal.Inc()
		metrics.CycleDuration.Observe(elapsed.Seconds())

		remainder := s.cfg.Interval - elapsed
		if remainder <= 0 {
			metrics.CycleOverrunsTotal.Inc()
			s.log.Warn("poll cycle overran interval",
				zap.Duration("elapsed", elapsed),
				zap.Duration("interval", s.cfg.Interval))
			remainder = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(remainder):
		}
	}
}

// ---------------------------------------------------------------------------
// Poll cycle
// ---------------------------------------------------------------------------

func (s *Scheduler) runCycle(ctx context.Context) {
	batch := s.selectBatch()
	if len(batch) == 0 {
		return
	}

	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	for _, e := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			break // shutting down
		}
		wg.Add(1)
		go func(e *deviceEntry) {
			defer wg.Done()
			defer sem.Release(1)
			s.pollDevice(ctx, e)
		}(e)
	}
	wg.Wait()

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:    events.TypeCycleCompleted,
			Message: "poll cycle completed",
		})
	}
}

// selectBatch picks up to MaxConcurrent eligible devices, rotating the start
// position each cycle so no device is starved when the fleet exceeds the cap.
func (s *Scheduler) selectBatch() []*deviceEntry {
	s.registryMu.RLock()
	keys := make([]string, 0, len(s.registry))
	for k := range s.registry {
		keys = append(keys, k)
	}
	entries := make(map[string]*deviceEntry, len(s.registry))
	for k, e := range s.registry {
		entries[k] = e
	}
	s.registryMu.RUnlock()

	eligible := make([]*deviceEntry, 0, len(keys))
	for _, k := range keys {
		e := entries[k]
		e.mu.Lock()
		ok := e.device.MonitoringEnabled
		e.mu.Unlock()
		if ok {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	start := int(s.cursor.Add(uint64(s.cfg.MaxConcurrent))-uint64(s.cfg.MaxConcurrent)) % len(eligible)
	n := len(eligible)
	if n > s.cfg.MaxConcurrent {
		n = s.cfg.MaxConcurrent
	}
	batch := make([]*deviceEntry, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, eligible[(start+i)%len(eligible)])
	}
	return batch
}

// pollDevice runs one device's poll under the task deadline: probe, fetch,
// record, evaluate, persist.
func (s *Scheduler) pollDevice(ctx context.Context, e *deviceEntry) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	e.mu.Lock()
	dev := e.device.Clone()
	e.mu.Unlock()

	reachable, err := s.provider.Connect(ctx, &dev)
	if err != nil || !reachable {
		s.recordFailure(ctx, e, err)
		return
	}

	values, err := s.provider.FetchMetrics(ctx, &dev)
	if err != nil {
		s.recordFailure(ctx, e, err)
		return
	}
	if err := telemetry.ValidateMetrics(dev.Key, values); err != nil {
		metrics.DevicePollsTotal.WithLabelValues("malformed").Inc()
		s.log.Warn("discarding malformed sample", zap.String("device", dev.Key), zap.Error(err))
		return
	}

	var services map[string]float64
	if sampler, ok := s.provider.(telemetry.ServiceSampler); ok {
		services, _ = sampler.SampleServices(ctx, &dev)
	}

	now := time.Now().UTC()
	statusChanged := s.recordSuccess(e, values, services, now)

	for metric, value := range values {
		created := s.alerts.Evaluate(dev.Key, metric, value)
		if created != nil && s.store != nil {
			if err := s.store.SaveAlert(ctx, *created); err != nil {
				s.log.Error("persist alert", zap.String("device", dev.Key), zap.Error(err))
			}
		}
		if s.store != nil {
			sample := models.MetricSample{Value: value, Timestamp: now}
			if err := s.store.AppendMetric(ctx, dev.Key, metric, sample); err != nil {
				s.log.Error("persist metric", zap.String("device", dev.Key), zap.Error(err))
			}
		}
	}

	if s.store != nil {
		// The device may have been removed while this poll was in flight.
		if snapshot, ok := s.Device(dev.Key); ok {
			if err := s.store.SaveDevice(ctx, snapshot); err != nil {
				s.log.Error("persist device", zap.String("device", dev.Key), zap.Error(err))
			}
		}
	}
	if statusChanged && s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeDeviceStatus,
			DeviceKey: dev.Key,
			Message:   string(models.StatusOnline),
		})
	}
	metrics.DevicePollsTotal.WithLabelValues("ok").Inc()
}

// recordSuccess updates the device record and metric histories after a good
// poll. Reports whether the device status changed.
func (s *Scheduler) recordSuccess(e *deviceEntry, values, services map[string]float64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := e.device.Status != models.StatusOnline
	e.device.Status = models.StatusOnline
	e.device.ConnectionErrors = 0
	e.device.LastUpdate = &now
	if services != nil {
		e.device.Services = services
	}

	for metric, value := range values {
		hist := append(e.histories[metric], models.MetricSample{Value: value, Timestamp: now})
		if len(hist) > s.cfg.MaxHistory {
			hist = hist[len(hist)-s.cfg.MaxHistory:]
		}
		e.histories[metric] = hist
	}
	return changed
}

// recordFailure bumps the error counter and marks the device
// connection_failed. The device stays registered; a successful connect on a
// later cycle is its recovery path.
func (s *Scheduler) recordFailure(ctx context.Context, e *deviceEntry, cause error) {
	if ctx.Err() == context.DeadlineExceeded {
		metrics.PollTimeoutsTotal.Inc()
	}
	metrics.DevicePollsTotal.WithLabelValues("failed").Inc()

	e.mu.Lock()
	e.device.ConnectionErrors++
	key := e.device.Key
	changed := e.device.Status != models.StatusConnectionFailed
	e.device.Status = models.StatusConnectionFailed
	snapshot := e.device.Clone()
	e.mu.Unlock()

	s.log.Warn("device poll failed",
		zap.String("device", key),
		zap.Uint("consecutive_errors", snapshot.ConnectionErrors),
		zap.Error(cause))

	if s.store != nil {
		// The poll context may already be past its deadline; give the
		// status write its own.
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.SaveDevice(pctx, snapshot); err != nil {
			s.log.Error("persist device", zap.String("device", key), zap.Error(err))
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.TypeLog,
			DeviceKey: key,
			Message:   "device poll failed",
		})
		if changed {
			s.bus.Publish(events.Event{
				Type:      events.TypeDeviceStatus,
				DeviceKey: key,
				Message:   string(models.StatusConnectionFailed),
			})
		}
	}
}
