package telemetry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/models"
)

// Simulated is a Provider that synthesizes plausible telemetry without
// touching a real device. Each metric follows a slow sinusoid around a
// per-device baseline with random jitter, so anomaly detection and threshold
// alerts both have something to chew on during development.
type Simulated struct {
	mu       sync.Mutex
	rng      *rand.Rand
	start    time.Time
	failRate float64

	// spikes maps device key to a forced metric spike, consumed on the next
	// fetch. Used to provoke alerts on demand.
	spikes map[string]map[string]float64
}

// NewSimulated returns a simulated provider. failRate in [0,1] is the
// probability a Connect probe reports the device unreachable.
func NewSimulated(failRate float64) *Simulated {
	return &Simulated{
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		start:    time.Now(),
		failRate: failRate,
		spikes:   make(map[string]map[string]float64),
	}
}

func (s *Simulated) Connect(ctx context.Context, device *models.Device) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	fail := s.rng.Float64() < s.failRate
	s.mu.Unlock()
	return !fail, nil
}

func (s *Simulated) FetchMetrics(ctx context.Context, device *models.Device) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.start).Seconds()
	seed := float64(hashKey(device.Key) % 97)

	values := map[string]float64{
		MetricCPU:    s.wave(35, 20, elapsed/60+seed, 4),
		MetricMemory: s.wave(55, 15, elapsed/300+seed, 2),
		MetricDisk:   s.wave(60, 5, elapsed/3600+seed, 1),
	}

	if spike, ok := s.spikes[device.Key]; ok {
		for metric, v := range spike {
			values[metric] = v
		}
		delete(s.spikes, device.Key)
	}
	return values, nil
}

// SampleServices synthesizes a small fixed process table.
func (s *Simulated) SampleServices(ctx context.Context, device *models.Device) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]float64{
		"sshd":    s.rng.Float64() * 2,
		"systemd": s.rng.Float64(),
		"cron":    s.rng.Float64() * 0.5,
	}, nil
}

// Spike forces the given metric value on the device's next fetch.
func (s *Simulated) Spike(deviceKey, metric string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spikes[deviceKey] == nil {
		s.spikes[deviceKey] = make(map[string]float64)
	}
	s.spikes[deviceKey][metric] = value
}

// wave produces base + amplitude*sin(phase) + jitter, clamped to [0,100].
func (s *Simulated) wave(base, amplitude, phase, jitter float64) float64 {
	v := base + amplitude*math.Sin(phase) + (s.rng.Float64()-0.5)*2*jitter
	return math.Min(100, math.Max(0, v))
}

func hashKey(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}
