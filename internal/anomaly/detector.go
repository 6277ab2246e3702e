// Package anomaly maintains per-(device, metric) rolling baselines and
// classifies new observations by z-score against the current window.
//
// Ordering contract: callers feed the observation through UpdateBaseline
// first and call Detect afterwards, so the probed value is part of the
// window it is scored against. A lone outlier therefore slightly dampens
// its own z-score; the trade is deliberate to keep both operations driven
// off the same window.
package anomaly

import (
	"math"

	"github.com/fleetwatch/fleetwatch/internal/metrics"
	"github.com/fleetwatch/fleetwatch/internal/shardmap"
)

// Defaults used when the corresponding Option is not given.
const (
	DefaultWindowSize = 100
	DefaultMinSamples = 20
	DefaultZThreshold = 2.5
	DefaultEpsilon    = 0.001
)

// Detector keeps a bounded sample window per (entity, metric) key and
// computes population statistics over it. Safe for concurrent use;
// windows for distinct keys never contend.
type Detector struct {
	baselines  *shardmap.Map[*window]
	windowSize int
	minSamples int
	zThreshold float64
	epsilon    float64
}

// window is a FIFO ring of the most recent samples for one key.
type window struct {
	values []float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindowSize bounds each baseline to n samples (oldest dropped first).
func WithWindowSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.windowSize = n
		}
	}
}

// WithMinSamples sets how many samples a window needs before Detect
// produces a classification.
func WithMinSamples(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.minSamples = n
		}
	}
}

// WithZThreshold sets the |z| above which a value is anomalous.
func WithZThreshold(z float64) Option {
	return func(d *Detector) {
		if z > 0 {
			d.zThreshold = z
		}
	}
}

// NewDetector returns a Detector with the given options applied over the
// package defaults.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		baselines:  shardmap.New[*window](),
		windowSize: DefaultWindowSize,
		minSamples: DefaultMinSamples,
		zThreshold: DefaultZThreshold,
		epsilon:    DefaultEpsilon,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func baselineKey(entityKey, metric string) string {
	return entityKey + "_" + metric
}

// UpdateBaseline appends value to the window for (entityKey, metric),
// evicting the oldest sample once the window is full.
func (d *Detector) UpdateBaseline(entityKey, metric string, value float64) {
	d.baselines.Update(baselineKey(entityKey, metric), func(w *window, ok bool) *window {
		if !ok {
			w = &window{values: make([]float64, 0, d.windowSize)}
		}
		w.values = append(w.values, value)
		if len(w.values) > d.windowSize {
			w.values = w.values[1:]
		}
		return w
	})
}

// Detect reports whether value is anomalous for (entityKey, metric) and the
// absolute z-score. It recomputes mean and standard deviation over the
// current window on every call. Windows with fewer than the minimum sample
// count, or with near-zero variance, never classify as anomalous and score 0.
func (d *Detector) Detect(entityKey, metric string, value float64) (bool, float64) {
	mean, stdDev, n := d.stats(entityKey, metric)
	if n < d.minSamples || stdDev <= d.epsilon {
		return false, 0.0
	}
	z := math.Abs((value - mean) / stdDev)
	if z > d.zThreshold {
		metrics.AnomaliesDetected.Inc()
		return true, z
	}
	return false, z
}

// BaselineStats returns the current mean and standard deviation for
// (entityKey, metric). ok is false until at least 10 samples exist.
func (d *Detector) BaselineStats(entityKey, metric string) (mean, stdDev float64, ok bool) {
	mean, stdDev, n := d.stats(entityKey, metric)
	if n < 10 {
		return 0, 0, false
	}
	return mean, stdDev, true
}

func (d *Detector) stats(entityKey, metric string) (mean, stdDev float64, n int) {
	// Copy under the shard lock so a concurrent UpdateBaseline cannot
	// resize the slice out from under us.
	var data []float64
	d.baselines.View(baselineKey(entityKey, metric), func(w *window, ok bool) {
		if ok {
			data = append([]float64(nil), w.values...)
		}
	})

	n = len(data)
	if n == 0 {
		return 0, 0, 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	mean = sum / float64(n)

	variance := 0.0
	for _, v := range data {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance), n
}
