package anomaly

import (
	"math"
	"testing"
)

func TestDetectRequiresMinimumSamples(t *testing.T) {
	d := NewDetector()

	// 19 samples is one short of the default minimum.
	for i := 0; i < 19; i++ {
		d.UpdateBaseline("dev1", "cpu", float64(i%7))
	}

	for _, probe := range []float64{-1e9, 0, 50, 1e9} {
		anomalous, z := d.Detect("dev1", "cpu", probe)
		if anomalous || z != 0.0 {
			t.Errorf("Detect(%v) with 19 samples = (%v, %v), want (false, 0.0)", probe, anomalous, z)
		}
	}
}

func TestDetectZeroVarianceNeverFlags(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 50; i++ {
		d.UpdateBaseline("dev1", "cpu", 42.0)
	}

	for _, probe := range []float64{42, 0, 1000, -1000} {
		anomalous, z := d.Detect("dev1", "cpu", probe)
		if anomalous {
			t.Errorf("Detect(%v) flagged anomaly on a zero-variance window", probe)
		}
		if z != 0.0 {
			t.Errorf("Detect(%v) z = %v, want 0.0", probe, z)
		}
	}
}

func TestDetectFlagsOutlier(t *testing.T) {
	d := NewDetector()
	// Alternate around 50 so the window has real variance.
	for i := 0; i < 40; i++ {
		d.UpdateBaseline("dev1", "cpu", 50+float64(i%5))
	}

	anomalous, z := d.Detect("dev1", "cpu", 99)
	if !anomalous {
		t.Fatalf("expected 99 to be anomalous against a ~52 baseline, z = %v", z)
	}
	if z <= DefaultZThreshold {
		t.Errorf("z = %v, want > %v", z, DefaultZThreshold)
	}
}

func TestDetectNormalValueNotFlagged(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 40; i++ {
		d.UpdateBaseline("dev1", "cpu", 50+float64(i%5))
	}

	anomalous, z := d.Detect("dev1", "cpu", 52)
	if anomalous {
		t.Errorf("52 flagged anomalous against a ~52 baseline (z = %v)", z)
	}
	if z < 0 {
		t.Errorf("z-score must be absolute, got %v", z)
	}
}

func TestUpdateBaselineEvictsOldest(t *testing.T) {
	d := NewDetector(WithWindowSize(25))

	// Fill with a low plateau, then overwrite the window with a high one.
	for i := 0; i < 25; i++ {
		d.UpdateBaseline("dev1", "mem", 10)
	}
	for i := 0; i < 25; i++ {
		d.UpdateBaseline("dev1", "mem", 90+float64(i%3))
	}

	mean, _, ok := d.BaselineStats("dev1", "mem")
	if !ok {
		t.Fatal("expected baseline stats to be available")
	}
	if mean < 85 {
		t.Errorf("mean = %v; old samples were not evicted from the window", mean)
	}
}

// The observed value is appended to the window before Detect scores it, so an
// outlier dampens its own z-score but is still flagged.
func TestUpdateThenDetectOrdering(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 30; i++ {
		d.UpdateBaseline("dev1", "disk", 50+float64(i%5))
	}

	_, zBefore := d.Detect("dev1", "disk", 99)
	d.UpdateBaseline("dev1", "disk", 99)
	anomalous, zAfter := d.Detect("dev1", "disk", 99)

	if !anomalous {
		t.Fatal("outlier no longer anomalous after joining its own baseline")
	}
	if zAfter >= zBefore {
		t.Errorf("expected dampened z-score: before=%v after=%v", zBefore, zAfter)
	}
}

func TestBaselineStatsRequiresTenSamples(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 9; i++ {
		d.UpdateBaseline("dev1", "cpu", float64(i))
	}
	if _, _, ok := d.BaselineStats("dev1", "cpu"); ok {
		t.Error("stats available with fewer than 10 samples")
	}

	d.UpdateBaseline("dev1", "cpu", 9)
	mean, stdDev, ok := d.BaselineStats("dev1", "cpu")
	if !ok {
		t.Fatal("stats unavailable with 10 samples")
	}
	if math.Abs(mean-4.5) > 1e-9 {
		t.Errorf("mean = %v, want 4.5", mean)
	}
	if stdDev <= 0 {
		t.Errorf("stdDev = %v, want > 0", stdDev)
	}
}

func TestKeysAreIsolatedPerDeviceAndMetric(t *testing.T) {
	d := NewDetector()
	for i := 0; i < 30; i++ {
		d.UpdateBaseline("dev1", "cpu", 10)
		d.UpdateBaseline("dev2", "cpu", 90+float64(i%4))
	}

	// dev1's flat window must not leak into dev2's classification.
	if anomalous, _ := d.Detect("dev2", "cpu", 91); anomalous {
		t.Error("dev2 classification contaminated by dev1 baseline")
	}
}
