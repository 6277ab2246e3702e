package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/models"
)

// countingProvider records how many fetches reach the inner provider.
type countingProvider struct {
	fetches atomic.Int64
	values  map[string]float64
	err     error
}

func (p *countingProvider) Connect(ctx context.Context, device *models.Device) (bool, error) {
	return true, nil
}

func (p *countingProvider) FetchMetrics(ctx context.Context, device *models.Device) (map[string]float64, error) {
	p.fetches.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return p.values, nil
}

func TestCachedProviderMemoizesFetch(t *testing.T) {
	inner := &countingProvider{values: map[string]float64{"cpu": 42, "memory": 55, "disk": 61}}
	p := NewCachedProvider(inner, 10, time.Minute)
	dev := &models.Device{Key: "web-01_10.0.0.5"}
	ctx := context.Background()

	first, err := p.FetchMetrics(ctx, dev)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := p.FetchMetrics(ctx, dev)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if got := inner.fetches.Load(); got != 1 {
		t.Errorf("expected 1 inner fetch, got %d", got)
	}
	if first["cpu"] != 42 || second["cpu"] != 42 {
		t.Errorf("cached values mismatch: %v vs %v", first, second)
	}
}

func TestCachedProviderIsolatesReturnedMaps(t *testing.T) {
	inner := &countingProvider{values: map[string]float64{"cpu": 42}}
	p := NewCachedProvider(inner, 10, time.Minute)
	dev := &models.Device{Key: "web-01_10.0.0.5"}
	ctx := context.Background()

	first, _ := p.FetchMetrics(ctx, dev)
	first["cpu"] = 999

	second, _ := p.FetchMetrics(ctx, dev)
	if second["cpu"] != 42 {
		t.Errorf("caller mutation leaked into cache: got %v", second["cpu"])
	}
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	inner := &countingProvider{err: errors.New("unreachable")}
	p := NewCachedProvider(inner, 10, time.Minute)
	dev := &models.Device{Key: "web-01_10.0.0.5"}
	ctx := context.Background()

	if _, err := p.FetchMetrics(ctx, dev); err == nil {
		t.Fatal("expected error")
	}
	inner.err = nil
	inner.values = map[string]float64{"cpu": 10}
	if _, err := p.FetchMetrics(ctx, dev); err != nil {
		t.Fatalf("recovery fetch: %v", err)
	}
	if got := inner.fetches.Load(); got != 2 {
		t.Errorf("expected 2 inner fetches, got %d", got)
	}
}

func TestCachedProviderInvalidate(t *testing.T) {
	inner := &countingProvider{values: map[string]float64{"cpu": 42}}
	p := NewCachedProvider(inner, 10, time.Minute)
	dev := &models.Device{Key: "web-01_10.0.0.5"}
	ctx := context.Background()

	p.FetchMetrics(ctx, dev)
	p.Invalidate(dev.Key)
	p.FetchMetrics(ctx, dev)

	if got := inner.fetches.Load(); got != 2 {
		t.Errorf("expected refetch after invalidation, got %d inner fetches", got)
	}
}

func TestValidateMetrics(t *testing.T) {
	ok := map[string]float64{"cpu": 10, "memory": 20, "disk": 30}
	if err := ValidateMetrics("d", ok); err != nil {
		t.Errorf("valid metrics rejected: %v", err)
	}

	missing := map[string]float64{"cpu": 10, "memory": 20}
	if err := ValidateMetrics("d", missing); err == nil {
		t.Error("missing disk metric accepted")
	}

	outOfRange := map[string]float64{"cpu": 140, "memory": 20, "disk": 30}
	err := ValidateMetrics("d", outOfRange)
	if err == nil {
		t.Fatal("out-of-range cpu accepted")
	}
	var malformed *MalformedMetricsError
	if !errors.As(err, &malformed) {
		t.Errorf("expected *MalformedMetricsError, got %T", err)
	}
}

func TestSimulatedProviderShape(t *testing.T) {
	p := NewSimulated(0)
	dev := &models.Device{Key: "web-01_10.0.0.5"}
	ctx := context.Background()

	reachable, err := p.Connect(ctx, dev)
	if err != nil || !reachable {
		t.Fatalf("connect with zero fail rate: reachable=%v err=%v", reachable, err)
	}

	values, err := p.FetchMetrics(ctx, dev)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := ValidateMetrics(dev.Key, values); err != nil {
		t.Errorf("simulated metrics failed validation: %v", err)
	}

	p.Spike(dev.Key, MetricCPU, 99)
	values, _ = p.FetchMetrics(ctx, dev)
	if values[MetricCPU] != 99 {
		t.Errorf("spike not applied: got %v", values[MetricCPU])
	}
	values, _ = p.FetchMetrics(ctx, dev)
	if values[MetricCPU] == 99 {
		t.Error("spike should be consumed after one fetch")
	}
}
