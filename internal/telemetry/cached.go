package telemetry

import (
	"context"
	"time"

	"github.com/fleetwatch/fleetwatch/internal/cache"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

// CachedProvider memoizes FetchMetrics results per device so multiple readers
// inside one poll interval (the scheduler, the REST layer, the WebSocket
// stream) share a single fetch. Connect is never cached: reachability must
// reflect the present, not the last TTL window.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache[map[string]float64]
	ttl   time.Duration
}

// NewCachedProvider wraps inner with a metrics cache of maxEntries entries
// expiring after ttl.
func NewCachedProvider(inner Provider, maxEntries int, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New[map[string]float64](maxEntries, ttl),
		ttl:   ttl,
	}
}

func (p *CachedProvider) Connect(ctx context.Context, device *models.Device) (bool, error) {
	return p.inner.Connect(ctx, device)
}

func (p *CachedProvider) FetchMetrics(ctx context.Context, device *models.Device) (map[string]float64, error) {
	if cached, ok := p.cache.Get(device.Key); ok {
		return cloneMetrics(cached), nil
	}

	values, err := p.inner.FetchMetrics(ctx, device)
	if err != nil {
		return nil, err
	}
	p.cache.Put(device.Key, cloneMetrics(values), p.ttl)
	return values, nil
}

// SampleServices passes through when the inner provider supports it.
func (p *CachedProvider) SampleServices(ctx context.Context, device *models.Device) (map[string]float64, error) {
	if sampler, ok := p.inner.(ServiceSampler); ok {
		return sampler.SampleServices(ctx, device)
	}
	return nil, nil
}

// Invalidate drops the cached sample for a device, forcing the next
// FetchMetrics to hit the inner provider.
func (p *CachedProvider) Invalidate(deviceKey string) {
	p.cache.Delete(deviceKey)
}

func cloneMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
