package cache

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(max int, ttl time.Duration) (*Cache[string], *fakeClock) {
	c := New[string](max, ttl)
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clk.now
	return c, clk
}

func TestGetBeforeTTLReturnsStoredValue(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)
	c.Put("k", "v", 0)

	clk.advance(59 * time.Second)
	got, ok := c.Get("k")
	if !ok {
		t.Fatal("expected hit before TTL elapsed")
	}
	if got != "v" {
		t.Errorf("got %q, want %q", got, "v")
	}
}

func TestGetAfterTTLReturnsNone(t *testing.T) {
	c, clk := newTestCache(10, time.Minute)
	c.Put("k", "v", 30*time.Second)

	clk.advance(30 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected miss once TTL elapsed")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not reclaimed, len = %d", c.Len())
	}
}

func TestPutAtCapacityEvictsOneEntry(t *testing.T) {
	c, _ := newTestCache(3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), "v", 0)
	}

	c.Put("k3", "v3", 0)
	if c.Len() != 3 {
		t.Errorf("len = %d, want 3", c.Len())
	}
	if got, ok := c.Get("k3"); !ok || got != "v3" {
		t.Error("newly inserted entry missing after capacity eviction")
	}
}

func TestPutAtCapacityPrefersExpiredEntries(t *testing.T) {
	c, clk := newTestCache(3, time.Minute)
	c.Put("stale", "old", 10*time.Second)
	clk.advance(20 * time.Second)
	c.Put("a", "v", time.Minute)
	c.Put("b", "v", time.Minute)

	// Cache is full; "stale" is expired and must be the one dropped.
	c.Put("c", "v", time.Minute)

	for _, k := range []string{"a", "b", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("live entry %q evicted while an expired entry existed", k)
		}
	}
}

func TestPutRefreshesExistingKeyWithoutEviction(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Put("a", "1", 0)
	c.Put("b", "2", 0)
	c.Put("a", "3", 0)

	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
	if got, _ := c.Get("a"); got != "3" {
		t.Errorf("got %q, want refreshed value", got)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("unrelated entry evicted by a key refresh")
	}
}

func TestFlush(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Put("k", "v", 0)
	c.Flush()
	if c.Len() != 0 {
		t.Errorf("len after flush = %d, want 0", c.Len())
	}
}
