package cache

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLocalCache(maxSize int, ttl time.Duration) (*LocalCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLocalCache(LocalConfig{MaxSize: maxSize, TTL: ttl})
	c.now = clock.now
	return c, clock
}

func TestLocalCacheSetGet(t *testing.T) {
	c, _ := newTestLocalCache(10, time.Minute)
	c.Set("cus_1", "tenant-1")

	got, ok := c.Get("cus_1")
	if !ok || got != "tenant-1" {
		t.Fatalf("Get = %q, %v", got, ok)
	}
	if _, ok := c.Get("cus_2"); ok {
		t.Error("expected miss")
	}
}

func TestLocalCacheTTLExpiration(t *testing.T) {
	c, clock := newTestLocalCache(10, time.Minute)
	c.Set("cus_1", "tenant-1")

	clock.advance(59 * time.Second)
	if _, ok := c.Get("cus_1"); !ok {
		t.Fatal("expected hit before expiry")
	}
	clock.advance(2 * time.Second)
	if _, ok := c.Get("cus_1"); ok {
		t.Error("expected miss after expiry")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len = %d", c.Len())
	}
}

func TestLocalCacheLRUEviction(t *testing.T) {
	c, _ := newTestLocalCache(3, time.Minute)
	for i := range 3 {
		c.Set(fmt.Sprintf("cus_%d", i), fmt.Sprintf("tenant-%d", i))
	}
	// Touch cus_0 so cus_1 becomes least recently used.
	c.Get("cus_0")
	c.Set("cus_3", "tenant-3")

	if _, ok := c.Get("cus_1"); ok {
		t.Error("expected cus_1 to be evicted")
	}
	for _, k := range []string{"cus_0", "cus_2", "cus_3"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("expected %s to be present", k)
		}
	}
	if s := c.Stats(); s.Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", s.Evictions)
	}
}

func TestLocalCacheUpdateAndDelete(t *testing.T) {
	c, _ := newTestLocalCache(10, time.Minute)
	c.Set("cus_1", "tenant-1")
	c.Set("cus_1", "tenant-2")
	if got, _ := c.Get("cus_1"); got != "tenant-2" {
		t.Errorf("Get = %q, want tenant-2", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	c.Delete("cus_1")
	if _, ok := c.Get("cus_1"); ok {
		t.Error("expected miss after delete")
	}
}

func TestLocalCacheStats(t *testing.T) {
	c, _ := newTestLocalCache(10, time.Minute)
	c.Set("cus_1", "tenant-1")
	c.Get("cus_1")
	c.Get("cus_1")
	c.Get("cus_404")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Size != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestNewLocalCacheDefaults(t *testing.T) {
	c := NewLocalCache(LocalConfig{})
	def := DefaultLocalConfig()
	if c.maxSize != def.MaxSize || c.ttl != def.TTL {
		t.Errorf("got maxSize=%d ttl=%v, want %d/%v", c.maxSize, c.ttl, def.MaxSize, def.TTL)
	}
}
