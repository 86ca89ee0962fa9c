package cache

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache[V any](duration time.Duration, limit int) (*Cache[V], *clock) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	c := New[V](duration, limit)
	c.now = clk.now
	return c, clk
}

func TestCache(t *testing.T) {
	cache, clk := newTestCache[string](2*time.Second, 0)

	cache.Set("key1", "value1")
	value, found := cache.Get("key1")
	if !found || value != "value1" {
		t.Errorf("Expected 'value1', found '%v'", value)
	}

	clk.advance(2500 * time.Millisecond)
	value, found = cache.Get("key1")
	if found || value != "" {
		t.Errorf("Expected cache miss, found '%v'", value)
	}

	cache.Set("key2", "value2", 3*time.Second)
	clk.advance(2500 * time.Millisecond)
	value, found = cache.Get("key2")
	if !found || value != "value2" {
		t.Errorf("Expected 'value2', found '%v'", value)
	}

	clk.advance(time.Second)
	if _, found = cache.Get("key2"); found {
		t.Errorf("Expected key2 to expire")
	}
}

func TestCacheDelete(t *testing.T) {
	cache, _ := newTestCache[[]byte](time.Minute, 0)

	cache.Set("a", []byte{1})
	cache.Delete("a")
	if _, found := cache.Get("a"); found {
		t.Errorf("Expected deleted key to miss")
	}
}

func TestCachePrunesAtLimit(t *testing.T) {
	cache, clk := newTestCache[int](time.Second, 4)

	cache.Set("old1", 1)
	cache.Set("old2", 2)
	clk.advance(2 * time.Second)
	cache.Set("new1", 3)
	cache.Set("new2", 4)

	// Full: the two expired entries are pruned before the insert.
	cache.Set("new3", 5)
	if n := cache.Len(); n != 3 {
		t.Fatalf("Expected 3 entries after pruning, got %d", n)
	}
	for _, k := range []string{"new1", "new2", "new3"} {
		if _, found := cache.Get(k); !found {
			t.Errorf("Expected %s to survive pruning", k)
		}
	}

	// Full again with nothing expired: half the entries go.
	cache.Set("new4", 6)
	cache.Set("new5", 7)
	if n := cache.Len(); n > 4 {
		t.Fatalf("Expected cache to stay bounded, got %d entries", n)
	}
	if _, found := cache.Get("new5"); !found {
		t.Errorf("Expected the newest key to be present")
	}
}
