package cache_test

import (
	"testing"
	"time"

	"github.com/neutronlabs/neutron/internal/cache"
)

func TestGetSet(t *testing.T) {
	c := cache.New()

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set("k", "v", time.Minute)
	v, ok := c.Get("k")
	if !ok || v != "v" {
		t.Errorf("Get = (%v, %v), want (v, true)", v, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := cache.New()
	base := time.Now()
	now := base
	c.SetClock(func() time.Time { return now })

	c.Set("k", 1, 5*time.Minute)

	now = base.Add(4 * time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Error("expected hit before TTL")
	}

	now = base.Add(6 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("expected miss after TTL")
	}
}

func TestDeletePrefix(t *testing.T) {
	c := cache.New()
	c.Set("perm:u1:t1", 1, time.Minute)
	c.Set("perm:u1:t2", 2, time.Minute)
	c.Set("perm:u2:t1", 3, time.Minute)

	c.DeletePrefix("perm:u1:")

	if _, ok := c.Get("perm:u1:t1"); ok {
		t.Error("perm:u1:t1 should be gone")
	}
	if _, ok := c.Get("perm:u2:t1"); !ok {
		t.Error("perm:u2:t1 should survive")
	}
}

func TestGetOrCompute_CachesResult(t *testing.T) {
	c := cache.New()
	calls := 0
	compute := func() (any, error) {
		calls++
		return "result", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute("k", time.Minute, compute)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if v != "result" {
			t.Fatalf("value = %v", v)
		}
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
}
