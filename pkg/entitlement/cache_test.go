package entitlement_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/planpilot/metering/pkg/entitlement"
)

func TestMemoryResolutionCache_SetGet(t *testing.T) {
	cache := entitlement.NewMemoryResolutionCache(10)

	cache.Set("ctm_1", "user-1", time.Minute)
	if userID, ok := cache.Get("ctm_1"); !ok || userID != "user-1" {
		t.Errorf("Get = %q, %v; want user-1, true", userID, ok)
	}

	if _, ok := cache.Get("ctm_missing"); ok {
		t.Error("expected miss for unknown customer id")
	}
}

func TestMemoryResolutionCache_TTLExpiry(t *testing.T) {
	cache := entitlement.NewMemoryResolutionCache(10)

	cache.Set("ctm_1", "user-1", time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, ok := cache.Get("ctm_1"); ok {
		t.Error("expected expired entry to miss")
	}

	// Non-positive TTL is never stored.
	cache.Set("ctm_2", "user-2", 0)
	if _, ok := cache.Get("ctm_2"); ok {
		t.Error("zero TTL entry should not be stored")
	}
}

func TestMemoryResolutionCache_Invalidate(t *testing.T) {
	cache := entitlement.NewMemoryResolutionCache(10)

	cache.Set("ctm_1", "user-1", time.Minute)
	cache.Set("ctm_2", "user-2", time.Minute)

	cache.Invalidate("ctm_1")
	if _, ok := cache.Get("ctm_1"); ok {
		t.Error("invalidated entry should miss")
	}
	if _, ok := cache.Get("ctm_2"); !ok {
		t.Error("other entries should survive invalidation")
	}

	cache.Clear()
	if _, ok := cache.Get("ctm_2"); ok {
		t.Error("cleared cache should miss")
	}
}

func TestMemoryResolutionCache_EvictsBeyondCapacity(t *testing.T) {
	cache := entitlement.NewMemoryResolutionCache(3)

	for i := 0; i < 5; i++ {
		cache.Set(fmt.Sprintf("ctm_%d", i), fmt.Sprintf("user-%d", i), time.Minute)
	}

	hits := 0
	for i := 0; i < 5; i++ {
		if _, ok := cache.Get(fmt.Sprintf("ctm_%d", i)); ok {
			hits++
		}
	}
	if hits != 3 {
		t.Errorf("entries after eviction = %d, want 3", hits)
	}
}

func TestNoopResolutionCache(t *testing.T) {
	cache := entitlement.NoopResolutionCache{}
	cache.Set("ctm_1", "user-1", time.Minute)
	if _, ok := cache.Get("ctm_1"); ok {
		t.Error("noop cache should never hit")
	}
}
