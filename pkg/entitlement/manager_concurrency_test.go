package entitlement_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/planpilot/metering/pkg/entitlement"
	"github.com/planpilot/metering/storage/memory"
)

func newContendedManager(t *testing.T) (*entitlement.Manager, *memory.Store, *fakeClock) {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC))
	store := memory.New()
	store.SetClock(clock.Now)

	// Generous retry budget: under heavy contention at least one writer
	// commits per round, so the loop always converges.
	manager, err := entitlement.NewManager(store, entitlement.Config{
		Clock:        clock.Now,
		MaxRetries:   100,
		RetryBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager, store, clock
}

func TestConcurrentConsume_ExactlyLimitAllowed(t *testing.T) {
	manager, store, _ := newContendedManager(t)
	ctx := context.Background()

	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatalf("CreateDefault failed: %v", err)
	}
	setTier(t, store, "user-1", entitlement.TierPro)

	var allowed, denied atomic.Int64
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			res, err := manager.CheckAndConsume(ctx, "user-1", "")
			if err != nil {
				return err
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent consume failed: %v", err)
	}

	if allowed.Load() != 5 {
		t.Errorf("allowed = %d, want exactly 5", allowed.Load())
	}
	if denied.Load() != 15 {
		t.Errorf("denied = %d, want 15", denied.Load())
	}

	rec, _ := store.Get(ctx, "user-1")
	if rec.QuotaUsed != 5 {
		t.Errorf("QuotaUsed = %d, want 5 (no lost or double counts)", rec.QuotaUsed)
	}
}

func TestConcurrentConsume_ProPlusZeroContention(t *testing.T) {
	manager, store, _ := newContendedManager(t)
	ctx := context.Background()

	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatalf("CreateDefault failed: %v", err)
	}
	setTier(t, store, "user-1", entitlement.TierProPlus)
	before, _ := store.Get(ctx, "user-1")

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			res, err := manager.CheckAndConsume(ctx, "user-1", "")
			if err != nil {
				return err
			}
			if !res.Allowed {
				t.Error("unlimited consume denied")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent consume failed: %v", err)
	}

	after, _ := store.Get(ctx, "user-1")
	if after.Version != before.Version {
		t.Errorf("version %d -> %d: unlimited path must not write", before.Version, after.Version)
	}
}

func TestConcurrentRollover_ResetsExactlyOnce(t *testing.T) {
	manager, store, clock := newContendedManager(t)
	ctx := context.Background()

	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatalf("CreateDefault failed: %v", err)
	}
	setTier(t, store, "user-1", entitlement.TierPro)

	for i := 0; i < 3; i++ {
		if _, err := manager.CheckAndConsume(ctx, "user-1", ""); err != nil {
			t.Fatalf("consume failed: %v", err)
		}
	}
	stale, _ := store.Get(ctx, "user-1")

	clock.Advance(24 * time.Hour)

	// Many readers race the lazy rollover; the conditional write lets only
	// one of them reset the counter.
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			res, err := manager.Status(ctx, "user-1", "")
			if err != nil {
				return err
			}
			if res.Used != 0 {
				t.Errorf("status used = %d, want 0 after rollover", res.Used)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent status failed: %v", err)
	}

	rec, _ := store.Get(ctx, "user-1")
	if rec.QuotaUsed != 0 {
		t.Errorf("QuotaUsed = %d, want 0", rec.QuotaUsed)
	}
	if rec.Version != stale.Version+1 {
		t.Errorf("version %d -> %d, want exactly one rollover write", stale.Version, rec.Version)
	}
}
