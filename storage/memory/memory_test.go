package memory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/planpilot/metering/pkg/entitlement"
	"github.com/planpilot/metering/storage/memory"
)

func TestCreateDefault(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec, err := store.CreateDefault(ctx, "user-1", "u1@example.com")
	if err != nil {
		t.Fatalf("CreateDefault failed: %v", err)
	}
	if rec.Tier != entitlement.TierFree || rec.Status != entitlement.StatusActive {
		t.Errorf("default: tier=%q status=%q", rec.Tier, rec.Status)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, want 1", rec.Version)
	}

	// Idempotent: the existing record wins, new email is ignored.
	again, err := store.CreateDefault(ctx, "user-1", "other@example.com")
	if err != nil {
		t.Fatalf("second CreateDefault failed: %v", err)
	}
	if again.Email != "u1@example.com" || again.Version != 1 {
		t.Errorf("CreateDefault overwrote existing record: email=%q version=%d", again.Email, again.Version)
	}

	if _, err := store.CreateDefault(ctx, "", ""); err == nil {
		t.Error("empty user id should be rejected")
	}
}

func TestGet_NotFound(t *testing.T) {
	store := memory.New()
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, entitlement.ErrRecordNotFound) {
		t.Errorf("got %v, want ErrRecordNotFound", err)
	}
}

func TestConditionalUpdate(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec, _ := store.CreateDefault(ctx, "user-1", "")

	updated, err := store.ConditionalUpdate(ctx, "user-1", rec.Version, func(r *entitlement.Record) error {
		r.QuotaUsed = 1
		return nil
	})
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if updated.QuotaUsed != 1 || updated.Version != rec.Version+1 {
		t.Errorf("updated: used=%d version=%d", updated.QuotaUsed, updated.Version)
	}

	// Stale version is rejected.
	_, err = store.ConditionalUpdate(ctx, "user-1", rec.Version, func(r *entitlement.Record) error {
		r.QuotaUsed = 99
		return nil
	})
	if !errors.Is(err, entitlement.ErrVersionConflict) {
		t.Errorf("stale update: got %v, want ErrVersionConflict", err)
	}

	cur, _ := store.Get(ctx, "user-1")
	if cur.QuotaUsed != 1 {
		t.Errorf("rejected update leaked: used=%d", cur.QuotaUsed)
	}

	_, err = store.ConditionalUpdate(ctx, "missing", 1, func(r *entitlement.Record) error { return nil })
	if !errors.Is(err, entitlement.ErrRecordNotFound) {
		t.Errorf("missing record: got %v, want ErrRecordNotFound", err)
	}
}

func TestConditionalUpdate_NoChange(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec, _ := store.CreateDefault(ctx, "user-1", "")

	got, err := store.ConditionalUpdate(ctx, "user-1", rec.Version, func(r *entitlement.Record) error {
		return entitlement.ErrNoChange
	})
	if err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
	if got.Version != rec.Version {
		t.Errorf("ErrNoChange bumped version to %d", got.Version)
	}
}

func TestConditionalUpdate_MutateError(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec, _ := store.CreateDefault(ctx, "user-1", "")

	boom := fmt.Errorf("boom")
	_, err := store.ConditionalUpdate(ctx, "user-1", rec.Version, func(r *entitlement.Record) error {
		r.QuotaUsed = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	cur, _ := store.Get(ctx, "user-1")
	if cur.QuotaUsed != 0 || cur.Version != rec.Version {
		t.Error("failed mutation must not persist")
	}
}

func TestApplyEvent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec, _ := store.CreateDefault(ctx, "user-1", "")

	updated, err := store.ApplyEvent(ctx, "user-1", "evt_1", "activate_tier", rec.Version, func(r *entitlement.Record) error {
		r.Tier = entitlement.TierPro
		return nil
	})
	if err != nil {
		t.Fatalf("ApplyEvent failed: %v", err)
	}
	if updated.Tier != entitlement.TierPro {
		t.Errorf("Tier = %q", updated.Tier)
	}

	processed, err := store.HasProcessedEvent(ctx, "evt_1")
	if err != nil || !processed {
		t.Errorf("HasProcessedEvent = %v, %v; want true", processed, err)
	}

	// Same event id again is a duplicate regardless of the mutation.
	_, err = store.ApplyEvent(ctx, "user-1", "evt_1", "cancel_tier", updated.Version, func(r *entitlement.Record) error {
		r.Tier = entitlement.TierFree
		return nil
	})
	if !errors.Is(err, entitlement.ErrEventAlreadyProcessed) {
		t.Errorf("duplicate event: got %v, want ErrEventAlreadyProcessed", err)
	}
	cur, _ := store.Get(ctx, "user-1")
	if cur.Tier != entitlement.TierPro {
		t.Error("duplicate event mutated the record")
	}
}

func TestApplyEvent_FailedMutationLeavesEventUnmarked(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec, _ := store.CreateDefault(ctx, "user-1", "")

	// Version conflict: neither the record nor the dedup row may change.
	_, err := store.ApplyEvent(ctx, "user-1", "evt_1", "activate_tier", rec.Version+5, func(r *entitlement.Record) error {
		r.Tier = entitlement.TierPro
		return nil
	})
	if !errors.Is(err, entitlement.ErrVersionConflict) {
		t.Fatalf("got %v, want ErrVersionConflict", err)
	}

	processed, _ := store.HasProcessedEvent(ctx, "evt_1")
	if processed {
		t.Error("failed apply must not mark the event processed")
	}

	// The event can be applied later, e.g. on provider redelivery.
	if _, err := store.ApplyEvent(ctx, "user-1", "evt_1", "activate_tier", rec.Version, func(r *entitlement.Record) error {
		r.Tier = entitlement.TierPro
		return nil
	}); err != nil {
		t.Fatalf("redelivered apply failed: %v", err)
	}
}

func TestFindByCustomerID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	rec, _ := store.CreateDefault(ctx, "user-1", "")
	if _, err := store.ConditionalUpdate(ctx, "user-1", rec.Version, func(r *entitlement.Record) error {
		r.ProviderCustomerID = "ctm_1"
		return nil
	}); err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}

	found, err := store.FindByCustomerID(ctx, "ctm_1")
	if err != nil {
		t.Fatalf("FindByCustomerID failed: %v", err)
	}
	if found.UserID != "user-1" {
		t.Errorf("UserID = %q", found.UserID)
	}

	if _, err := store.FindByCustomerID(ctx, "ctm_missing"); !errors.Is(err, entitlement.ErrRecordNotFound) {
		t.Errorf("got %v, want ErrRecordNotFound", err)
	}
	if _, err := store.FindByCustomerID(ctx, ""); !errors.Is(err, entitlement.ErrRecordNotFound) {
		t.Errorf("empty customer id: got %v, want ErrRecordNotFound", err)
	}
}

func TestFindLatestUnlinked(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	if _, err := store.CreateDefault(ctx, "user-old", ""); err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Hour)
	if _, err := store.CreateDefault(ctx, "user-new", ""); err != nil {
		t.Fatal(err)
	}

	// A linked record never counts as a candidate.
	now = now.Add(time.Hour)
	rec, _ := store.CreateDefault(ctx, "user-linked", "")
	if _, err := store.ConditionalUpdate(ctx, "user-linked", rec.Version, func(r *entitlement.Record) error {
		r.ProviderCustomerID = "ctm_x"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	found, err := store.FindLatestUnlinked(ctx)
	if err != nil {
		t.Fatalf("FindLatestUnlinked failed: %v", err)
	}
	if found.UserID != "user-new" {
		t.Errorf("UserID = %q, want user-new", found.UserID)
	}
}

func TestFindByEmail(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.CreateDefault(ctx, "user-1", "u1@example.com"); err != nil {
		t.Fatal(err)
	}

	found, err := store.FindByEmail(ctx, "u1@example.com")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if found.UserID != "user-1" {
		t.Errorf("UserID = %q", found.UserID)
	}

	if _, err := store.FindByEmail(ctx, "missing@example.com"); !errors.Is(err, entitlement.ErrRecordNotFound) {
		t.Errorf("got %v, want ErrRecordNotFound", err)
	}
}
