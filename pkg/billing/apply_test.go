package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/planpilot/metering/pkg/billing"
	"github.com/planpilot/metering/pkg/entitlement"
	"github.com/planpilot/metering/storage/memory"
)

func newApplier(t *testing.T, store entitlement.Store) *billing.Applier {
	t.Helper()
	a, err := billing.NewApplier(billing.Config{Store: store})
	if err != nil {
		t.Fatalf("NewApplier failed: %v", err)
	}
	return a
}

func TestApply_ActivateTier(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatal(err)
	}

	applier := newApplier(t, store)
	rec, err := applier.Apply(ctx, "user-1", "evt_1",
		billing.ActivateTier(entitlement.TierPro, "sub_1", entitlement.BillingMonthly))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if rec.Tier != entitlement.TierPro || rec.Status != entitlement.StatusActive {
		t.Errorf("tier=%q status=%q", rec.Tier, rec.Status)
	}
	if rec.ProviderSubscriptionID != "sub_1" {
		t.Errorf("ProviderSubscriptionID = %q", rec.ProviderSubscriptionID)
	}

	processed, _ := store.HasProcessedEvent(ctx, "evt_1")
	if !processed {
		t.Error("event not marked processed")
	}
}

func TestApply_DuplicateEventIsIdempotent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatal(err)
	}

	applier := newApplier(t, store)
	if _, err := applier.Apply(ctx, "user-1", "evt_1",
		billing.ActivateTier(entitlement.TierPro, "sub_1", entitlement.BillingMonthly)); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	first, _ := store.Get(ctx, "user-1")

	// Redelivery of the same event: reported as duplicate, record untouched.
	_, err := applier.Apply(ctx, "user-1", "evt_1",
		billing.ActivateTier(entitlement.TierProPlus, "sub_2", entitlement.BillingYearly))
	if !errors.Is(err, entitlement.ErrEventAlreadyProcessed) {
		t.Fatalf("got %v, want ErrEventAlreadyProcessed", err)
	}

	second, _ := store.Get(ctx, "user-1")
	if second.Version != first.Version || second.Tier != first.Tier {
		t.Error("duplicate apply mutated the record")
	}
}

func TestApply_StatusAndCancel(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatal(err)
	}

	applier := newApplier(t, store)
	if _, err := applier.Apply(ctx, "user-1", "evt_1",
		billing.ActivateTier(entitlement.TierPro, "sub_1", entitlement.BillingMonthly)); err != nil {
		t.Fatal(err)
	}

	rec, err := applier.Apply(ctx, "user-1", "evt_2", billing.UpdateStatus(entitlement.StatusPastDue))
	if err != nil {
		t.Fatalf("Apply status failed: %v", err)
	}
	if rec.Status != entitlement.StatusPastDue || rec.Tier != entitlement.TierPro {
		t.Errorf("past_due: tier=%q status=%q (tier must survive)", rec.Tier, rec.Status)
	}

	rec, err = applier.Apply(ctx, "user-1", "evt_3", billing.CancelTier())
	if err != nil {
		t.Fatalf("Apply cancel failed: %v", err)
	}
	if rec.Tier != entitlement.TierFree || rec.Status != entitlement.StatusCanceled {
		t.Errorf("canceled: tier=%q status=%q", rec.Tier, rec.Status)
	}
	if rec.QuotaUsed != 0 {
		t.Errorf("QuotaUsed = %d, want 0 (tier change resets counter)", rec.QuotaUsed)
	}
}

func TestApply_UnhandledRejected(t *testing.T) {
	store := memory.New()
	applier := newApplier(t, store)

	if _, err := applier.Apply(context.Background(), "user-1", "evt_1", billing.Unhandled()); err == nil {
		t.Error("unhandled action must not be applied")
	}
}
