package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/planpilot/metering/pkg/billing"
	"github.com/planpilot/metering/pkg/entitlement"
	"github.com/planpilot/metering/storage/memory"
)

func newResolver(t *testing.T, store entitlement.Store, cache entitlement.ResolutionCache) *billing.Resolver {
	t.Helper()
	r, err := billing.NewResolver(store, cache, time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return r
}

func linkCustomer(t *testing.T, store *memory.Store, userID, customerID string) {
	t.Helper()
	ctx := context.Background()
	rec, err := store.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := store.ConditionalUpdate(ctx, userID, rec.Version, func(r *entitlement.Record) error {
		r.ProviderCustomerID = customerID
		return nil
	}); err != nil {
		t.Fatalf("ConditionalUpdate failed: %v", err)
	}
}

func TestResolve_ByCustomerID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatal(err)
	}
	linkCustomer(t, store, "user-1", "ctm_1")

	resolver := newResolver(t, store, nil)
	userID, err := resolver.Resolve(ctx, "ctm_1", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q", userID)
	}
}

func TestResolve_CacheHit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatal(err)
	}
	linkCustomer(t, store, "user-1", "ctm_1")

	cache := entitlement.NewMemoryResolutionCache(10)
	resolver := newResolver(t, store, cache)

	if _, err := resolver.Resolve(ctx, "ctm_1", ""); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	// Wipe the store: a second resolve can only succeed from the cache.
	store.Clear()
	userID, err := resolver.Resolve(ctx, "ctm_1", "")
	if err != nil {
		t.Fatalf("cached Resolve failed: %v", err)
	}
	if userID != "user-1" {
		t.Errorf("userID = %q", userID)
	}
}

func TestResolve_FallbackLatestUnlinked(t *testing.T) {
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

	resolver := newResolver(t, store, nil)
	userID, err := resolver.Resolve(ctx, "ctm_new", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if userID != "user-new" {
		t.Errorf("userID = %q, want most recently updated unlinked record", userID)
	}

	// The discovered mapping is persisted: future events take the primary path.
	rec, err := store.FindByCustomerID(ctx, "ctm_new")
	if err != nil {
		t.Fatalf("link-back was not persisted: %v", err)
	}
	if rec.UserID != "user-new" {
		t.Errorf("linked UserID = %q", rec.UserID)
	}
}

func TestResolve_FallbackEmail(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// The only record is already linked to another customer, so the
	// unlinked fallback has no candidate and email is the last resort.
	if _, err := store.CreateDefault(ctx, "user-1", "u1@example.com"); err != nil {
		t.Fatal(err)
	}
	linkCustomer(t, store, "user-1", "ctm_other")

	if _, err := store.CreateDefault(ctx, "user-2", "u2@example.com"); err != nil {
		t.Fatal(err)
	}
	linkCustomer(t, store, "user-2", "ctm_another")

	resolver := newResolver(t, store, nil)
	userID, err := resolver.Resolve(ctx, "ctm_new", "u2@example.com")
	if !errors.Is(err, billing.ErrUnresolved) {
		// user-2 already carries a different customer id, so linking is
		// refused and resolution fails rather than overwriting.
		t.Fatalf("Resolve = %q, %v; want ErrUnresolved", userID, err)
	}

	rec, _ := store.Get(ctx, "user-2")
	if rec.ProviderCustomerID != "ctm_another" {
		t.Errorf("existing customer id was overwritten: %q", rec.ProviderCustomerID)
	}
}

func TestResolve_EmailMatchLinksBack(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// user-1 is linked elsewhere (not an unlinked candidate); user-2 has a
	// matching email and no customer id yet.
	if _, err := store.CreateDefault(ctx, "user-1", ""); err != nil {
		t.Fatal(err)
	}
	linkCustomer(t, store, "user-1", "ctm_other")

	if _, err := store.CreateDefault(ctx, "user-2", "u2@example.com"); err != nil {
		t.Fatal(err)
	}
	// user-2 is also the latest unlinked record, so the unlinked heuristic
	// would pick it first; either path must land on user-2 and link it.
	resolver := newResolver(t, store, nil)
	userID, err := resolver.Resolve(ctx, "ctm_new", "u2@example.com")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if userID != "user-2" {
		t.Errorf("userID = %q", userID)
	}
	rec, _ := store.Get(ctx, "user-2")
	if rec.ProviderCustomerID != "ctm_new" {
		t.Errorf("ProviderCustomerID = %q, want ctm_new", rec.ProviderCustomerID)
	}
}

func TestResolve_Unresolved(t *testing.T) {
	store := memory.New()
	resolver := newResolver(t, store, nil)

	_, err := resolver.Resolve(context.Background(), "ctm_unknown", "nobody@example.com")
	if !errors.Is(err, billing.ErrUnresolved) {
		t.Errorf("got %v, want ErrUnresolved", err)
	}
}
