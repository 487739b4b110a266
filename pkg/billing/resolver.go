package billing

import (
	"context"
	"errors"
	"time"

	"github.com/planpilot/metering/pkg/entitlement"
)

// Resolver maps a provider customer reference to an internal user id.
//
// The primary path is an exact lookup by stored customer id. When that
// misses, a best-effort fallback chain runs: the most recently updated
// record without a customer id (assumes a checkout just completed for that
// user), then a record whose email matches the billing email in the event.
// The fallback is racy under concurrent checkouts from different users and
// is kept for behavioral compatibility only; the sound fix is carrying the
// internal user id through checkout so the provider echoes it back.
type Resolver struct {
	store    entitlement.Store
	cache    entitlement.ResolutionCache
	cacheTTL time.Duration
	logger   entitlement.Logger
	metrics  entitlement.Metrics
}

// NewResolver creates a resolver over the given store. cache may be nil.
func NewResolver(store entitlement.Store, cache entitlement.ResolutionCache, cacheTTL time.Duration, logger entitlement.Logger, metrics entitlement.Metrics) (*Resolver, error) {
	if store == nil {
		return nil, entitlement.ErrStoreUnavailable
	}
	if cache == nil {
		cache = entitlement.NoopResolutionCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	if metrics == nil {
		metrics = &entitlement.NoopMetrics{}
	}
	return &Resolver{store: store, cache: cache, cacheTTL: cacheTTL, logger: logger, metrics: metrics}, nil
}

// Resolve returns the internal user id for a provider customer reference.
// billingEmail is the email carried in the event payload, if any. Returns
// ErrUnresolved when no candidate is found; the caller logs and defers
// rather than guessing further.
func (r *Resolver) Resolve(ctx context.Context, customerID, billingEmail string) (string, error) {
	if customerID != "" {
		if userID, ok := r.cache.Get(customerID); ok {
			r.metrics.RecordResolution("customer_id")
			return userID, nil
		}

		rec, err := r.store.FindByCustomerID(ctx, customerID)
		if err == nil {
			r.cache.Set(customerID, rec.UserID, r.cacheTTL)
			r.metrics.RecordResolution("customer_id")
			return rec.UserID, nil
		}
		if !errors.Is(err, entitlement.ErrRecordNotFound) {
			return "", err
		}
	}

	// Fallback a: most recently updated record with no customer id.
	rec, err := r.store.FindLatestUnlinked(ctx)
	if err == nil {
		if linkErr := r.link(ctx, rec, customerID); linkErr == nil {
			r.metrics.RecordResolution("latest_unlinked")
			r.logger.Warn("resolved via latest-unlinked heuristic",
				entitlement.Field{Key: "user_id", Value: rec.UserID},
				entitlement.Field{Key: "customer_id", Value: customerID})
			return rec.UserID, nil
		}
	} else if !errors.Is(err, entitlement.ErrRecordNotFound) {
		return "", err
	}

	// Fallback b: billing email match.
	if billingEmail != "" {
		rec, err := r.store.FindByEmail(ctx, billingEmail)
		if err == nil {
			if linkErr := r.link(ctx, rec, customerID); linkErr == nil {
				r.metrics.RecordResolution("email")
				r.logger.Warn("resolved via billing email",
					entitlement.Field{Key: "user_id", Value: rec.UserID},
					entitlement.Field{Key: "customer_id", Value: customerID})
				return rec.UserID, nil
			}
		} else if !errors.Is(err, entitlement.ErrRecordNotFound) {
			return "", err
		}
	}

	r.metrics.RecordResolution("unresolved")
	return "", ErrUnresolved
}

// link persists a discovered customer id onto the record so future events
// for the same external customer take the primary path. A record that
// already carries a different customer id is never overwritten; the
// candidate is rejected instead.
func (r *Resolver) link(ctx context.Context, rec *entitlement.Record, customerID string) error {
	if customerID == "" {
		return nil
	}
	if rec.ProviderCustomerID == customerID {
		return nil
	}
	if rec.ProviderCustomerID != "" {
		return entitlement.ErrCustomerIDMismatch
	}

	for attempt := 0; attempt < 3; attempt++ {
		_, err := r.store.ConditionalUpdate(ctx, rec.UserID, rec.Version, func(cur *entitlement.Record) error {
			switch cur.ProviderCustomerID {
			case "":
				cur.ProviderCustomerID = customerID
				return nil
			case customerID:
				return entitlement.ErrNoChange
			default:
				return entitlement.ErrCustomerIDMismatch
			}
		})
		if errors.Is(err, entitlement.ErrVersionConflict) {
			fresh, getErr := r.store.Get(ctx, rec.UserID)
			if getErr != nil {
				return getErr
			}
			rec = fresh
			continue
		}
		if err != nil {
			return err
		}
		r.cache.Set(customerID, rec.UserID, r.cacheTTL)
		return nil
	}
	return entitlement.ErrConflictRetryExhausted
}
