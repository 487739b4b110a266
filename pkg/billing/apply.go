package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/planpilot/metering/pkg/entitlement"
)

// Applier runs canonical actions against the entitlement store. Both
// webhook providers share it, so the reconciliation rules cannot diverge
// between ingestion paths.
type Applier struct {
	store        entitlement.Store
	maxRetries   int
	retryBackoff time.Duration
	clock        func() time.Time
	logger       entitlement.Logger
	metrics      entitlement.Metrics
}

// NewApplier creates an applier from a normalized provider config.
func NewApplier(config Config) (*Applier, error) {
	if config.Store == nil {
		return nil, entitlement.ErrStoreUnavailable
	}
	cfg := config.Normalized()
	return &Applier{
		store:        cfg.Store,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Apply runs the action against the user's record and marks the event
// processed in the same transaction. A duplicate event id returns the
// current record and ErrEventAlreadyProcessed; callers treat that as
// success (provider retries are safe).
func (a *Applier) Apply(ctx context.Context, userID, eventID string, action Action) (*entitlement.Record, error) {
	if action.Kind == ActionUnhandled {
		return nil, fmt.Errorf("unhandled action cannot be applied")
	}

	now := a.clock().UTC()
	mutate := a.mutationFor(action, now)

	for attempt := 0; attempt < a.maxRetries; attempt++ {
		rec, err := a.store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}

		updated, err := a.store.ApplyEvent(ctx, userID, eventID, string(action.Kind), rec.Version, mutate)
		if errors.Is(err, entitlement.ErrVersionConflict) {
			a.metrics.RecordConflictRetry("apply_event")
			if err := a.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}
		if errors.Is(err, entitlement.ErrEventAlreadyProcessed) {
			return rec, err
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	a.metrics.RecordRetryExhausted("apply_event")
	return nil, entitlement.ErrConflictRetryExhausted
}

func (a *Applier) mutationFor(action Action, now time.Time) entitlement.MutateFunc {
	switch action.Kind {
	case ActionActivateTier:
		return func(r *entitlement.Record) error {
			entitlement.ApplyTierActivation(r, action.Tier, action.SubscriptionID, action.BillingPeriod, now)
			return nil
		}
	case ActionUpdateStatus:
		return func(r *entitlement.Record) error {
			entitlement.ApplyStatusChange(r, action.Status)
			return nil
		}
	case ActionCancelTier:
		return func(r *entitlement.Record) error {
			entitlement.ApplyCancellation(r, now)
			return nil
		}
	default:
		return func(*entitlement.Record) error {
			return fmt.Errorf("unknown action kind %q", action.Kind)
		}
	}
}

func (a *Applier) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(a.retryBackoff * time.Duration(attempt+1))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
