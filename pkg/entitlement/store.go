package entitlement

import (
	"context"
)

// MutateFunc transforms a copy of the current record inside a conditional
// update. Returning an error aborts the update without side effects;
// returning ErrNoChange returns the current record without persisting.
type MutateFunc func(*Record) error

// Store is the persistence interface for entitlement records and the
// processed-webhook-event ledger. ConditionalUpdate and ApplyEvent are the
// only mutation paths for records; implementations must make them atomic
// per record (either the new version is fully committed or the prior one
// is untouched, including under caller cancellation).
type Store interface {
	// Get retrieves the record for a user.
	// Returns ErrRecordNotFound when absent.
	Get(ctx context.Context, userID string) (*Record, error)

	// CreateDefault lazily creates a free-tier record with zero usage and
	// today's reset date. Idempotent: if a record already exists it is
	// returned unchanged.
	CreateDefault(ctx context.Context, userID, email string) (*Record, error)

	// ConditionalUpdate loads the record only if its version matches
	// expectedVersion, applies mutate to a copy, persists it with
	// version+1, and returns the new record. A mismatched version yields
	// ErrVersionConflict with no side effects.
	ConditionalUpdate(ctx context.Context, userID string, expectedVersion int64, mutate MutateFunc) (*Record, error)

	// ApplyEvent performs a ConditionalUpdate and records the webhook event
	// id in the same transaction (both-or-neither). A duplicate event id
	// yields ErrEventAlreadyProcessed without mutating the record. Mutations
	// passed here must not return ErrNoChange: an applied event always
	// persists, so the dedup row and the record version move together.
	ApplyEvent(ctx context.Context, userID, eventID, action string, expectedVersion int64, mutate MutateFunc) (*Record, error)

	// HasProcessedEvent reports whether a webhook event id was applied.
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)

	// FindByCustomerID looks up the record holding the provider customer
	// reference. Returns ErrRecordNotFound when no record matches.
	FindByCustomerID(ctx context.Context, customerID string) (*Record, error)

	// FindLatestUnlinked returns the most recently updated record with no
	// provider customer id set, or ErrRecordNotFound. Implementations must
	// use an indexed, bounded lookup.
	FindLatestUnlinked(ctx context.Context) (*Record, error)

	// FindByEmail looks up a record by stored email, or ErrRecordNotFound.
	FindByEmail(ctx context.Context, email string) (*Record, error)
}
