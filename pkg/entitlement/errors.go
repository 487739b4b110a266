package entitlement

import "errors"

var (
	// ErrRecordNotFound is returned when no record exists for the user
	ErrRecordNotFound = errors.New("entitlement record not found")

	// ErrVersionConflict is returned by a conditional update whose expected
	// version no longer matches; the caller reloads and retries
	ErrVersionConflict = errors.New("version conflict")

	// ErrConflictRetryExhausted is returned when the bounded retry loop gives
	// up; transient, safe for the caller to retry later
	ErrConflictRetryExhausted = errors.New("conditional update retries exhausted")

	// ErrEventAlreadyProcessed is returned when a webhook event id has
	// already been applied
	ErrEventAlreadyProcessed = errors.New("webhook event already processed")

	// ErrCustomerIDMismatch is returned when linking would overwrite an
	// existing, different provider customer id
	ErrCustomerIDMismatch = errors.New("provider customer id already set to a different value")

	// ErrNoChange is returned by a mutation function to signal that the
	// conditional update should return the current record without persisting
	ErrNoChange = errors.New("no change")

	// ErrStoreUnavailable is returned when a store dependency is missing
	ErrStoreUnavailable = errors.New("store unavailable")
)
