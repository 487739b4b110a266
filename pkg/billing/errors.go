package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is missing required configuration
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingSignature is returned when the webhook signature header is absent
	ErrMissingSignature = errors.New("missing webhook signature header")

	// ErrSignatureMismatch is returned when webhook signature verification fails
	ErrSignatureMismatch = errors.New("webhook signature mismatch")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnresolved is returned when no entitlement record can be correlated
	// with the event's customer reference
	ErrUnresolved = errors.New("identity unresolved")
)
