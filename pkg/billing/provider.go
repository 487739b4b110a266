package billing

import (
	"net/http"
)

// Provider is the generic interface a payment backend's ingestion path
// must implement. The application can swap providers with zero logic
// changes: every provider normalizes its events into the same canonical
// actions and applies them through a shared Applier.
type Provider interface {
	// Name returns the provider name (e.g., "paddle", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes lifecycle
	// events. The implementation handles verification, deduplication,
	// normalization, resolution, and application internally.
	WebhookHandler() http.Handler
}
