package entitlement

import "time"

// Metrics defines the interface for tracking entitlement operations.
type Metrics interface {
	// RecordConsume records a checkAndConsume outcome.
	RecordConsume(tier string, allowed bool, duration time.Duration)

	// RecordConflictRetry records one conditional-update retry for an operation.
	RecordConflictRetry(operation string)

	// RecordRetryExhausted records a conditional-update retry loop giving up.
	RecordRetryExhausted(operation string)

	// RecordRollover records a lazy daily rollover being applied.
	RecordRollover()

	// RecordWebhookEvent records a processed webhook event with its outcome
	// ("applied", "duplicate", "unresolved", "unhandled", "rejected", "error").
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookDuration records end-to-end webhook handling latency.
	RecordWebhookDuration(provider, eventType string, duration time.Duration)

	// RecordResolution records an identity resolution outcome
	// ("customer_id", "latest_unlinked", "email", "unresolved").
	RecordResolution(path string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordConsume(tier string, allowed bool, duration time.Duration)       {}
func (n *NoopMetrics) RecordConflictRetry(operation string)                                  {}
func (n *NoopMetrics) RecordRetryExhausted(operation string)                                 {}
func (n *NoopMetrics) RecordRollover()                                                       {}
func (n *NoopMetrics) RecordWebhookEvent(provider, eventType, outcome string)                {}
func (n *NoopMetrics) RecordWebhookDuration(provider, eventType string, d time.Duration)     {}
func (n *NoopMetrics) RecordResolution(path string)                                          {}
