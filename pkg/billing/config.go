package billing

import (
	"time"

	"github.com/planpilot/metering/pkg/entitlement"
)

// Config is the standard configuration all providers accept.
type Config struct {
	// Store is the entitlement store events are applied to (required).
	Store entitlement.Store

	// PriceMapping maps provider price identifiers to tiers and billing
	// periods. Unrecognized price ids default to pro/monthly; the
	// normalization logs such defaults rather than dropping the event.
	PriceMapping map[string]PriceMapping

	// WebhookSecret verifies incoming webhook requests (required).
	// Verification is unconditional: a handler without a secret answers
	// 503 instead of skipping the check.
	WebhookSecret string

	// ResolutionCache caches customer-id resolutions (default: no cache).
	ResolutionCache entitlement.ResolutionCache

	// ResolutionCacheTTL bounds cached resolutions (default: 5 minutes).
	ResolutionCacheTTL time.Duration

	// MaxBodyBytes caps webhook payload size (default: 256 KiB).
	MaxBodyBytes int64

	// MaxRetries bounds the conditional-update retry loop when applying an
	// event (default: 5).
	MaxRetries int

	// RetryBackoff is the base delay between apply retries (default: 10ms).
	RetryBackoff time.Duration

	// Clock returns the current time (default: time.Now).
	Clock func() time.Time

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger

	// Metrics tracks webhook and resolution outcomes (default: NoopMetrics).
	Metrics entitlement.Metrics
}

// Normalized returns a copy of the config with defaults filled in.
// Provider constructors call this once.
func (c *Config) Normalized() Config {
	out := *c
	if out.ResolutionCache == nil {
		out.ResolutionCache = entitlement.NoopResolutionCache{}
	}
	if out.ResolutionCacheTTL <= 0 {
		out.ResolutionCacheTTL = 5 * time.Minute
	}
	if out.MaxBodyBytes <= 0 {
		out.MaxBodyBytes = 256 * 1024
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 5
	}
	if out.RetryBackoff <= 0 {
		out.RetryBackoff = 10 * time.Millisecond
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	if out.Logger == nil {
		out.Logger = &entitlement.NoopLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &entitlement.NoopMetrics{}
	}
	return out
}
