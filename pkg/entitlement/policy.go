package entitlement

import "time"

// This file is the single source of truth for entitlement reconciliation:
// tier limits, the lazy daily rollover, tier-change resets, and the
// downgrade clamp. Both the quota manager and the webhook ingestors apply
// these rules; nothing else may reimplement them.

// LimitFor returns the daily quota limit for a tier. Unknown tiers fall
// back to the free limit.
func LimitFor(tier Tier) int {
	switch tier {
	case TierPro:
		return 5
	case TierProPlus:
		return Unlimited
	default:
		return 1
	}
}

// StartOfDayUTC truncates t to UTC midnight.
func StartOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NeedsRollover reports whether the record's counter belongs to an earlier
// day than today. A zero reset date (corrupt or pre-migration record) is
// treated as stale so the next access self-heals it.
func NeedsRollover(r *Record, today time.Time) bool {
	if r.QuotaResetDate.IsZero() {
		return true
	}
	return r.QuotaResetDate.Before(today)
}

// ApplyRollover resets the daily counter for today. Returns true if the
// record changed. QuotaResetDate never moves backwards.
func ApplyRollover(r *Record, today time.Time) bool {
	if !NeedsRollover(r, today) {
		return false
	}
	r.QuotaUsed = 0
	r.QuotaResetDate = today
	return true
}

// RemainingFor returns the quota remaining for the record on today's
// counter, clamped to zero. A mid-day downgrade can leave QuotaUsed above
// the new limit; the clamp denies further usage without retroactively
// reducing what was already consumed.
func RemainingFor(r *Record, today time.Time) int {
	limit := LimitFor(r.Tier)
	if limit == Unlimited {
		return Unlimited
	}
	used := r.QuotaUsed
	if NeedsRollover(r, today) {
		used = 0
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ApplyTierActivation switches the record to a paid tier. Every tier
// mutation stamps TierChangedAt and resets the daily counter, regardless
// of prior usage under the old tier. The expiry horizon is display-only.
func ApplyTierActivation(r *Record, tier Tier, subscriptionID string, period BillingPeriod, now time.Time) {
	r.Tier = tier
	r.Status = StatusActive
	if subscriptionID != "" {
		r.ProviderSubscriptionID = subscriptionID
	}
	r.BillingPeriod = period
	exp := expiryFor(period, now)
	r.ExpiresAt = &exp

	r.TierChangedAt = now
	r.QuotaUsed = 0
	r.QuotaResetDate = StartOfDayUTC(now)
}

// ApplyStatusChange updates billing standing without touching the tier or
// the counter.
func ApplyStatusChange(r *Record, status Status) {
	r.Status = status
}

// ApplyCancellation drops the record back to the free tier. This counts as
// a tier mutation, so the counter resets.
func ApplyCancellation(r *Record, now time.Time) {
	r.Tier = TierFree
	r.Status = StatusCanceled
	r.ProviderSubscriptionID = ""
	r.BillingPeriod = ""
	r.ExpiresAt = nil

	r.TierChangedAt = now
	r.QuotaUsed = 0
	r.QuotaResetDate = StartOfDayUTC(now)
}

func expiryFor(period BillingPeriod, now time.Time) time.Time {
	if period == BillingYearly {
		return now.AddDate(1, 0, 0)
	}
	return now.AddDate(0, 1, 0)
}
