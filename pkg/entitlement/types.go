package entitlement

import (
	"time"
)

// Tier identifies a subscription level.
type Tier string

const (
	// TierFree is the default tier for users without a paid subscription
	TierFree Tier = "free"
	// TierPro is the entry paid tier
	TierPro Tier = "pro"
	// TierProPlus is the top tier with unlimited daily usage
	TierProPlus Tier = "pro_plus"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierProPlus:
		return true
	}
	return false
}

// Status identifies a subscription's billing standing.
type Status string

const (
	// StatusActive means the subscription is in good standing
	StatusActive Status = "active"
	// StatusPastDue means a renewal payment failed; access is unchanged until cancellation
	StatusPastDue Status = "past_due"
	// StatusCanceled means the subscription ended
	StatusCanceled Status = "canceled"
)

// BillingPeriod identifies the renewal cadence of a paid subscription.
// It only affects the displayed expiry horizon, never quota logic.
type BillingPeriod string

const (
	// BillingMonthly renews every month
	BillingMonthly BillingPeriod = "monthly"
	// BillingYearly renews every year
	BillingYearly BillingPeriod = "yearly"
)

// Unlimited is the remaining/limit sentinel for tiers without a daily cap.
const Unlimited = -1

// Record is the per-user entitlement state. One record per internal user id.
// All mutation goes through Store.ConditionalUpdate; Version is the
// concurrency token.
type Record struct {
	UserID string `json:"userId" firestore:"userId"`
	Email  string `json:"email" firestore:"email"`

	Tier   Tier   `json:"tier" firestore:"tier"`
	Status Status `json:"status" firestore:"status"`

	// ProviderCustomerID is the payment provider's customer reference.
	// Once set it is never overwritten with a different value.
	ProviderCustomerID     string `json:"providerCustomerId" firestore:"providerCustomerId"`
	ProviderSubscriptionID string `json:"providerSubscriptionId" firestore:"providerSubscriptionId"`

	// QuotaUsed counts rate-limited actions performed on QuotaResetDate.
	QuotaUsed int `json:"quotaUsed" firestore:"quotaUsed"`
	// QuotaResetDate is the UTC calendar day the counter applies to.
	// Monotonically non-decreasing.
	QuotaResetDate time.Time `json:"quotaResetDate" firestore:"quotaResetDate"`

	// TierChangedAt is stamped on every tier mutation.
	TierChangedAt time.Time `json:"tierChangedAt" firestore:"tierChangedAt"`

	// BillingPeriod and ExpiresAt feed billing-status display only.
	BillingPeriod BillingPeriod `json:"billingPeriod" firestore:"billingPeriod"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty" firestore:"expiresAt"`

	Version   int64     `json:"version" firestore:"version"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

// ProcessedEvent marks a provider webhook event as applied. Existence of
// the row is the dedup signal; rows are never mutated or deleted.
type ProcessedEvent struct {
	EventID     string    `json:"eventId" firestore:"eventId"`
	Action      string    `json:"action" firestore:"action"`
	ProcessedAt time.Time `json:"processedAt" firestore:"processedAt"`
}

// ConsumeResult is the outcome of a CheckAndConsume call.
// Allowed=false is a normal business outcome, not an error.
type ConsumeResult struct {
	Allowed bool

	// Remaining is the quota left after this call, or Unlimited.
	Remaining int

	// ResetDate is the UTC day the current counter applies to.
	ResetDate time.Time
}

// StatusResult is the materialized entitlement view served to clients.
type StatusResult struct {
	UserID string
	Email  string

	Tier   Tier
	Status Status

	Used      int
	Limit     int // Unlimited for pro_plus
	Remaining int
	ResetDate time.Time

	BillingPeriod BillingPeriod
	ExpiresAt     *time.Time
}
