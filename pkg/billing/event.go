package billing

import (
	"github.com/planpilot/metering/pkg/entitlement"
)

// ActionKind discriminates the canonical actions every provider-specific
// event type is normalized into before touching the entitlement store.
type ActionKind string

const (
	// ActionActivateTier sets or renews a paid tier
	ActionActivateTier ActionKind = "activate_tier"
	// ActionUpdateStatus changes billing standing without a tier change
	ActionUpdateStatus ActionKind = "update_status"
	// ActionCancelTier drops the user back to the free tier
	ActionCancelTier ActionKind = "cancel_tier"
	// ActionUnhandled marks event types this engine does not act on
	ActionUnhandled ActionKind = "unhandled"
)

// Action is the normalized outcome of a provider event. Exactly the fields
// for the action's kind are populated; the rest are zero.
type Action struct {
	Kind ActionKind

	// ActivateTier fields
	Tier           entitlement.Tier
	SubscriptionID string
	BillingPeriod  entitlement.BillingPeriod

	// UpdateStatus field
	Status entitlement.Status
}

// ActivateTier builds an activation action.
func ActivateTier(tier entitlement.Tier, subscriptionID string, period entitlement.BillingPeriod) Action {
	return Action{Kind: ActionActivateTier, Tier: tier, SubscriptionID: subscriptionID, BillingPeriod: period}
}

// UpdateStatus builds a status-change action.
func UpdateStatus(status entitlement.Status) Action {
	return Action{Kind: ActionUpdateStatus, Status: status}
}

// CancelTier builds a cancellation action.
func CancelTier() Action {
	return Action{Kind: ActionCancelTier}
}

// Unhandled marks an event type that is acknowledged but not acted on.
func Unhandled() Action {
	return Action{Kind: ActionUnhandled}
}

// PriceMapping binds a provider price identifier to a tier and billing
// period. The billing period determines the displayed expiry horizon only.
type PriceMapping struct {
	Tier   entitlement.Tier
	Period entitlement.BillingPeriod
}
