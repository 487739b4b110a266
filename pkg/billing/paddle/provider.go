// Package paddle implements the billing.Provider interface for Paddle
// Billing webhooks. Events are verified with the ts/h1 signature scheme,
// deduplicated by event id, normalized into canonical actions, correlated
// to an internal user, and applied through the shared conditional-write
// path.
package paddle

import (
	"net/http"
	"strings"
	"time"

	"github.com/planpilot/metering/pkg/billing"
	"github.com/planpilot/metering/pkg/entitlement"
)

const providerName = "paddle"

// Subscription statuses carried in Paddle event payloads.
const (
	subscriptionStatusActive   = "active"
	subscriptionStatusPastDue  = "past_due"
	subscriptionStatusPaused   = "paused"
	subscriptionStatusCanceled = "canceled"
)

// Provider processes Paddle webhook events.
type Provider struct {
	config   billing.Config
	secret   []byte
	applier  *billing.Applier
	resolver *billing.Resolver
	clock    func() time.Time
	logger   entitlement.Logger
	metrics  entitlement.Metrics
}

// New creates a new Paddle provider.
func New(config billing.Config) (*Provider, error) {
	if config.Store == nil {
		return nil, entitlement.ErrStoreUnavailable
	}
	cfg := config.Normalized()

	applier, err := billing.NewApplier(cfg)
	if err != nil {
		return nil, err
	}
	resolver, err := billing.NewResolver(cfg.Store, cfg.ResolutionCache, cfg.ResolutionCacheTTL, cfg.Logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Provider{
		config:   cfg,
		secret:   []byte(cfg.WebhookSecret),
		applier:  applier,
		resolver: resolver,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Name implements billing.Provider.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler implements billing.Provider.
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// normalize maps a raw Paddle event into a canonical action. Every known
// lifecycle event collapses into ActivateTier, UpdateStatus, or
// CancelTier; everything else lands in the single Unhandled branch.
func (p *Provider) normalize(payload *webhookPayload) billing.Action {
	switch payload.EventType {
	case "subscription.created", "subscription.activated":
		tier, period := p.mapPrice(payload.firstPriceID())
		return billing.ActivateTier(tier, payload.Data.ID, period)

	case "transaction.completed", "transaction.paid":
		tier, period := p.mapPrice(payload.firstPriceID())
		subID := payload.Data.SubscriptionID
		if subID == "" {
			subID = payload.Data.ID
		}
		return billing.ActivateTier(tier, subID, period)

	case "subscription.updated":
		switch payload.Data.Status {
		case subscriptionStatusCanceled:
			return billing.CancelTier()
		case subscriptionStatusPastDue, subscriptionStatusPaused:
			return billing.UpdateStatus(entitlement.StatusPastDue)
		}
		if payload.firstPriceID() != "" {
			// Plan change: re-activate with the new price's tier.
			tier, period := p.mapPrice(payload.firstPriceID())
			return billing.ActivateTier(tier, payload.Data.ID, period)
		}
		return billing.UpdateStatus(entitlement.StatusActive)

	case "subscription.canceled":
		return billing.CancelTier()
	}

	// Unrecognized event types that still look like a completed payment
	// are treated as an activation rather than dropped.
	if looksLikePayment(payload.EventType) {
		p.logger.Warn("unrecognized payment-like event type, treating as activation",
			entitlement.Field{Key: "event_type", Value: payload.EventType},
			entitlement.Field{Key: "event_id", Value: payload.EventID})
		tier, period := p.mapPrice(payload.firstPriceID())
		subID := payload.Data.SubscriptionID
		if subID == "" {
			subID = payload.Data.ID
		}
		return billing.ActivateTier(tier, subID, period)
	}

	return billing.Unhandled()
}

// mapPrice resolves a price id through the static price table. An
// unrecognized price id defaults to the lowest paid tier on a monthly
// period; the default is logged, never silently dropped.
func (p *Provider) mapPrice(priceID string) (entitlement.Tier, entitlement.BillingPeriod) {
	if m, ok := p.config.PriceMapping[priceID]; ok {
		return m.Tier, m.Period
	}
	p.logger.Warn("unknown price id, defaulting to pro monthly",
		entitlement.Field{Key: "price_id", Value: priceID})
	return entitlement.TierPro, entitlement.BillingMonthly
}

func looksLikePayment(eventType string) bool {
	return strings.HasPrefix(eventType, "transaction.") ||
		strings.Contains(eventType, "payment")
}
