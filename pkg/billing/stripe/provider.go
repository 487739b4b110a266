// Package stripe implements the billing.Provider interface for Stripe
// webhooks. Events are verified with Stripe's signed-payload scheme and
// normalized into the same canonical actions as every other provider, so
// the reconciliation rules cannot diverge between ingestion paths.
package stripe

import (
	"net/http"
	"time"

	"github.com/planpilot/metering/pkg/billing"
	"github.com/planpilot/metering/pkg/entitlement"
)

const providerName = "stripe"

const subscriptionStatusActive = "active"

// Provider processes Stripe webhook events.
type Provider struct {
	config   billing.Config
	secret   []byte
	applier  *billing.Applier
	resolver *billing.Resolver
	clock    func() time.Time
	logger   entitlement.Logger
	metrics  entitlement.Metrics
}

// New creates a new Stripe provider.
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

// mapPrice resolves a Stripe price id through the static price table,
// defaulting unknown ids to pro/monthly like every other provider.
func (p *Provider) mapPrice(priceID string) (entitlement.Tier, entitlement.BillingPeriod) {
	if m, ok := p.config.PriceMapping[priceID]; ok {
		return m.Tier, m.Period
	}
	p.logger.Warn("unknown price id, defaulting to pro monthly",
		entitlement.Field{Key: "price_id", Value: priceID})
	return entitlement.TierPro, entitlement.BillingMonthly
}
