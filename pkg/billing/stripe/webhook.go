package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/planpilot/metering/pkg/billing"
	"github.com/planpilot/metering/pkg/billing/internal"
	"github.com/planpilot/metering/pkg/entitlement"
)

type receivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := p.clock()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.secret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		http.Error(w, "missing signature", http.StatusBadRequest)
		p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		return
	}

	event, err := stripe.ConstructEvent(body, sig, string(p.secret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		return
	}

	eventType := string(event.Type)
	outcome, err := p.processEvent(r.Context(), &event)
	if err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookDuration(providerName, eventType, p.clock().Sub(startTime))
		return
	}

	if err := internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true}); err != nil {
		return
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	p.metrics.RecordWebhookDuration(providerName, eventType, p.clock().Sub(startTime))
}

func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) (string, error) {
	processed, err := p.config.Store.HasProcessedEvent(ctx, event.ID)
	if err != nil {
		return "", err
	}
	if processed {
		return "duplicate", nil
	}

	action, customerID, email, err := p.normalize(event)
	if err != nil {
		return "", err
	}
	if action.Kind == billing.ActionUnhandled {
		p.logger.Debug("unhandled event type",
			entitlement.Field{Key: "event_type", Value: string(event.Type)},
			entitlement.Field{Key: "event_id", Value: event.ID})
		return "unhandled", nil
	}

	userID, err := p.resolver.Resolve(ctx, customerID, email)
	if errors.Is(err, billing.ErrUnresolved) {
		p.logger.Warn("webhook identity unresolved",
			entitlement.Field{Key: "event_type", Value: string(event.Type)},
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "customer_id", Value: customerID})
		return "unresolved", nil
	}
	if err != nil {
		return "", err
	}

	_, err = p.applier.Apply(ctx, userID, event.ID, action)
	if errors.Is(err, entitlement.ErrEventAlreadyProcessed) {
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	return "applied", nil
}

// normalize maps a Stripe event into a canonical action plus the customer
// reference used for identity resolution.
func (p *Provider) normalize(event *stripe.Event) (billing.Action, string, string, error) {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return billing.Action{}, "", "", fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		customerID := ""
		if sub.Customer != nil {
			customerID = sub.Customer.ID
		}
		if string(sub.Status) != subscriptionStatusActive {
			switch sub.Status {
			case stripe.SubscriptionStatusCanceled:
				return billing.CancelTier(), customerID, "", nil
			case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
				return billing.UpdateStatus(entitlement.StatusPastDue), customerID, "", nil
			default:
				return billing.Unhandled(), customerID, "", nil
			}
		}
		tier, period := p.mapPrice(firstPriceID(&sub))
		return billing.ActivateTier(tier, sub.ID, period), customerID, "", nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return billing.Action{}, "", "", fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		customerID := ""
		if sub.Customer != nil {
			customerID = sub.Customer.ID
		}
		return billing.CancelTier(), customerID, "", nil

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return billing.Action{}, "", "", fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		customerID := ""
		if invoice.Customer != nil {
			customerID = invoice.Customer.ID
		}
		return billing.UpdateStatus(entitlement.StatusPastDue), customerID, invoice.CustomerEmail, nil

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return billing.Action{}, "", "", fmt.Errorf("failed to unmarshal invoice: %w", err)
		}
		customerID := ""
		if invoice.Customer != nil {
			customerID = invoice.Customer.ID
		}
		return billing.UpdateStatus(entitlement.StatusActive), customerID, invoice.CustomerEmail, nil
	}

	return billing.Unhandled(), "", "", nil
}

func firstPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item.Price == nil {
		return ""
	}
	return item.Price.ID
}
