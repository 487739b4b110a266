package paddle

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/planpilot/metering/pkg/billing"
	"github.com/planpilot/metering/pkg/billing/internal"
	"github.com/planpilot/metering/pkg/entitlement"
)

// signatureHeader carries "ts=<unix-seconds>;h1=<hex-hmac>". The expected
// digest is HMAC-SHA256(secret, ts + ":" + rawBody).
const signatureHeader = "Paddle-Signature"

// webhookPayload is the envelope Paddle delivers for every event.
type webhookPayload struct {
	EventType  string    `json:"event_type"`
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       eventData `json:"data"`
}

type eventData struct {
	ID             string      `json:"id"`
	SubscriptionID string      `json:"subscription_id"`
	CustomerID     string      `json:"customer_id"`
	Status         string      `json:"status"`
	Items          []eventItem `json:"items"`
	Customer       struct {
		Email string `json:"email"`
	} `json:"customer"`
}

type eventItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
}

func (p *webhookPayload) firstPriceID() string {
	if len(p.Data.Items) == 0 {
		return ""
	}
	return p.Data.Items[0].Price.ID
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// handleWebhook processes incoming Paddle webhook events. Each delivery
// walks Received -> Verified -> (Duplicate? stop) -> Normalized ->
// Resolved -> Applied, or is rejected at verification/parse failure.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := p.clock()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Verification is unconditional. An unconfigured secret is an
	// operator error, never a bypass.
	if len(p.secret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		}
		return
	}

	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		http.Error(w, "missing signature", http.StatusBadRequest)
		p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		return
	}
	if !p.verifySignature(sig, body) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		return
	}
	if payload.EventID == "" || payload.EventType == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookEvent(providerName, "UNKNOWN", "rejected")
		return
	}

	outcome, err := p.processEvent(r.Context(), &payload)
	if err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, payload.EventType, "error")
		p.metrics.RecordWebhookDuration(providerName, payload.EventType, p.clock().Sub(startTime))
		return
	}

	if err := internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true}); err != nil {
		return
	}
	p.metrics.RecordWebhookEvent(providerName, payload.EventType, outcome)
	p.metrics.RecordWebhookDuration(providerName, payload.EventType, p.clock().Sub(startTime))
}

// processEvent runs dedup, normalization, resolution, and application.
// Returns the outcome label, or an error only for failures the provider
// should redeliver (the handler is idempotent, so redelivery is safe).
func (p *Provider) processEvent(ctx context.Context, payload *webhookPayload) (string, error) {
	processed, err := p.config.Store.HasProcessedEvent(ctx, payload.EventID)
	if err != nil {
		return "", err
	}
	if processed {
		return "duplicate", nil
	}

	action := p.normalize(payload)
	if action.Kind == billing.ActionUnhandled {
		p.logger.Debug("unhandled event type",
			entitlement.Field{Key: "event_type", Value: payload.EventType},
			entitlement.Field{Key: "event_id", Value: payload.EventID})
		return "unhandled", nil
	}

	userID, err := p.resolver.Resolve(ctx, payload.Data.CustomerID, payload.Data.Customer.Email)
	if errors.Is(err, billing.ErrUnresolved) {
		// Retries cannot fix an unknown identity, so acknowledge receipt
		// and leave the event unmarked for a later redelivery to pick up.
		p.logger.Warn("webhook identity unresolved",
			entitlement.Field{Key: "event_type", Value: payload.EventType},
			entitlement.Field{Key: "event_id", Value: payload.EventID},
			entitlement.Field{Key: "customer_id", Value: payload.Data.CustomerID})
		return "unresolved", nil
	}
	if err != nil {
		return "", err
	}

	_, err = p.applier.Apply(ctx, userID, payload.EventID, action)
	if errors.Is(err, entitlement.ErrEventAlreadyProcessed) {
		return "duplicate", nil
	}
	if err != nil {
		return "", err
	}
	return "applied", nil
}

// verifySignature checks the ts/h1 signature against the raw body using a
// constant-time comparison.
func (p *Provider) verifySignature(header string, body []byte) bool {
	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "h1":
			h1 = value
		}
	}
	if ts == "" || h1 == "" {
		return false
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(h1))
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
