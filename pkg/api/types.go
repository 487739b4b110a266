package api

import "time"

// DailyUsage is the daily quota block embedded in status responses.
// Limit and Remaining are -1 for unlimited tiers.
type DailyUsage struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetDate time.Time `json:"resetDate"`
}

// StatusResponse is the materialized entitlement view served by GET status.
type StatusResponse struct {
	UserID        string     `json:"userId"`
	Email         string     `json:"email,omitempty"`
	Tier          string     `json:"tier"`
	Status        string     `json:"status"`
	BillingPeriod string     `json:"billingPeriod,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	DailyUsage    DailyUsage `json:"dailyUsage"`
}

// ConsumeResponse is the outcome of a consume call. A denied consume is
// still a 200; Allowed carries the decision.
type ConsumeResponse struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetDate time.Time `json:"resetDate"`
}

// ResetResponse acknowledges an admin force-reset.
type ResetResponse struct {
	UserID string `json:"userId"`
	Reset  bool   `json:"reset"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
