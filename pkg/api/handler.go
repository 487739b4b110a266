// Package api provides HTTP endpoints for entitlement inspection and
// consumption: a status view, the consume operation, and an admin-only
// force-reset.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/planpilot/metering/pkg/entitlement"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints backed by an entitlement.Manager.
type Handler struct {
	config Config
}

// Status returns the user's materialized entitlement view. Reading a
// stale record resets the daily counter as a side effect.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	res, err := h.config.Manager.Status(r.Context(), userID, h.email(r))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get status: %w", err), statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		UserID:        res.UserID,
		Email:         res.Email,
		Tier:          string(res.Tier),
		Status:        string(res.Status),
		BillingPeriod: string(res.BillingPeriod),
		ExpiresAt:     res.ExpiresAt,
		DailyUsage: DailyUsage{
			Used:      res.Used,
			Limit:     res.Limit,
			Remaining: res.Remaining,
			ResetDate: res.ResetDate,
		},
	})
}

// Consume checks and consumes one unit of daily quota. A denied consume
// is a 200 with allowed=false; only transient failures surface as errors.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	res, err := h.config.Manager.CheckAndConsume(r.Context(), userID, h.email(r))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to consume quota: %w", err), statusFor(err))
		return
	}

	h.writeJSON(w, http.StatusOK, ConsumeResponse{
		Allowed:   res.Allowed,
		Remaining: res.Remaining,
		ResetDate: res.ResetDate,
	})
}

// ForceReset zeroes the user's daily counter. Admin only.
func (h *Handler) ForceReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	if h.config.IsAdmin == nil || !h.config.IsAdmin(r) {
		h.handleError(w, r, fmt.Errorf("forbidden"), http.StatusForbidden)
		return
	}

	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if _, err := h.config.Manager.ForceReset(r.Context(), userID); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to reset quota: %w", err), statusFor(err))
		return
	}

	h.config.Logger.Info("quota reset via api", entitlement.Field{Key: "user_id", Value: userID})
	h.writeJSON(w, http.StatusOK, ResetResponse{UserID: userID, Reset: true})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) email(r *http.Request) string {
	if h.config.GetEmail == nil {
		return ""
	}
	return h.config.GetEmail(r)
}

// statusFor maps manager errors onto HTTP statuses. Retry exhaustion is a
// transient condition, so it maps to 503 rather than a client error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, entitlement.ErrConflictRetryExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, entitlement.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return
	}
}
