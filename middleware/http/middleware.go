// Package http provides HTTP middleware for daily quota enforcement.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/planpilot/metering/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// EmailExtractor extracts the authenticated email, used when a record is
// created on first touch.
type EmailExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetEmail extracts the authenticated email (optional)
	GetEmail EmailExtractor

	// OnQuotaExceeded is called when the daily limit is reached
	// If nil, returns 402 Payment Required with an upgrade prompt
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, res *entitlement.ConsumeResult)

	// OnUnauthorized is called when the user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 503 on retry exhaustion and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that consumes one unit of daily
// quota per request before invoking the wrapped handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			email := ""
			if config.GetEmail != nil {
				email = config.GetEmail(r)
			}

			res, err := config.Manager.CheckAndConsume(r.Context(), userID, email)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else if errors.Is(err, entitlement.ErrConflictRetryExhausted) {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !res.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, res)
				} else {
					http.Error(w, "Daily limit reached. Upgrade your plan for more usage.", http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces the daily quota
// (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "metering:userID"
	// EmailKey is the context key for the authenticated email
	EmailKey ContextKey = "metering:email"
)

// FromContext returns a UserIDExtractor that gets the user ID from the
// request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds the user ID to the request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithEmail adds the authenticated email to the request context.
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, EmailKey, email)
}
