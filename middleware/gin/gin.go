// Package gin provides Gin middleware for daily quota enforcement.
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/planpilot/metering/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// EmailExtractor extracts the authenticated email from a Gin context.
type EmailExtractor func(c *gongin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetEmail extracts the authenticated email (optional)
	GetEmail EmailExtractor

	// QuotaExceededStatusCode is the HTTP status code returned when the
	// daily limit is reached
	// Default: 402 (Payment Required)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the daily limit is reached
	// If nil, uses the default JSON upgrade-prompt response
	OnQuotaExceeded func(c *gongin.Context, res *entitlement.ConsumeResult)

	// OnUnauthorized is called when the user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 503 on retry exhaustion and 500 otherwise
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that consumes one unit of daily
// quota per request.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("metering/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("metering/gin: Config.GetUserID is required")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusPaymentRequired
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{
					"error": "unauthorized",
				})
			}
			return
		}

		email := ""
		if cfg.GetEmail != nil {
			email = cfg.GetEmail(c)
		}

		res, err := cfg.Manager.CheckAndConsume(c.Request.Context(), userID, email)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else if errors.Is(err, entitlement.ErrConflictRetryExhausted) {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gongin.H{
					"error": "busy, try again",
				})
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{
					"error": "internal error",
				})
			}
			return
		}

		if !res.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, res)
			} else {
				c.AbortWithStatusJSON(cfg.QuotaExceededStatusCode, gongin.H{
					"error":     "daily limit reached",
					"upgrade":   true,
					"remaining": res.Remaining,
					"resetDate": res.ResetDate,
				})
			}
			return
		}

		c.Next()
	}
}

// UserIDFromHeader returns a UserIDExtractor that reads the user ID from
// a header.
func UserIDFromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// UserIDFromContext returns a UserIDExtractor that reads the user ID from
// Gin's keyed context.
func UserIDFromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if v, ok := c.Get(key); ok {
			if userID, ok := v.(string); ok {
				return userID
			}
		}
		return ""
	}
}
