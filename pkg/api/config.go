package api

import (
	"fmt"
	"net/http"

	"github.com/planpilot/metering/pkg/entitlement"
)

// Config holds configuration for the entitlement API handler.
type Config struct {
	// Manager is the entitlement manager instance (required)
	Manager *entitlement.Manager

	// GetUserID extracts the internal user id from an HTTP request (required)
	GetUserID func(*http.Request) string

	// GetEmail extracts the authenticated email, used when a record is
	// created on first touch. Optional.
	GetEmail func(*http.Request) string

	// IsAdmin gates the force-reset endpoint. If nil, force-reset is
	// disabled and returns 403 for every caller.
	IsAdmin func(*http.Request) bool

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to no-op
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new entitlement API handler with the given
// configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts the user id from a
// header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts the user id from
// the request context.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
