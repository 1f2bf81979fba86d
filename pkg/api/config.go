package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
)

// DefaultUserIDHeader is the header the upstream auth layer sets.
const DefaultUserIDHeader = "X-User-ID"

// Config holds configuration for the API handler
type Config struct {
	// Accountant answers usage checks and stats (required)
	Accountant *entitlement.Accountant

	// Quizzes serves quiz mutations and submissions (required)
	Quizzes *quiz.Service

	// Billing serves checkout and plan sync. If nil, the /billing routes
	// are not mounted.
	Billing BillingService

	// GetUserID extracts the authenticated user id from the request
	// (default: FromHeader(DefaultUserIDHeader))
	GetUserID func(*http.Request) string

	// MaxBodyBytes caps request bodies (default: 1 MiB)
	MaxBodyBytes int64

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

// BillingService is the slice of a billing provider the API exposes to users.
type BillingService interface {
	CheckoutURL(ctx context.Context, userID string, plan entitlement.PlanType, successURL, cancelURL string) (string, error)
	SyncUser(ctx context.Context, userID string) (entitlement.PlanType, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Accountant == nil {
		return fmt.Errorf("accountant is required")
	}
	if c.Quizzes == nil {
		return fmt.Errorf("quiz service is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromHeader(DefaultUserIDHeader)
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{
		config: config,
		checks: newCheckTable(),
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
