package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// Provider is the interface a billing backend implements to feed the reconciler.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, translates and
	// applies real-time events.
	WebhookHandler() http.Handler

	// SyncUser pulls the user's subscription state from the provider and
	// reconciles it. It is the fallback when webhooks were missed.
	// Returns the user's resulting plan.
	SyncUser(ctx context.Context, userID string) (entitlement.PlanType, error)
}
