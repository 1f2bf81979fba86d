package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrUnverifiableEvent is returned when a webhook signature or authenticity check fails
	ErrUnverifiableEvent = errors.New("unverifiable billing event")

	// ErrInvalidTransition is returned when an event would move a subscription
	// along an edge the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid subscription transition")

	// ErrDuplicateActiveSubscription is returned when a user already has a live subscription
	ErrDuplicateActiveSubscription = errors.New("user already has an active subscription")

	// ErrSubscriptionNotFound is returned when an event references an unknown subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUnresolvedCustomer is returned when an event cannot be attributed to a user
	ErrUnresolvedCustomer = errors.New("billing customer not linked to a user")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	SubscriptionID string
	From           Status
	To             Status
	Event          string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("subscription %s: %s cannot move %s -> %s", e.SubscriptionID, e.Event, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
