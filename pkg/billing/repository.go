package billing

import (
	"context"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// SubscriptionRepository persists subscriptions and the user's denormalized
// plan field.
type SubscriptionRepository interface {
	entitlement.PlanSource

	// GetSubscription returns the subscription with the given external id,
	// or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetLiveSubscriptionForUser returns the user's non-canceled
	// subscription, or ErrSubscriptionNotFound.
	GetLiveSubscriptionForUser(ctx context.Context, userID string) (*Subscription, error)

	// ApplySubscription upserts sub keyed by its id and sets the owner's plan
	// field to userPlan in the same transaction. It returns
	// ErrDuplicateActiveSubscription if another live subscription exists
	// for the user.
	ApplySubscription(ctx context.Context, sub *Subscription, userPlan entitlement.PlanType) error

	// ListLiveSubscriptions returns every non-canceled subscription.
	ListLiveSubscriptions(ctx context.Context) ([]*Subscription, error)

	// SetUserPlan overwrites the user's plan field.
	SetUserPlan(ctx context.Context, userID string, plan entitlement.PlanType) error

	// LinkCustomer records which user a billing customer belongs to.
	LinkCustomer(ctx context.Context, customerID, userID string) error

	// GetUserIDForCustomer resolves a billing customer, or returns ErrUnresolvedCustomer.
	GetUserIDForCustomer(ctx context.Context, customerID string) (string, error)

	// GetCustomerIDForUser is the reverse lookup, or ErrUnresolvedCustomer.
	GetCustomerIDForUser(ctx context.Context, userID string) (string, error)
}
