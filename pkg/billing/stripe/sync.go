package stripe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

const syncProvider = "stripe-sync"

// syncUserFromAPI pulls every subscription of the user's Stripe customer and
// replays it through the reconciler as a subscription update observed now.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (entitlement.PlanType, error) {
	startTime := time.Now()
	defer func() {
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	}()

	customerID, err := p.resolveCustomerID(ctx, userID)
	switch {
	case errors.Is(err, billing.ErrUnresolvedCustomer):
		// Never bought anything; the stored plan stands.
		p.metrics.RecordUserSync(providerName, "not_found")
		return p.storedPlan(ctx, userID)
	case err != nil:
		p.metrics.RecordUserSync(providerName, "error")
		return "", err
	}

	callStart := time.Now()
	subs, err := p.api.ListSubscriptions(ctx, customerID)
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(callStart))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
		p.metrics.RecordUserSync(providerName, "error")
		return "", fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "success")

	// Cancellations first so a replacement subscription is not rejected as a
	// second live one.
	live := subs[:0]
	for _, sub := range subs {
		if sub != nil {
			live = append(live, sub)
		}
	}
	subs = live
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].Status == "canceled" && subs[j].Status != "canceled"
	})

	now := time.Now().UTC()
	var errs []error
	for _, sub := range subs {
		status, ok := mapStatus(sub.Status)
		if !ok {
			continue
		}
		if status == billing.StatusCanceled && !p.known(ctx, sub.ID) {
			continue
		}
		data := subscriptionData(sub)
		data.Status = status
		if data.UserID == "" {
			data.UserID = userID
		}
		if data.CustomerID == "" {
			data.CustomerID = customerID
		}
		ev := billing.NewEvent(billing.EventMeta{
			Provider:   syncProvider,
			Type:       billing.EventSubscriptionUpdated,
			OccurredAt: now,
		}, billing.EventSubscriptionUpdated, data)
		if _, err := p.reconciler.Apply(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return "", err
	}
	p.metrics.RecordUserSync(providerName, "success")
	return p.storedPlan(ctx, userID)
}

// resolveCustomerID finds the Stripe customer for a user: the stored link
// first, the Stripe Search API second.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	customerID, err := p.repo.GetCustomerIDForUser(ctx, userID)
	switch {
	case err == nil && customerID != "":
		return customerID, nil
	case err != nil && !errors.Is(err, billing.ErrUnresolvedCustomer):
		return "", &entitlement.RepositoryError{Op: "get_customer_for_user", Err: err}
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	customerID, err = p.api.SearchCustomerByUserID(ctx, userID)
	switch {
	case errors.Is(err, billing.ErrUnresolvedCustomer):
		return "", err
	case err != nil:
		return "", fmt.Errorf("%w: search customer: %v", billing.ErrProviderAPIError, err)
	}
	if err := p.repo.LinkCustomer(ctx, customerID, userID); err != nil {
		p.logger.Warn("failed to store stripe customer link",
			entitlement.Field{Key: "userId", Value: userID},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
	}
	return customerID, nil
}

func (p *Provider) known(ctx context.Context, subscriptionID string) bool {
	_, err := p.repo.GetSubscription(ctx, subscriptionID)
	return err == nil
}

func (p *Provider) storedPlan(ctx context.Context, userID string) (entitlement.PlanType, error) {
	plan, err := p.repo.GetUserPlan(ctx, userID)
	switch {
	case errors.Is(err, entitlement.ErrUserNotFound):
		return p.reconciler.Catalog().BasePlan().Type, nil
	case err != nil:
		return "", &entitlement.RepositoryError{Op: "get_user_plan", Err: err}
	}
	return plan, nil
}

