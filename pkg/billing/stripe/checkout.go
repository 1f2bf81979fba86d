package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// CheckoutURL creates a Stripe Checkout Session selling plan and returns its
// URL. The user id is stamped on the subscription metadata so webhook
// events can be attributed without a customer lookup.
func (p *Provider) CheckoutURL(ctx context.Context, userID string, plan entitlement.PlanType, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	priceID := p.checkoutPrices[plan]
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_sold")
		return "", &entitlement.ValidationError{Field: "plan", Reason: fmt.Sprintf("%q is not sold", plan)}
	}

	// A failed lookup must not create a second Stripe customer for the user.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrUnresolvedCustomer) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)
	params.Metadata = map[string]string{metadataUserID: userID}

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(userID)
	}

	url, err := p.api.CreateCheckoutSession(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	return url, nil
}
