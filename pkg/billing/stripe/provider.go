// Package stripe feeds Stripe subscription events into the billing
// reconciler and offers Stripe-backed sync and checkout.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/billing/internal"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

const (
	providerName           = "stripe"
	defaultHTTPTimeout     = 10 * time.Second
	defaultRateLimitWindow = time.Minute
	metadataUserID         = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Reconciler, WebhookSecret, APIKey, etc.)

	// CheckoutPrices maps a plan to the Stripe Price ID sold for it.
	// Required for CheckoutURL; several catalog prices may share one plan.
	CheckoutPrices map[entitlement.PlanType]string

	// API overrides the Stripe API client (tests). If nil, one is built
	// from APIKey.
	API API
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	reconciler     *billing.Reconciler
	repo           billing.SubscriptionRepository
	config         billing.Config
	rateLimiter    *internal.RateLimiter
	webhookSecret  string
	api            API
	checkoutPrices map[entitlement.PlanType]string
	syncGroup      singleflight.Group
	metrics        billing.Metrics
	logger         entitlement.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	base := config.Config.WithDefaults()

	api := config.API
	if api == nil {
		apiKey := strings.TrimSpace(base.APIKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}
		httpClient := base.HTTPClient
		if httpClient == nil {
			httpClient = &http.Client{Timeout: defaultHTTPTimeout}
		}
		api = newClientAPI(apiKey, httpClient)
	}

	prices := make(map[entitlement.PlanType]string, len(config.CheckoutPrices))
	for plan, priceID := range config.CheckoutPrices {
		prices[plan] = strings.TrimSpace(priceID)
	}

	return &Provider{
		reconciler:     config.Reconciler,
		repo:           config.Reconciler.Repository(),
		config:         base,
		rateLimiter:    internal.NewRateLimiter(base.RateLimitPerMinute, defaultRateLimitWindow),
		webhookSecret:  strings.TrimSpace(base.WebhookSecret),
		api:            api,
		checkoutPrices: prices,
		metrics:        base.Metrics,
		logger:         base.Logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser re-reads the user's subscriptions from Stripe and reconciles
// them. Concurrent syncs for the same user share one Stripe round trip.
func (p *Provider) SyncUser(ctx context.Context, userID string) (entitlement.PlanType, error) {
	v, err, _ := p.syncGroup.Do(userID, func() (interface{}, error) {
		return p.syncUserFromAPI(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(entitlement.PlanType), nil
}

// API is the subset of the Stripe API the provider calls.
type API interface {
	// SearchCustomerByUserID finds the customer whose metadata carries userID.
	SearchCustomerByUserID(ctx context.Context, userID string) (string, error)

	// ListSubscriptions returns every subscription of a customer, any status.
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)

	// CreateCheckoutSession creates a hosted checkout and returns its URL.
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (string, error)
}

type clientAPI struct {
	client *stripe.Client
}

func newClientAPI(apiKey string, httpClient *http.Client) *clientAPI {
	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{HTTPClient: httpClient})
	return &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(backends))}
}

func (c *clientAPI) SearchCustomerByUserID(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = "metadata['" + metadataUserID + "']:'" + strings.ReplaceAll(userID, "'", "\\'") + "'"

	for cust, err := range c.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", err
		}
		// Search can return partial matches.
		if cust.Metadata != nil && cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}
	return "", billing.ErrUnresolvedCustomer
}

func (c *clientAPI) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (c *clientAPI) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (string, error) {
	session, err := c.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", err
	}
	return session.URL, nil
}
