package billing

import (
	"net/http"
	"time"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

const (
	// DefaultWebhookTimeout bounds webhook processing below typical provider timeouts.
	DefaultWebhookTimeout = 5 * time.Second

	// DefaultMaxBodyBytes caps webhook payload size.
	DefaultMaxBodyBytes int64 = 256 * 1024
)

// Config defines the standard configuration all providers accept.
type Config struct {
	// Reconciler applies translated events (required)
	Reconciler *Reconciler

	// WebhookSecret is used to verify incoming webhook signatures
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider (e.g. SyncUser)
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// WebhookTimeout is the hard deadline for processing one delivery (default: 5s)
	WebhookTimeout time.Duration

	// MaxBodyBytes caps the webhook body size (default: 256 KiB)
	MaxBodyBytes int64

	// RateLimitPerMinute caps webhook requests per client IP (default: 100)
	RateLimitPerMinute int

	// Metrics is an optional metrics collector. If nil, metrics are discarded.
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = DefaultWebhookTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RateLimitPerMinute <= 0 {
		c.RateLimitPerMinute = 100
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &entitlement.NoopLogger{}
	}
	return c
}
