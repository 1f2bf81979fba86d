// Package config loads quizgate's runtime configuration from the
// environment. The sequence is: an optional .env file via godotenv, struct
// tags via envconfig (prefix QUIZGATE), then validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// Prefix is the environment variable prefix, e.g. QUIZGATE_DATABASE_URL.
const Prefix = "QUIZGATE"

// Config is the service configuration.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080" validate:"required"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s" validate:"gt=0"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json console"`

	DatabaseURL string `envconfig:"DATABASE_URL" validate:"required,url"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10" validate:"gt=0"`
	DBMigrate   bool   `envconfig:"DB_MIGRATE" default:"true"`

	// RedisURL enables distributed locking and the shared event ledger.
	RedisURL string `envconfig:"REDIS_URL" validate:"omitempty,url"`

	StripeAPIKey        string `envconfig:"STRIPE_API_KEY"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required_with=StripeAPIKey"`

	// WebhookSecret signs neutral billing envelopes. Empty disables /webhooks/billing.
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`

	// PriceMapping is "price_id:plan,price_id:plan".
	PriceMapping map[string]string `envconfig:"PRICE_MAPPING" validate:"dive,keys,required,endkeys,oneof=free pro premium"`

	// CheckoutPrices is "plan:price_id,..." for the plans sold through checkout.
	CheckoutPrices map[string]string `envconfig:"CHECKOUT_PRICES" validate:"dive,keys,oneof=pro premium,endkeys,required"`

	PastDueGrace       time.Duration `envconfig:"PAST_DUE_GRACE" default:"72h" validate:"gt=0"`
	WebhookTimeout     time.Duration `envconfig:"WEBHOOK_TIMEOUT" default:"5s" validate:"gt=0"`
	WebhookRateLimit   int           `envconfig:"WEBHOOK_RATE_LIMIT" default:"100" validate:"gt=0"`
	SweepSchedule      string        `envconfig:"SWEEP_SCHEDULE" default:"@every 15m" validate:"required"`
	UserIDHeader       string        `envconfig:"USER_ID_HEADER" default:"X-User-ID" validate:"required"`
	NotifyURL          string        `envconfig:"NOTIFY_URL" validate:"omitempty,url"`
	NotifyWorkers      int           `envconfig:"NOTIFY_WORKERS" default:"2" validate:"gt=0"`
	NotifyQueueSize    int           `envconfig:"NOTIFY_QUEUE_SIZE" default:"256" validate:"gt=0"`
	MetricsNamespace   string        `envconfig:"METRICS_NAMESPACE" default:"quizgate" validate:"required"`
	MaxRequestBodySize int64         `envconfig:"MAX_REQUEST_BODY" default:"1048576" validate:"gt=0"`
}

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	// A missing .env file is fine outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Prices returns PriceMapping as catalog input.
func (c *Config) Prices() map[string]entitlement.PlanType {
	out := make(map[string]entitlement.PlanType, len(c.PriceMapping))
	for priceID, plan := range c.PriceMapping {
		out[strings.TrimSpace(priceID)] = entitlement.PlanType(strings.TrimSpace(plan))
	}
	return out
}

// Checkout returns CheckoutPrices keyed by plan.
func (c *Config) Checkout() map[entitlement.PlanType]string {
	out := make(map[entitlement.PlanType]string, len(c.CheckoutPrices))
	for plan, priceID := range c.CheckoutPrices {
		out[entitlement.PlanType(strings.TrimSpace(plan))] = strings.TrimSpace(priceID)
	}
	return out
}

// StripeEnabled reports whether the Stripe provider should be wired.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}
