// Package webhook serves the provider-neutral billing envelope, signed with
// HMAC-SHA256 by whatever billing backend sits in front of the service.
//
// The signature header has the form
//
//	X-Billing-Signature: t=<unix seconds>,v1=<hex hmac-sha256("<t>.<body>")>
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/billing/internal"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

const (
	providerName = "webhook"

	// SignatureHeader carries the envelope signature.
	SignatureHeader = "X-Billing-Signature"

	// DefaultTolerance is how far the signed timestamp may drift from now.
	DefaultTolerance = 5 * time.Minute
)

// Config configures the neutral webhook handler.
type Config struct {
	billing.Config

	// Tolerance bounds signature timestamp drift (default: 5m)
	Tolerance time.Duration

	// Clock is used for timestamp checks (default: SystemClock)
	Clock entitlement.Clock
}

// Handler verifies, parses and applies neutral billing envelopes.
type Handler struct {
	reconciler  *billing.Reconciler
	config      billing.Config
	secret      []byte
	tolerance   time.Duration
	clock       entitlement.Clock
	rateLimiter *internal.RateLimiter
	metrics     billing.Metrics
	logger      entitlement.Logger
}

// NewHandler creates a neutral webhook handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Reconciler == nil || strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	base := cfg.Config.WithDefaults()
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Clock == nil {
		cfg.Clock = entitlement.SystemClock{}
	}
	return &Handler{
		reconciler:  cfg.Reconciler,
		config:      base,
		secret:      []byte(strings.TrimSpace(base.WebhookSecret)),
		tolerance:   cfg.Tolerance,
		clock:       cfg.Clock,
		rateLimiter: internal.NewRateLimiter(base.RateLimitPerMinute, time.Minute),
		metrics:     base.Metrics,
		logger:      base.Logger,
	}, nil
}

// Name returns the provider name.
func (h *Handler) Name() string { return providerName }

// WebhookHandler returns the rate-limited HTTP handler.
func (h *Handler) WebhookHandler() http.Handler {
	return h.rateLimiter.Middleware(http.HandlerFunc(h.serve))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Cache-Control", "no-store")

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			h.metrics.RecordWebhookError(providerName, "payload_too_large")
			return
		}
		internal.WriteError(w, http.StatusBadRequest, "invalid payload")
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	now := h.clock.Now()
	if err := Verify(body, r.Header.Get(SignatureHeader), h.secret, now, h.tolerance); err != nil {
		h.logger.Warn("rejecting unverifiable billing webhook", entitlement.Field{Key: "error", Value: err.Error()})
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		h.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	ev, err := billing.ParseEnvelope(body, now)
	if err != nil {
		internal.WriteError(w, http.StatusBadRequest, err.Error())
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	eventType := ev.Meta().Type
	ctx, cancel := context.WithTimeout(r.Context(), h.config.WebhookTimeout)
	defer cancel()

	outcome, err := h.reconciler.Apply(ctx, ev)
	h.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	if err != nil {
		status, errType := internal.ErrorStatus(err)
		h.logger.Error("billing webhook processing failed",
			entitlement.Field{Key: "eventId", Value: ev.Meta().ID},
			entitlement.Field{Key: "type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		h.metrics.RecordWebhookEvent(providerName, eventType, "error")
		h.metrics.RecordWebhookError(providerName, errType)
		internal.WriteError(w, status, http.StatusText(status))
		return
	}

	status := "success"
	if outcome == billing.OutcomeIgnored {
		status = "ignored"
	}
	h.metrics.RecordWebhookEvent(providerName, eventType, status)
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// Sign returns the signature header value for body at t.
func Sign(body, secret []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac(body, secret, ts))
}

// Verify checks a signature header produced by Sign. Any failure wraps
// billing.ErrUnverifiableEvent.
func Verify(body []byte, header string, secret []byte, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", billing.ErrUnverifiableEvent, SignatureHeader)
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			if sig, err := hex.DecodeString(v); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed signature header", billing.ErrUnverifiableEvent)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", billing.ErrUnverifiableEvent)
	}
	if d := now.Sub(time.Unix(unix, 0)); d > tolerance || d < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", billing.ErrUnverifiableEvent)
	}

	want := mac(body, secret, ts)
	for _, sig := range sigs {
		if hmac.Equal(sig, want) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", billing.ErrUnverifiableEvent)
}

func mac(body, secret []byte, ts string) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(body)
	return m.Sum(nil)
}
