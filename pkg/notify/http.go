package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/mihaimyh/quizgate/pkg/billing"
)

// ErrUnavailable is returned while the endpoint's circuit is open.
var ErrUnavailable = errors.New("notification endpoint unavailable")

// HTTPConfig configures an HTTPSender.
type HTTPConfig struct {
	// URL receives one JSON-encoded billing.Notification per POST (required)
	URL string

	// Client performs requests (default: 10s timeout)
	Client *http.Client

	// FailureThreshold is how many consecutive failures open the circuit (default: 5)
	FailureThreshold uint32

	// OpenTimeout is how long the circuit stays open before probing (default: 30s)
	OpenTimeout time.Duration
}

// HTTPSender posts notifications to a webhook endpoint behind a circuit
// breaker. 5xx and 429 responses count as failures; other 4xx do not trip
// the breaker but are still reported.
type HTTPSender struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[int]
}

// NewHTTPSender creates an HTTPSender.
func NewHTTPSender(cfg HTTPConfig) (*HTTPSender, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: url is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "notify-http",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			return err == nil || (errors.As(err, &se) && !se.Retryable())
		},
	})

	return &HTTPSender{url: cfg.URL, client: cfg.Client, breaker: cb}, nil
}

// StatusError is a non-2xx response from the endpoint.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notification endpoint returned %d", e.Code)
}

// Retryable reports whether the endpoint may accept the same request later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// State returns the current circuit state.
func (s *HTTPSender) State() gobreaker.State {
	return s.breaker.State()
}

// Send posts n as JSON.
func (s *HTTPSender) Send(ctx context.Context, n billing.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	_, err = s.breaker.Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp.StatusCode, &StatusError{Code: resp.StatusCode}
		}
		return resp.StatusCode, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
