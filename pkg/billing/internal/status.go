package internal

import (
	"context"
	"errors"
	"net/http"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// ErrorStatus maps a processing error to the HTTP status returned to the
// billing provider, plus a metrics label. 5xx asks the provider to redeliver.
func ErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, entitlement.ErrValidation):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, billing.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, billing.ErrDuplicateActiveSubscription):
		return http.StatusConflict, "duplicate_subscription"
	case errors.Is(err, billing.ErrSubscriptionNotFound), errors.Is(err, billing.ErrUnresolvedCustomer):
		return http.StatusServiceUnavailable, "unresolved"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	case errors.Is(err, entitlement.ErrRepository):
		return http.StatusServiceUnavailable, "repository_error"
	default:
		return http.StatusInternalServerError, "processing_error"
	}
}
