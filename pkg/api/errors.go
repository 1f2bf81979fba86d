package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
)

var (
	// ErrUnauthenticated is returned when the request carries no user id
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized is returned when the user may not act on the resource
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	var (
		qe *entitlement.QuotaExceededError
		ve *entitlement.ValidationError
		pe *entitlement.UnknownPlanError
	)
	switch {
	case errors.As(err, &pe):
		// A stored plan outside the catalog is a configuration defect.
		return http.StatusInternalServerError
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnauthorized), errors.Is(err, quiz.ErrNotOwner):
		return http.StatusForbidden
	case errors.As(err, &qe):
		return http.StatusForbidden
	case errors.Is(err, quiz.ErrQuizNotFound):
		return http.StatusNotFound
	case errors.Is(err, quiz.ErrQuizNotPublished):
		return http.StatusConflict
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	case errors.Is(err, entitlement.ErrRepository), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes err with the status StatusFor assigns. Server-side
// failures are logged and their details withheld from the client.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := StatusFor(err)
	body := ErrorResponse{Error: err.Error()}

	var qe *entitlement.QuotaExceededError
	if errors.As(err, &qe) {
		denied := false
		limit := qe.Limit
		body.Allowed = &denied
		body.Reason = qe.Error()
		body.Resource = qe.Resource
		body.Limit = &limit
		body.RequiredPlan = qe.RequiredPlan
	}

	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			entitlement.Field{Key: "method", Value: r.Method},
			entitlement.Field{Key: "path", Value: r.URL.Path},
			entitlement.Field{Key: "status", Value: status},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		body.Error = http.StatusText(status)
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
