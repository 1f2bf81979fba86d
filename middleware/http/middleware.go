// Package http provides net/http middleware that gates requests on plan limits
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// QuestionCountExtractor returns the proposed question total for
// ActionAddQuestion gates.
type QuestionCountExtractor func(r *http.Request) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Accountant evaluates the gate (required)
	Accountant *entitlement.Accountant

	// Action is the gated action (required)
	Action entitlement.Action

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetQuestionCount is required when Action is ActionAddQuestion
	GetQuestionCount QuestionCountExtractor

	// OnQuotaExceeded is called when the plan denies the action
	// If nil, returns 403 with the denial as JSON
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, err *entitlement.QuotaExceededError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when no decision could be made. The request is
	// always rejected.
	// If nil, returns 503 for repository failures and 500 otherwise
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that admits a request only when the
// user's plan allows the configured action. On success the resolved plan is
// available to the handler through PlanFromContext.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Accountant == nil {
		panic("quizgate/http: Config.Accountant is required")
	}
	if config.GetUserID == nil {
		panic("quizgate/http: Config.GetUserID is required")
	}
	if config.Action == entitlement.ActionAddQuestion && config.GetQuestionCount == nil {
		panic("quizgate/http: Config.GetQuestionCount is required for add_question")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			req := entitlement.CheckRequest{UserID: userID, Action: config.Action}
			if config.GetQuestionCount != nil {
				n, err := config.GetQuestionCount(r)
				if err != nil {
					fail(config, w, r, &entitlement.ValidationError{Field: "questionCount", Reason: err.Error()})
					return
				}
				req.QuestionCount = n
			}

			d, err := config.Accountant.Check(r.Context(), req)
			if err != nil {
				fail(config, w, r, err)
				return
			}
			if !d.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, d.Err)
				} else {
					writeJSON(w, http.StatusForbidden, denial(d.Err))
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPlan(r.Context(), d.Plan)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces quota limits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func fail(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, entitlement.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, entitlement.ErrRepository):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
}

func denial(qe *entitlement.QuotaExceededError) map[string]interface{} {
	body := map[string]interface{}{
		"allowed":  false,
		"reason":   qe.Error(),
		"resource": qe.Resource,
		"limit":    qe.Limit,
	}
	if qe.RequiredPlan != "" {
		body["requiredPlan"] = qe.RequiredPlan
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "quizgate:userID"

	planKey ContextKey = "quizgate:plan"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithPlan adds the resolved plan to ctx.
func WithPlan(ctx context.Context, plan entitlement.Plan) context.Context {
	return context.WithValue(ctx, planKey, plan)
}

// PlanFromContext returns the plan resolved by the middleware.
func PlanFromContext(ctx context.Context) (entitlement.Plan, bool) {
	p, ok := ctx.Value(planKey).(entitlement.Plan)
	return p, ok
}
