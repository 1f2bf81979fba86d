// Package echo provides Echo middleware that gates requests on plan limits
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// PlanKey is the Echo context key holding the resolved entitlement.Plan.
const PlanKey = "quizgate.plan"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// QuestionCountExtractor returns the proposed question total for
// ActionAddQuestion gates.
type QuestionCountExtractor func(c echo.Context) (int64, error)

// Config holds middleware configuration
type Config struct {
	// Accountant evaluates the gate (required)
	Accountant *entitlement.Accountant

	// Action is the gated action (required)
	Action entitlement.Action

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetQuestionCount is required when Action is ActionAddQuestion
	GetQuestionCount QuestionCountExtractor

	// QuotaExceededStatusCode is the HTTP status code to return when the plan denies the action
	// Default: 403 (Forbidden)
	QuotaExceededStatusCode int

	// OnQuotaExceeded is called when the plan denies the action
	// If nil, uses default response: QuotaExceededStatusCode JSON with the denial
	OnQuotaExceeded func(c echo.Context, err *entitlement.QuotaExceededError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when no decision could be made
	// If nil, returns 503 for repository failures and 500 otherwise
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits a request only when the
// user's plan allows the configured action
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Accountant == nil {
		panic("quizgate/echo: Config.Accountant is required")
	}
	if cfg.GetUserID == nil {
		panic("quizgate/echo: Config.GetUserID is required")
	}
	if cfg.Action == entitlement.ActionAddQuestion && cfg.GetQuestionCount == nil {
		panic("quizgate/echo: Config.GetQuestionCount is required for add_question")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusForbidden
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			req := entitlement.CheckRequest{UserID: userID, Action: cfg.Action}
			if cfg.GetQuestionCount != nil {
				n, err := cfg.GetQuestionCount(c)
				if err != nil {
					return handleError(c, cfg, &entitlement.ValidationError{Field: "questionCount", Reason: err.Error()})
				}
				req.QuestionCount = n
			}

			d, err := cfg.Accountant.Check(c.Request().Context(), req)
			if err != nil {
				return handleError(c, cfg, err)
			}
			if !d.Allowed {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, d.Err)
				}
				return defaultQuotaExceeded(c, d.Err, cfg.QuotaExceededStatusCode)
			}

			c.Set(PlanKey, d.Plan)
			return next(c)
		}
	}
}

func handleError(c echo.Context, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, entitlement.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, entitlement.ErrRepository):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": http.StatusText(status)})
}

func defaultQuotaExceeded(c echo.Context, qe *entitlement.QuotaExceededError, statusCode int) error {
	body := map[string]interface{}{
		"allowed":  false,
		"reason":   qe.Error(),
		"resource": qe.Resource,
		"limit":    qe.Limit,
	}
	if qe.RequiredPlan != "" {
		body["requiredPlan"] = qe.RequiredPlan
	}
	return c.JSON(statusCode, body)
}

// PlanFromContext returns the plan the middleware resolved.
func PlanFromContext(c echo.Context) (entitlement.Plan, bool) {
	p, ok := c.Get(PlanKey).(entitlement.Plan)
	return p, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
