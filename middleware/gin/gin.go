// Package gin provides Gin middleware that gates requests on plan limits
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// PlanKey is the Gin context key holding the resolved entitlement.Plan.
const PlanKey = "quizgate.plan"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// QuestionCountExtractor returns the proposed question total for
// ActionAddQuestion gates.
type QuestionCountExtractor func(c *gongin.Context) (int64, error)

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
	OnQuotaExceeded func(c *gongin.Context, err *entitlement.QuotaExceededError)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when no decision could be made
	// If nil, returns 503 for repository failures and 500 otherwise
	OnError func(c *gongin.Context, err error)

	// OnWarning is called on admitted requests whose usage crossed a
	// warning threshold. It should only set headers.
	// If nil, X-Quota-Warning headers are added.
	OnWarning func(c *gongin.Context, warnings []entitlement.UsageWarning)

	// Warnings enables the usage lookup that feeds OnWarning. It costs
	// one extra snapshot read per admitted request.
	Warnings bool
}

// Middleware creates a Gin middleware that admits a request only when the
// user's plan allows the configured action
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Accountant == nil {
		panic("quizgate/gin: Config.Accountant is required")
	}
	if cfg.GetUserID == nil {
		panic("quizgate/gin: Config.GetUserID is required")
	}
	if cfg.Action == entitlement.ActionAddQuestion && cfg.GetQuestionCount == nil {
		panic("quizgate/gin: Config.GetQuestionCount is required for add_question")
	}

	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = http.StatusForbidden
	}
	if cfg.OnWarning == nil {
		cfg.OnWarning = defaultWarningHandler
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		req := entitlement.CheckRequest{UserID: userID, Action: cfg.Action}
		if cfg.GetQuestionCount != nil {
			n, err := cfg.GetQuestionCount(c)
			if err != nil {
				handleError(c, cfg, &entitlement.ValidationError{Field: "questionCount", Reason: err.Error()})
				return
			}
			req.QuestionCount = n
		}

		ctx := c.Request.Context()
		d, err := cfg.Accountant.Check(ctx, req)
		if err != nil {
			handleError(c, cfg, err)
			return
		}
		if !d.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, d.Err)
			} else {
				defaultQuotaExceeded(c, d.Err, cfg.QuotaExceededStatusCode)
			}
			c.Abort()
			return
		}

		c.Set(PlanKey, d.Plan)

		if cfg.Warnings {
			if snap, err := cfg.Accountant.GetUserUsage(ctx, userID); err == nil {
				if ws := cfg.Accountant.Warnings(snap); len(ws) > 0 {
					cfg.OnWarning(c, ws)
				}
			}
		}

		c.Next()
	}
}

func handleError(c *gongin.Context, cfg Config, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
	} else {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, entitlement.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(err, entitlement.ErrRepository):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gongin.H{"error": http.StatusText(status)})
	}
	c.Abort()
}

func defaultQuotaExceeded(c *gongin.Context, qe *entitlement.QuotaExceededError, statusCode int) {
	body := gongin.H{
		"allowed":  false,
		"reason":   qe.Error(),
		"resource": qe.Resource,
		"limit":    qe.Limit,
	}
	if qe.RequiredPlan != "" {
		body["requiredPlan"] = qe.RequiredPlan
	}
	c.JSON(statusCode, body)
}

// defaultWarningHandler adds one X-Quota-Warning header per warning, formatted
// as "<type>; resource=<resource>".
func defaultWarningHandler(c *gongin.Context, warnings []entitlement.UsageWarning) {
	for _, w := range warnings {
		c.Writer.Header().Add("X-Quota-Warning", string(w.Type)+"; resource="+string(w.Resource))
	}
}

// PlanFromContext returns the plan the middleware resolved.
func PlanFromContext(c *gongin.Context) (entitlement.Plan, bool) {
	v, ok := c.Get(PlanKey)
	if !ok {
		return entitlement.Plan{}, false
	}
	p, ok := v.(entitlement.Plan)
	return p, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
