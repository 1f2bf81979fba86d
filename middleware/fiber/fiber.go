// Package fiber provides Fiber middleware that gates requests on plan limits
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// PlanKey is the Fiber locals key holding the resolved entitlement.Plan.
const PlanKey = "quizgate.plan"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// QuestionCountExtractor returns the proposed question total for
// ActionAddQuestion gates.
type QuestionCountExtractor func(c *fiber.Ctx) (int64, error)

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
	OnQuotaExceeded func(c *fiber.Ctx, err *entitlement.QuotaExceededError) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when no decision could be made
	// If nil, returns 503 for repository failures and 500 otherwise
	OnError func(c *fiber.Ctx, err error) error

	// Warnings adds X-Quota-Warning headers to admitted requests whose
	// usage crossed a threshold. It costs one extra snapshot read.
	Warnings bool
}

// Middleware creates a Fiber middleware that admits a request only when the
// user's plan allows the configured action
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Accountant == nil {
		panic("quizgate/fiber: Config.Accountant is required")
	}
	if cfg.GetUserID == nil {
		panic("quizgate/fiber: Config.GetUserID is required")
	}
	if cfg.Action == entitlement.ActionAddQuestion && cfg.GetQuestionCount == nil {
		panic("quizgate/fiber: Config.GetQuestionCount is required for add_question")
	}
	if cfg.QuotaExceededStatusCode == 0 {
		cfg.QuotaExceededStatusCode = fiber.StatusForbidden
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		req := entitlement.CheckRequest{UserID: userID, Action: cfg.Action}
		if cfg.GetQuestionCount != nil {
			n, err := cfg.GetQuestionCount(c)
			if err != nil {
				return handleError(c, cfg, &entitlement.ValidationError{Field: "questionCount", Reason: err.Error()})
			}
			req.QuestionCount = n
		}

		ctx := c.UserContext()
		d, err := cfg.Accountant.Check(ctx, req)
		if err != nil {
			return handleError(c, cfg, err)
		}
		if !d.Allowed {
			if cfg.OnQuotaExceeded != nil {
				return cfg.OnQuotaExceeded(c, d.Err)
			}
			return defaultQuotaExceeded(c, d.Err, cfg.QuotaExceededStatusCode)
		}

		c.Locals(PlanKey, d.Plan)

		if cfg.Warnings {
			if snap, err := cfg.Accountant.GetUserUsage(ctx, userID); err == nil {
				for _, w := range cfg.Accountant.Warnings(snap) {
					c.Response().Header.Add("X-Quota-Warning", string(w.Type)+"; resource="+string(w.Resource))
				}
			}
		}

		return c.Next()
	}
}

func handleError(c *fiber.Ctx, cfg Config, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, entitlement.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, entitlement.ErrRepository):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"error": utils.StatusMessage(status)})
}

func defaultQuotaExceeded(c *fiber.Ctx, qe *entitlement.QuotaExceededError, statusCode int) error {
	body := fiber.Map{
		"allowed":  false,
		"reason":   qe.Error(),
		"resource": qe.Resource,
		"limit":    qe.Limit,
	}
	if qe.RequiredPlan != "" {
		body["requiredPlan"] = qe.RequiredPlan
	}
	return c.Status(statusCode).JSON(body)
}

// PlanFromContext returns the plan the middleware resolved.
func PlanFromContext(c *fiber.Ctx) (entitlement.Plan, bool) {
	p, ok := c.Locals(PlanKey).(entitlement.Plan)
	return p, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// set by an auth middleware, e.g. c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
