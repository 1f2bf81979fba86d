package api

import (
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
	"github.com/mihaimyh/quizgate/pkg/scoring"
)

// CheckRequest is the usage check body.
type CheckRequest struct {
	Action        entitlement.Action `json:"action"`
	QuestionCount *int64             `json:"questionCount,omitempty"`
}

// CheckResponse answers a usage check. Resource, Limit and RequiredPlan are
// set on a quota denial.
type CheckResponse struct {
	Allowed      bool                 `json:"allowed"`
	Reason       string               `json:"reason,omitempty"`
	Resource     entitlement.Resource `json:"resource,omitempty"`
	Limit        *int64               `json:"limit,omitempty"`
	RequiredPlan entitlement.PlanType `json:"requiredPlan,omitempty"`
}

// UsageResponse is the usage stats body. Views is always null: response
// views are not tracked.
type UsageResponse struct {
	Plan           entitlement.PlanType       `json:"plan"`
	Usage          *entitlement.UsageSnapshot `json:"usage"`
	Warnings       []entitlement.UsageWarning `json:"warnings"`
	Recommendation *entitlement.Plan          `json:"recommendation"`
	Views          *int64                     `json:"views"`
}

// CreateQuizRequest is the quiz creation body.
type CreateQuizRequest struct {
	Title string `json:"title"`
}

// AddQuestionsRequest is the question addition body.
type AddQuestionsRequest struct {
	Questions []quiz.Question `json:"questions"`
}

// PublishRequest toggles whether a quiz accepts responses.
type PublishRequest struct {
	Published bool `json:"published"`
}

// SubmitRequest is a public quiz submission.
type SubmitRequest struct {
	Answers []scoring.Answer `json:"answers"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error        string               `json:"error"`
	Allowed      *bool                `json:"allowed,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Resource     entitlement.Resource `json:"resource,omitempty"`
	Limit        *int64               `json:"limit,omitempty"`
	RequiredPlan entitlement.PlanType `json:"requiredPlan,omitempty"`
}

// CheckoutRequest starts a hosted checkout for a plan.
type CheckoutRequest struct {
	Plan       entitlement.PlanType `json:"plan"`
	SuccessURL string               `json:"successUrl"`
	CancelURL  string               `json:"cancelUrl"`
}

// CheckoutResponse carries the hosted checkout URL.
type CheckoutResponse struct {
	URL string `json:"url"`
}

// SyncResponse reports the plan after a provider sync.
type SyncResponse struct {
	Plan entitlement.PlanType `json:"plan"`
}
