package entitlement

import "time"

// Unlimited is the limit sentinel meaning "no cap".
const Unlimited int64 = -1

// PlanType identifies a plan in the closed catalog enumeration.
type PlanType string

const (
	PlanFree    PlanType = "free"
	PlanPro     PlanType = "pro"
	PlanPremium PlanType = "premium"
)

// Resource identifies a metered resource.
type Resource string

const (
	ResourceQuizzes   Resource = "quizzes"
	ResourceQuestions Resource = "questions"
	ResourceStorage   Resource = "storage"
	ResourceResponses Resource = "responses"
)

// UsageResources lists the resources reported in a usage snapshot, in the
// order warnings are emitted.
var UsageResources = []Resource{ResourceQuizzes, ResourceStorage, ResourceResponses}

func (r Resource) label() string {
	switch r {
	case ResourceQuizzes:
		return "quiz"
	case ResourceQuestions:
		return "questions-per-quiz"
	case ResourceStorage:
		return "storage"
	case ResourceResponses:
		return "monthly response"
	default:
		return string(r)
	}
}

// Feature names a capability toggled per plan.
type Feature string

const (
	FeatureCustomBranding    Feature = "custom_branding"
	FeatureCSVExport         Feature = "csv_export"
	FeatureAdvancedAnalytics Feature = "advanced_analytics"
	FeatureTrackingPixels    Feature = "tracking_pixels"
	FeatureRemoveWatermark   Feature = "remove_watermark"
	FeatureLeadWebhooks      Feature = "lead_webhooks"
)

// Limits holds a plan's resource caps. Each is non-negative or Unlimited.
type Limits struct {
	MaxQuizzes           int64 `json:"maxQuizzes"`
	MaxQuestionsPerQuiz  int64 `json:"maxQuestionsPerQuiz"`
	MaxResponsesPerMonth int64 `json:"maxResponsesPerMonth"`
	MaxStorageBytes      int64 `json:"maxStorageBytes"`
}

// For returns the limit that applies to resource r.
func (l Limits) For(r Resource) int64 {
	switch r {
	case ResourceQuizzes:
		return l.MaxQuizzes
	case ResourceQuestions:
		return l.MaxQuestionsPerQuiz
	case ResourceStorage:
		return l.MaxStorageBytes
	case ResourceResponses:
		return l.MaxResponsesPerMonth
	default:
		return 0
	}
}

// Plan bundles limits and feature flags. Plans are immutable once the
// catalog is built.
type Plan struct {
	Type     PlanType         `json:"type"`
	Name     string           `json:"name"`
	Limits   Limits           `json:"limits"`
	Features map[Feature]bool `json:"features"`
}

// HasFeature reports whether the plan enables f.
func (p Plan) HasFeature(f Feature) bool {
	return p.Features[f]
}

// ResourceUsage is the consumption of one resource against its limit.
// Percentage is nil when the limit is Unlimited.
type ResourceUsage struct {
	Current    int64 `json:"current"`
	Limit      int64 `json:"limit"`
	Percentage *int  `json:"percentage,omitempty"`
}

// Unlimited reports whether the resource has no cap.
func (u ResourceUsage) Unlimited() bool {
	return u.Limit == Unlimited
}

// AtOrOverLimit reports whether a finite limit has been reached.
func (u ResourceUsage) AtOrOverLimit() bool {
	return !u.Unlimited() && u.Current >= u.Limit
}

// UsageSnapshot is a derived, never persisted view of a user's consumption.
type UsageSnapshot struct {
	Plan      PlanType      `json:"plan"`
	Period    Period        `json:"period"`
	Quizzes   ResourceUsage `json:"quizzes"`
	Storage   ResourceUsage `json:"storage"`
	Responses ResourceUsage `json:"responses"`
}

// Get returns the usage entry for r.
func (s *UsageSnapshot) Get(r Resource) ResourceUsage {
	switch r {
	case ResourceQuizzes:
		return s.Quizzes
	case ResourceStorage:
		return s.Storage
	case ResourceResponses:
		return s.Responses
	default:
		return ResourceUsage{}
	}
}

// WarningType is the severity of a usage warning.
type WarningType string

const (
	WarningTypeWarning WarningType = "warning"
	WarningTypeError   WarningType = "error"
)

// UsageWarning is emitted when a resource crosses a usage threshold.
type UsageWarning struct {
	Type     WarningType `json:"type"`
	Resource Resource    `json:"resource"`
	Message  string      `json:"message"`
}

// Action is a resource-mutating request guarded by a quota gate.
type Action string

const (
	ActionCreateQuiz      Action = "create_quiz"
	ActionAddQuestion     Action = "add_question"
	ActionReceiveResponse Action = "receive_response"
)

// Actions lists every gated action.
var Actions = []Action{ActionCreateQuiz, ActionAddQuestion, ActionReceiveResponse}

// CheckRequest asks whether a user may perform an action.
// QuestionCount is the proposed total for ActionAddQuestion.
type CheckRequest struct {
	UserID        string
	Action        Action
	QuestionCount int64
}

// Decision is the result of a quota gate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	// Plan is the plan the decision was made against.
	Plan Plan `json:"-"`

	// Err is set on denial.
	Err *QuotaExceededError `json:"-"`
}

// Period is a half-open interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}
