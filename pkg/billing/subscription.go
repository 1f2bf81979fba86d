package billing

import (
	"time"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// DefaultGracePeriod is how long a past_due subscription keeps its plan.
const DefaultGracePeriod = 72 * time.Hour

// Status is a subscription lifecycle state.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions lists the statuses reachable from each status. Re-entering the
// same status is allowed so replays rewrite identical values. Canceled is
// terminal.
var transitions = map[Status]map[Status]bool{
	StatusTrialing: {StatusTrialing: true, StatusActive: true, StatusPastDue: true, StatusCanceled: true},
	StatusActive:   {StatusActive: true, StatusPastDue: true, StatusCanceled: true},
	StatusPastDue:  {StatusPastDue: true, StatusActive: true, StatusCanceled: true},
	StatusCanceled: {StatusCanceled: true},
}

// CanTransition reports whether a subscription may move from one status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Subscription is the persisted mirror of an external subscription. ID is the
// billing provider's identifier and the idempotency key for upserts.
type Subscription struct {
	ID                 string               `json:"id"`
	UserID             string               `json:"userId"`
	CustomerID         string               `json:"customerId"`
	PlanType           entitlement.PlanType `json:"planType"`
	Status             Status               `json:"status"`
	CurrentPeriodStart time.Time            `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time            `json:"currentPeriodEnd"`
	TrialEnd           *time.Time           `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd  bool                 `json:"cancelAtPeriodEnd"`

	// PastDueSince is set when the subscription enters past_due.
	PastDueSince *time.Time `json:"pastDueSince,omitempty"`

	// LastEventAt is the occurrence time of the last applied event.
	LastEventAt time.Time `json:"lastEventAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Live reports whether the subscription still counts towards the
// one-subscription-per-user rule.
func (s *Subscription) Live() bool {
	return s.Status != StatusCanceled
}

// EffectivePlan is the plan a subscription grants at now. Past-due
// subscriptions keep their plan for the grace period; canceled ones grant the
// base plan.
func EffectivePlan(s *Subscription, now time.Time, grace time.Duration, base entitlement.PlanType) entitlement.PlanType {
	switch s.Status {
	case StatusTrialing, StatusActive:
		return s.PlanType
	case StatusPastDue:
		if s.PastDueSince != nil && now.Before(s.PastDueSince.Add(grace)) {
			return s.PlanType
		}
		return base
	default:
		return base
	}
}
