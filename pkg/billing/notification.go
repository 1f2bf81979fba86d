package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// NotificationKind names a user-facing billing notification.
type NotificationKind string

const (
	NotifyPaymentFailed        NotificationKind = "payment_failed"
	NotifyPaymentRecovered     NotificationKind = "payment_recovered"
	NotifyTrialEnding          NotificationKind = "trial_ending"
	NotifySubscriptionCanceled NotificationKind = "subscription_canceled"
	NotifyPlanChanged          NotificationKind = "plan_changed"
)

// Notification is emitted after a reconciled state change.
type Notification struct {
	Kind           NotificationKind     `json:"kind"`
	UserID         string               `json:"userId"`
	SubscriptionID string               `json:"subscriptionId"`
	PreviousPlan   entitlement.PlanType `json:"previousPlan,omitempty"`
	Plan           entitlement.PlanType `json:"plan"`
	Status         Status               `json:"status"`
	Provider       string               `json:"provider"`
	EventType      string               `json:"eventType"`
	OccurredAt     time.Time            `json:"occurredAt"`
	TrialEnd       *time.Time           `json:"trialEnd,omitempty"`
}

// Notifier receives notifications. Implementations must not block: the
// reconciler calls Notify while a webhook is waiting on it.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NoopNotifier discards notifications.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Notification) {}
