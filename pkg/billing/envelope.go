package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// Envelope is the provider-neutral signed webhook body:
//
//	{"id": "...", "type": "subscription.updated", "createdAt": "...",
//	 "data": {"id": "...", "customerId": "...", "status": "active", ...}}
//
// For invoice events data.id is the subscription the invoice belongs to.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type" validate:"required"`
	CreatedAt *time.Time      `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// EnvelopeData is the subscription payload of a neutral envelope.
type EnvelopeData struct {
	ID                 string         `json:"id" validate:"required"`
	CustomerID         string         `json:"customerId"`
	UserID             string         `json:"userId"`
	Status             string         `json:"status" validate:"omitempty,oneof=trialing active past_due canceled"`
	CurrentPeriodStart *time.Time     `json:"currentPeriodStart"`
	CurrentPeriodEnd   *time.Time     `json:"currentPeriodEnd"`
	TrialEnd           *time.Time     `json:"trialEnd"`
	CancelAtPeriodEnd  bool           `json:"cancelAtPeriodEnd"`
	Items              []EnvelopeItem `json:"items" validate:"dive"`
}

// EnvelopeItem is one subscription line.
type EnvelopeItem struct {
	PriceID string `json:"priceId" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseEnvelope decodes and validates a neutral envelope once at the
// boundary. Malformed shapes fail with *entitlement.ValidationError.
// receivedAt stands in for a missing createdAt.
func ParseEnvelope(raw []byte, receivedAt time.Time) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &entitlement.ValidationError{Field: "body", Reason: err.Error()}
	}
	if err := validate.Struct(env); err != nil {
		return nil, validationError(err)
	}

	meta := EventMeta{ID: env.ID, Provider: "webhook", Type: env.Type, OccurredAt: receivedAt.UTC()}
	if env.CreatedAt != nil {
		meta.OccurredAt = env.CreatedAt.UTC()
	}

	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventInvoicePaymentSucceeded, EventInvoicePaymentFailed, EventTrialWillEnd:
	default:
		return UnknownEvent{EventMeta: meta}, nil
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &entitlement.ValidationError{Field: "data", Reason: "required"}
	}
	var d EnvelopeData
	if err := json.Unmarshal(env.Data, &d); err != nil {
		return nil, &entitlement.ValidationError{Field: "data", Reason: err.Error()}
	}
	if err := validate.Struct(d); err != nil {
		return nil, validationError(err)
	}
	if env.Type == EventSubscriptionUpdated && d.Status == "" {
		return nil, &entitlement.ValidationError{Field: "data.status", Reason: "required for " + env.Type}
	}
	if d.CurrentPeriodStart != nil && d.CurrentPeriodEnd != nil && d.CurrentPeriodEnd.Before(*d.CurrentPeriodStart) {
		return nil, &entitlement.ValidationError{Field: "data.currentPeriodEnd", Reason: "before currentPeriodStart"}
	}

	data := SubscriptionData{
		ID:                d.ID,
		CustomerID:        d.CustomerID,
		UserID:            d.UserID,
		Status:            Status(d.Status),
		TrialEnd:          utcPtr(d.TrialEnd),
		CancelAtPeriodEnd: d.CancelAtPeriodEnd,
	}
	if d.CurrentPeriodStart != nil {
		data.CurrentPeriodStart = d.CurrentPeriodStart.UTC()
	}
	if d.CurrentPeriodEnd != nil {
		data.CurrentPeriodEnd = d.CurrentPeriodEnd.UTC()
	}
	for _, it := range d.Items {
		data.PriceIDs = append(data.PriceIDs, it.PriceID)
	}
	return NewEvent(meta, env.Type, data), nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &entitlement.ValidationError{
			Field:  fe.Namespace(),
			Reason: fmt.Sprintf("failed %q check", fe.Tag()),
		}
	}
	return &entitlement.ValidationError{Reason: err.Error()}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
