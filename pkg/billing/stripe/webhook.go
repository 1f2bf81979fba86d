package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/billing/internal"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

const eventCheckoutCompleted = "checkout.session.completed"

// Stripe event names translated into neutral billing events.
var neutralTypes = map[stripe.EventType]string{
	"customer.subscription.created":        billing.EventSubscriptionCreated,
	"customer.subscription.updated":        billing.EventSubscriptionUpdated,
	"customer.subscription.deleted":        billing.EventSubscriptionDeleted,
	"customer.subscription.trial_will_end": billing.EventTrialWillEnd,
	"invoice.payment_succeeded":            billing.EventInvoicePaymentSucceeded,
	"invoice.paid":                         billing.EventInvoicePaymentSucceeded,
	"invoice.payment_failed":               billing.EventInvoicePaymentFailed,
}

// handleWebhook verifies, translates and applies one Stripe delivery.
// Unverifiable deliveries are rejected before anything is read from the store.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if p.webhookSecret == "" {
		internal.WriteError(w, http.StatusServiceUnavailable, "webhook not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			internal.WriteError(w, http.StatusBadRequest, "invalid payload")
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := p.verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.logger.Warn("rejecting unverifiable stripe webhook", entitlement.Field{Key: "error", Value: err.Error()})
		internal.WriteError(w, http.StatusBadRequest, "invalid signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	ctx, cancel := context.WithTimeout(r.Context(), p.config.WebhookTimeout)
	defer cancel()

	outcome, err := p.processWebhookEvent(ctx, &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		status, errType := internal.ErrorStatus(err)
		p.logger.Error("stripe webhook processing failed",
			entitlement.Field{Key: "eventId", Value: event.ID},
			entitlement.Field{Key: "type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, errType)
		internal.WriteError(w, status, http.StatusText(status))
		return
	}

	status := "success"
	if outcome == billing.OutcomeIgnored {
		status = "ignored"
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, status)
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}

// verify checks the Stripe-Signature header against the raw body.
func (p *Provider) verify(body []byte, header string) (stripe.Event, error) {
	if header == "" {
		return stripe.Event{}, billing.ErrUnverifiableEvent
	}
	event, err := stripe.ConstructEvent(body, header, p.webhookSecret, stripe.WithIgnoreAPIVersionMismatch())
	if err != nil {
		return stripe.Event{}, errors.Join(billing.ErrUnverifiableEvent, err)
	}
	return event, nil
}

func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) (billing.Outcome, error) {
	if event.Type == eventCheckoutCompleted {
		return p.handleCheckoutSessionCompleted(ctx, event)
	}
	ev, err := translate(event)
	if err != nil {
		return "", err
	}
	return p.reconciler.Apply(ctx, ev)
}

// handleCheckoutSessionCompleted links the new Stripe customer to the user
// that started checkout, so later subscription events without metadata can
// be attributed.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) (billing.Outcome, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", &entitlement.ValidationError{Field: "data.object", Reason: err.Error()}
	}

	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" || session.Customer == nil || session.Customer.ID == "" {
		return billing.OutcomeIgnored, nil
	}
	if err := p.repo.LinkCustomer(ctx, session.Customer.ID, userID); err != nil {
		return "", &entitlement.RepositoryError{Op: "link_customer", Err: err}
	}
	p.logger.Info("linked stripe customer",
		entitlement.Field{Key: "userId", Value: userID},
		entitlement.Field{Key: "customerId", Value: session.Customer.ID},
	)
	return billing.OutcomeApplied, nil
}

// translate converts a verified Stripe event into a neutral billing event.
// Event types that carry no subscription lifecycle change become
// billing.UnknownEvent.
func translate(event *stripe.Event) (billing.Event, error) {
	meta := billing.EventMeta{
		ID:         event.ID,
		Provider:   providerName,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}
	neutral, ok := neutralTypes[event.Type]
	if !ok || event.Data == nil {
		return billing.UnknownEvent{EventMeta: meta}, nil
	}

	switch neutral {
	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		var inv invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, &entitlement.ValidationError{Field: "data.object", Reason: err.Error()}
		}
		data, ok := inv.subscriptionData()
		if !ok {
			// One-off invoice, no subscription to reconcile.
			return billing.UnknownEvent{EventMeta: meta}, nil
		}
		return billing.NewEvent(meta, neutral, data), nil
	default:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, &entitlement.ValidationError{Field: "data.object", Reason: err.Error()}
		}
		status, ok := mapStatus(sub.Status)
		if !ok {
			// Incomplete subscriptions grant nothing until Stripe reports them active.
			return billing.UnknownEvent{EventMeta: meta}, nil
		}
		data := subscriptionData(&sub)
		data.Status = status
		return billing.NewEvent(meta, neutral, data), nil
	}
}

// mapStatus folds Stripe's subscription statuses onto the lifecycle.
// Incomplete subscriptions report ok=false.
func mapStatus(s stripe.SubscriptionStatus) (billing.Status, bool) {
	switch s {
	case "trialing":
		return billing.StatusTrialing, true
	case "active":
		return billing.StatusActive, true
	case "past_due", "unpaid", "paused":
		return billing.StatusPastDue, true
	case "canceled", "incomplete_expired":
		return billing.StatusCanceled, true
	default:
		return "", false
	}
}

func subscriptionData(sub *stripe.Subscription) billing.SubscriptionData {
	data := billing.SubscriptionData{
		ID:                sub.ID,
		UserID:            sub.Metadata[metadataUserID],
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		data.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		data.TrialEnd = &t
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil && item.Price.ID != "" {
				data.PriceIDs = append(data.PriceIDs, item.Price.ID)
			}
			if data.CurrentPeriodStart.IsZero() && item.CurrentPeriodStart > 0 {
				data.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
				data.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
			}
		}
	}
	return data
}

// invoice is the part of a Stripe invoice the reconciler needs. Newer API
// versions move the subscription under parent.subscription_details.
type invoice struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv *invoice) subscriptionData() (billing.SubscriptionData, bool) {
	subID := expandableID(inv.Subscription)
	if subID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subID = expandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	if subID == "" {
		return billing.SubscriptionData{}, false
	}
	data := billing.SubscriptionData{ID: subID, CustomerID: expandableID(inv.Customer)}
	for _, line := range inv.Lines.Data {
		if line.Period.Start > 0 {
			data.CurrentPeriodStart = time.Unix(line.Period.Start, 0).UTC()
			data.CurrentPeriodEnd = time.Unix(line.Period.End, 0).UTC()
			break
		}
	}
	return data, true
}

// expandableID reads a Stripe expandable field: either an id string or an
// object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
