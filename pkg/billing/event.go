package billing

import "time"

// Provider-neutral event type names.
const (
	EventSubscriptionCreated     = "subscription.created"
	EventSubscriptionUpdated     = "subscription.updated"
	EventSubscriptionDeleted     = "subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventTrialWillEnd            = "subscription.trial_will_end"
)

// EventMeta identifies a delivered event.
type EventMeta struct {
	// ID is the provider's event id, used to deduplicate side effects
	ID string

	// Provider is the billing provider name ("stripe", "webhook")
	Provider string

	// Type is the provider-specific event type
	Type string

	// OccurredAt is when the provider says the event happened
	OccurredAt time.Time
}

// SubscriptionData is the subscription state carried by an event.
type SubscriptionData struct {
	ID                 string
	CustomerID         string
	UserID             string
	Status             Status
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  bool
	PriceIDs           []string
}

// Event is a validated billing lifecycle event. The set of implementations
// is closed; the reconciler switches on the concrete type.
type Event interface {
	Meta() EventMeta

	// SubscriptionID is the idempotency key, empty for UnknownEvent.
	SubscriptionID() string

	isEvent()
}

// SubscriptionCreated is emitted when a checkout creates a subscription.
type SubscriptionCreated struct {
	EventMeta
	Subscription SubscriptionData
}

// SubscriptionUpdated carries the provider's current view of a subscription.
type SubscriptionUpdated struct {
	EventMeta
	Subscription SubscriptionData
}

// SubscriptionDeleted is emitted when a subscription ends.
type SubscriptionDeleted struct {
	EventMeta
	Subscription SubscriptionData
}

// InvoicePaymentSucceeded is emitted when a subscription invoice is paid.
type InvoicePaymentSucceeded struct {
	EventMeta
	Subscription SubscriptionData
}

// InvoicePaymentFailed is emitted when a subscription invoice payment fails.
type InvoicePaymentFailed struct {
	EventMeta
	Subscription SubscriptionData
}

// TrialWillEnd is a reminder ahead of the trial end. It changes no state.
type TrialWillEnd struct {
	EventMeta
	Subscription SubscriptionData
}

// UnknownEvent is any event type this system does not handle.
type UnknownEvent struct {
	EventMeta
}

func (e EventMeta) Meta() EventMeta { return e }

func (e SubscriptionCreated) SubscriptionID() string     { return e.Subscription.ID }
func (e SubscriptionUpdated) SubscriptionID() string     { return e.Subscription.ID }
func (e SubscriptionDeleted) SubscriptionID() string     { return e.Subscription.ID }
func (e InvoicePaymentSucceeded) SubscriptionID() string { return e.Subscription.ID }
func (e InvoicePaymentFailed) SubscriptionID() string    { return e.Subscription.ID }
func (e TrialWillEnd) SubscriptionID() string            { return e.Subscription.ID }
func (e UnknownEvent) SubscriptionID() string            { return "" }

func (SubscriptionCreated) isEvent()     {}
func (SubscriptionUpdated) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (TrialWillEnd) isEvent()            {}
func (UnknownEvent) isEvent()            {}

// NewEvent builds the typed event for a provider-neutral type name. Unknown
// names produce an UnknownEvent.
func NewEvent(meta EventMeta, neutralType string, data SubscriptionData) Event {
	switch neutralType {
	case EventSubscriptionCreated:
		return SubscriptionCreated{EventMeta: meta, Subscription: data}
	case EventSubscriptionUpdated:
		return SubscriptionUpdated{EventMeta: meta, Subscription: data}
	case EventSubscriptionDeleted:
		return SubscriptionDeleted{EventMeta: meta, Subscription: data}
	case EventInvoicePaymentSucceeded:
		return InvoicePaymentSucceeded{EventMeta: meta, Subscription: data}
	case EventInvoicePaymentFailed:
		return InvoicePaymentFailed{EventMeta: meta, Subscription: data}
	case EventTrialWillEnd:
		return TrialWillEnd{EventMeta: meta, Subscription: data}
	default:
		return UnknownEvent{EventMeta: meta}
	}
}

func subscriptionData(ev Event) SubscriptionData {
	switch e := ev.(type) {
	case SubscriptionCreated:
		return e.Subscription
	case SubscriptionUpdated:
		return e.Subscription
	case SubscriptionDeleted:
		return e.Subscription
	case InvoicePaymentSucceeded:
		return e.Subscription
	case InvoicePaymentFailed:
		return e.Subscription
	case TrialWillEnd:
		return e.Subscription
	default:
		return SubscriptionData{}
	}
}
