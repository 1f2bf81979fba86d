package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// Outcome describes what applying an event did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// ReconcilerConfig holds Reconciler dependencies.
type ReconcilerConfig struct {
	// Catalog maps billing prices to plans (required)
	Catalog *entitlement.Catalog

	// Repository persists subscriptions and user plans (required)
	Repository SubscriptionRepository

	// Locker serializes events per subscription (default: in-process KeyedMutex)
	Locker KeyLocker

	// Ledger deduplicates side effects by event id (default: MemoryLedger)
	Ledger EventLedger

	// Notifier receives user-facing notifications (default: NoopNotifier)
	Notifier Notifier

	// Clock is used for grace period evaluation (default: SystemClock)
	Clock entitlement.Clock

	// GracePeriod is how long past_due keeps the paid plan (default: 72h)
	GracePeriod time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger entitlement.Logger

	// Metrics is used for tracking outcomes (default: NoopMetrics)
	Metrics Metrics
}

// Reconciler applies billing lifecycle events to stored subscriptions and
// keeps each user's plan field in step with the latest known status. It
// performs no retries; a returned error is surfaced to the provider, whose
// redelivery is the retry mechanism.
type Reconciler struct {
	catalog  *entitlement.Catalog
	repo     SubscriptionRepository
	locker   KeyLocker
	ledger   EventLedger
	notifier Notifier
	clock    entitlement.Clock
	grace    time.Duration
	logger   entitlement.Logger
	metrics  Metrics
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Catalog == nil || cfg.Repository == nil {
		return nil, ErrProviderNotConfigured
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger(0)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NoopNotifier{}
	}
	if cfg.Clock == nil {
		cfg.Clock = entitlement.SystemClock{}
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	return &Reconciler{
		catalog:  cfg.Catalog,
		repo:     cfg.Repository,
		locker:   cfg.Locker,
		ledger:   cfg.Ledger,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		grace:    cfg.GracePeriod,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Catalog returns the plan catalog used for price mapping.
func (r *Reconciler) Catalog() *entitlement.Catalog {
	return r.catalog
}

// Repository returns the subscription repository.
func (r *Reconciler) Repository() SubscriptionRepository {
	return r.repo
}

// Apply reconciles one event. Events for the same subscription are
// serialized; different subscriptions proceed in parallel.
//
// Unknown event types are ignored. Events older than the stored state are
// discarded. An event that would break the lifecycle (for example reviving
// a canceled subscription) fails with a *TransitionError and changes nothing.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	meta := ev.Meta()
	if _, ok := ev.(UnknownEvent); ok {
		r.logger.Info("ignoring unhandled billing event",
			logField("provider", meta.Provider),
			logField("type", meta.Type),
			logField("eventId", meta.ID),
		)
		r.metrics.RecordReconcileOutcome(meta.Provider, string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	subID := ev.SubscriptionID()
	if subID == "" {
		return "", &entitlement.ValidationError{Field: "subscription.id", Reason: "required"}
	}

	unlock, err := r.locker.Lock(ctx, lockKey(subID))
	if err != nil {
		return "", fmt.Errorf("lock subscription %s: %w", subID, err)
	}
	defer unlock()

	outcome, err := r.apply(ctx, ev)
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			r.logger.Warn("rejecting billing event that violates the subscription lifecycle",
				logField("subscriptionId", te.SubscriptionID),
				logField("from", string(te.From)),
				logField("to", string(te.To)),
				logField("eventId", meta.ID),
				logField("type", meta.Type),
			)
		}
		return "", err
	}
	r.metrics.RecordReconcileOutcome(meta.Provider, string(outcome))
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, ev Event) (Outcome, error) {
	meta := ev.Meta()
	data := subscriptionData(ev)

	if meta.ID != "" {
		seen, err := r.ledger.Seen(ctx, meta.ID)
		switch {
		case err != nil:
			r.logger.Warn("event ledger unavailable, relying on idempotent writes",
				logField("eventId", meta.ID),
				logField("error", err),
			)
		case seen:
			return OutcomeDuplicate, nil
		}
	}

	cur, err := r.repo.GetSubscription(ctx, data.ID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		cur = nil
	case err != nil:
		return "", &entitlement.RepositoryError{Op: "get_subscription", Err: err}
	}

	if cur != nil && isStale(cur, data, meta) {
		r.logger.Info("discarding stale billing event",
			logField("subscriptionId", data.ID),
			logField("type", meta.Type),
			logField("eventPeriodStart", data.CurrentPeriodStart),
			logField("storedPeriodStart", cur.CurrentPeriodStart),
		)
		return OutcomeStale, nil
	}

	target, err := targetStatus(ev, cur)
	if err != nil {
		return "", err
	}
	if target == "" {
		// Nothing to persist; trial reminders still notify once.
		if tw, ok := ev.(TrialWillEnd); ok && cur != nil {
			r.notify(ctx, Notification{
				Kind:           NotifyTrialEnding,
				UserID:         cur.UserID,
				SubscriptionID: cur.ID,
				Plan:           cur.PlanType,
				Status:         cur.Status,
				TrialEnd:       tw.Subscription.TrialEnd,
			}, meta)
			r.markProcessed(ctx, meta)
		}
		return OutcomeUnchanged, nil
	}
	if cur != nil && !CanTransition(cur.Status, target) {
		return "", &TransitionError{SubscriptionID: data.ID, From: cur.Status, To: target, Event: meta.Type}
	}

	userID, err := r.resolveUser(ctx, cur, data)
	if err != nil {
		return "", err
	}

	next := r.evolve(cur, ev, data, target, userID)
	if cur == nil && next.Live() {
		if err := r.ensureNoOtherLive(ctx, next); err != nil {
			return "", err
		}
	}

	now := r.clock.Now()
	prevPlan, err := r.currentUserPlan(ctx, userID)
	if err != nil {
		return "", err
	}
	userPlan, err := r.planFor(ctx, next, now)
	if err != nil {
		return "", err
	}

	if cur != nil && sameState(cur, next) && prevPlan == userPlan {
		r.markProcessed(ctx, meta)
		return OutcomeUnchanged, nil
	}

	if cur == nil && data.CustomerID != "" && data.UserID != "" {
		if err := r.repo.LinkCustomer(ctx, data.CustomerID, data.UserID); err != nil {
			return "", &entitlement.RepositoryError{Op: "link_customer", Err: err}
		}
	}

	next.UpdatedAt = now
	if err := r.repo.ApplySubscription(ctx, next, userPlan); err != nil {
		if errors.Is(err, ErrDuplicateActiveSubscription) {
			return "", err
		}
		return "", &entitlement.RepositoryError{Op: "apply_subscription", Err: err}
	}

	r.logger.Info("subscription reconciled",
		logField("subscriptionId", next.ID),
		logField("userId", userID),
		logField("type", meta.Type),
		logField("status", string(next.Status)),
		logField("plan", string(userPlan)),
	)
	if prevPlan != userPlan {
		r.metrics.RecordPlanChange(meta.Provider, string(prevPlan), string(userPlan))
	}
	r.emitTransitionNotifications(ctx, cur, next, prevPlan, userPlan, meta)
	r.markProcessed(ctx, meta)
	return OutcomeApplied, nil
}

// isStale reports whether an event describes an older state than the stored
// one: an earlier period, or the same period observed earlier.
func isStale(cur *Subscription, data SubscriptionData, meta EventMeta) bool {
	start := data.CurrentPeriodStart
	if start.IsZero() {
		start = cur.CurrentPeriodStart
	}
	if start.Before(cur.CurrentPeriodStart) {
		return true
	}
	return start.Equal(cur.CurrentPeriodStart) && meta.OccurredAt.Before(cur.LastEventAt)
}

// targetStatus returns the status the event moves the subscription to, or
// "" when the event changes no state.
func targetStatus(ev Event, cur *Subscription) (Status, error) {
	switch e := ev.(type) {
	case SubscriptionCreated:
		if e.Subscription.Status == StatusTrialing ||
			(e.Subscription.TrialEnd != nil && e.Subscription.TrialEnd.After(e.OccurredAt)) {
			return StatusTrialing, nil
		}
		return StatusActive, nil
	case SubscriptionUpdated:
		if !e.Subscription.Status.Valid() {
			return "", &entitlement.ValidationError{
				Field:  "subscription.status",
				Reason: fmt.Sprintf("unsupported status %q", e.Subscription.Status),
			}
		}
		return e.Subscription.Status, nil
	case SubscriptionDeleted:
		return StatusCanceled, nil
	case InvoicePaymentSucceeded:
		if cur == nil {
			return "", fmt.Errorf("%w: invoice for %s", ErrSubscriptionNotFound, e.Subscription.ID)
		}
		if cur.Status == StatusPastDue {
			return StatusActive, nil
		}
		return cur.Status, nil
	case InvoicePaymentFailed:
		if cur == nil {
			return "", fmt.Errorf("%w: invoice for %s", ErrSubscriptionNotFound, e.Subscription.ID)
		}
		if cur.Status == StatusActive {
			return StatusPastDue, nil
		}
		return cur.Status, nil
	case TrialWillEnd:
		return "", nil
	default:
		return "", nil
	}
}

// evolve merges the event onto the stored subscription.
func (r *Reconciler) evolve(cur *Subscription, ev Event, data SubscriptionData, target Status, userID string) *Subscription {
	next := &Subscription{}
	if cur != nil {
		*next = *cur
	}
	meta := ev.Meta()

	next.ID = data.ID
	next.UserID = userID
	if data.CustomerID != "" {
		next.CustomerID = data.CustomerID
	}
	if !data.CurrentPeriodStart.IsZero() {
		next.CurrentPeriodStart = data.CurrentPeriodStart
	}
	if !data.CurrentPeriodEnd.IsZero() {
		next.CurrentPeriodEnd = data.CurrentPeriodEnd
	}
	switch ev.(type) {
	case SubscriptionCreated, SubscriptionUpdated, SubscriptionDeleted:
		next.TrialEnd = data.TrialEnd
		next.CancelAtPeriodEnd = data.CancelAtPeriodEnd
	}

	if len(data.PriceIDs) > 0 {
		// Unmapped prices resolve to the base plan and are alerted by the catalog.
		plan, _ := r.catalog.MapPriceIDs(data.PriceIDs)
		next.PlanType = plan
	} else if next.PlanType == "" {
		next.PlanType = r.catalog.BasePlan().Type
	}

	if target == StatusPastDue {
		if cur == nil || cur.Status != StatusPastDue || cur.PastDueSince == nil {
			since := meta.OccurredAt
			next.PastDueSince = &since
		}
	} else {
		next.PastDueSince = nil
	}
	next.Status = target

	if meta.OccurredAt.After(next.LastEventAt) {
		next.LastEventAt = meta.OccurredAt
	}
	return next
}

func (r *Reconciler) resolveUser(ctx context.Context, cur *Subscription, data SubscriptionData) (string, error) {
	if cur != nil && cur.UserID != "" {
		return cur.UserID, nil
	}
	if data.UserID != "" {
		return data.UserID, nil
	}
	if data.CustomerID != "" {
		userID, err := r.repo.GetUserIDForCustomer(ctx, data.CustomerID)
		switch {
		case err == nil && userID != "":
			return userID, nil
		case err != nil && !errors.Is(err, ErrUnresolvedCustomer):
			return "", &entitlement.RepositoryError{Op: "get_user_for_customer", Err: err}
		}
	}
	return "", fmt.Errorf("%w: subscription %s customer %q", ErrUnresolvedCustomer, data.ID, data.CustomerID)
}

func (r *Reconciler) ensureNoOtherLive(ctx context.Context, next *Subscription) error {
	other, err := r.repo.GetLiveSubscriptionForUser(ctx, next.UserID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return nil
	case err != nil:
		return &entitlement.RepositoryError{Op: "get_live_subscription", Err: err}
	case other.ID != next.ID:
		r.logger.Warn("rejecting second live subscription",
			logField("userId", next.UserID),
			logField("subscriptionId", next.ID),
			logField("existingSubscriptionId", other.ID),
		)
		return fmt.Errorf("%w: user %s has %s", ErrDuplicateActiveSubscription, next.UserID, other.ID)
	}
	return nil
}

func (r *Reconciler) currentUserPlan(ctx context.Context, userID string) (entitlement.PlanType, error) {
	plan, err := r.repo.GetUserPlan(ctx, userID)
	switch {
	case errors.Is(err, entitlement.ErrUserNotFound):
		return r.catalog.BasePlan().Type, nil
	case err != nil:
		return "", &entitlement.RepositoryError{Op: "get_user_plan", Err: err}
	}
	return plan, nil
}

// planFor is the user plan implied by sub. A subscription that no longer
// grants anything defers to the user's other live subscription, if any.
func (r *Reconciler) planFor(ctx context.Context, sub *Subscription, now time.Time) (entitlement.PlanType, error) {
	base := r.catalog.BasePlan().Type
	if sub.Live() {
		return EffectivePlan(sub, now, r.grace, base), nil
	}
	other, err := r.repo.GetLiveSubscriptionForUser(ctx, sub.UserID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		return base, nil
	case err != nil:
		return "", &entitlement.RepositoryError{Op: "get_live_subscription", Err: err}
	case other.ID == sub.ID:
		return base, nil
	}
	return EffectivePlan(other, now, r.grace, base), nil
}

func sameState(a, b *Subscription) bool {
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.CustomerID == b.CustomerID &&
		a.PlanType == b.PlanType &&
		a.Status == b.Status &&
		a.CurrentPeriodStart.Equal(b.CurrentPeriodStart) &&
		a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd) &&
		timePtrEqual(a.TrialEnd, b.TrialEnd) &&
		a.CancelAtPeriodEnd == b.CancelAtPeriodEnd &&
		timePtrEqual(a.PastDueSince, b.PastDueSince) &&
		a.LastEventAt.Equal(b.LastEventAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (r *Reconciler) emitTransitionNotifications(
	ctx context.Context, cur, next *Subscription, prevPlan, userPlan entitlement.PlanType, meta EventMeta,
) {
	base := Notification{
		UserID:         next.UserID,
		SubscriptionID: next.ID,
		PreviousPlan:   prevPlan,
		Plan:           userPlan,
		Status:         next.Status,
	}
	var from Status
	if cur != nil {
		from = cur.Status
	}

	switch {
	case next.Status == StatusPastDue && from != StatusPastDue:
		base.Kind = NotifyPaymentFailed
		r.notify(ctx, base, meta)
	case from == StatusPastDue && next.Status == StatusActive:
		base.Kind = NotifyPaymentRecovered
		r.notify(ctx, base, meta)
	case next.Status == StatusCanceled && from != StatusCanceled:
		base.Kind = NotifySubscriptionCanceled
		r.notify(ctx, base, meta)
	}
	if prevPlan != userPlan {
		base.Kind = NotifyPlanChanged
		r.notify(ctx, base, meta)
	}
}

func (r *Reconciler) notify(ctx context.Context, n Notification, meta EventMeta) {
	n.Provider = meta.Provider
	n.EventType = meta.Type
	n.OccurredAt = meta.OccurredAt
	r.notifier.Notify(ctx, n)
}

func (r *Reconciler) markProcessed(ctx context.Context, meta EventMeta) {
	if meta.ID == "" {
		return
	}
	if err := r.ledger.Mark(ctx, meta.ID); err != nil {
		r.logger.Warn("failed to record processed billing event",
			logField("eventId", meta.ID),
			logField("error", err),
		)
	}
}

// Sweep is the reconciliation pass: it rewrites every user plan field that
// no longer matches its live subscription, which is how past_due users are
// downgraded once the grace period lapses. It returns the number of plan
// fields corrected.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	subs, err := r.repo.ListLiveSubscriptions(ctx)
	if err != nil {
		err = &entitlement.RepositoryError{Op: "list_live_subscriptions", Err: err}
		r.metrics.RecordSweep(0, err)
		return 0, err
	}

	var (
		corrected int
		errs      []error
	)
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		changed, err := r.sweepOne(ctx, s.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", s.ID, err))
			continue
		}
		if changed {
			corrected++
		}
	}

	err = errors.Join(errs...)
	r.metrics.RecordSweep(corrected, err)
	if corrected > 0 || err != nil {
		r.logger.Info("reconciliation sweep finished",
			logField("checked", len(subs)),
			logField("corrected", corrected),
			logField("errors", len(errs)),
		)
	}
	return corrected, err
}

func (r *Reconciler) sweepOne(ctx context.Context, subID string) (bool, error) {
	unlock, err := r.locker.Lock(ctx, lockKey(subID))
	if err != nil {
		return false, err
	}
	defer unlock()

	sub, err := r.repo.GetSubscription(ctx, subID)
	if err != nil {
		return false, err
	}
	if !sub.Live() {
		return false, nil
	}
	want := EffectivePlan(sub, r.clock.Now(), r.grace, r.catalog.BasePlan().Type)
	have, err := r.currentUserPlan(ctx, sub.UserID)
	if err != nil {
		return false, err
	}
	if have == want {
		return false, nil
	}
	if err := r.repo.SetUserPlan(ctx, sub.UserID, want); err != nil {
		return false, err
	}

	r.logger.Info("reconciliation corrected user plan",
		logField("userId", sub.UserID),
		logField("subscriptionId", sub.ID),
		logField("status", string(sub.Status)),
		logField("from", string(have)),
		logField("to", string(want)),
	)
	r.metrics.RecordPlanChange("sweep", string(have), string(want))
	r.notifier.Notify(ctx, Notification{
		Kind:           NotifyPlanChanged,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		PreviousPlan:   have,
		Plan:           want,
		Status:         sub.Status,
		Provider:       "sweep",
		OccurredAt:     r.clock.Now(),
	})
	return true, nil
}

func lockKey(subscriptionID string) string {
	return "subscription:" + subscriptionID
}

func logField(key string, value interface{}) entitlement.Field {
	return entitlement.Field{Key: key, Value: value}
}
