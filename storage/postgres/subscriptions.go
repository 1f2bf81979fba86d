package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

const subscriptionColumns = `id, user_id, customer_id, plan, status, current_period_start, current_period_end,
	trial_end, cancel_at_period_end, past_due_since, last_event_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub    billing.Subscription
		plan   string
		status string
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.CustomerID, &plan, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.TrialEnd, &sub.CancelAtPeriodEnd,
		&sub.PastDueSince, &sub.LastEventAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.PlanType = entitlement.PlanType(plan)
	sub.Status = billing.Status(status)
	return &sub, nil
}

// GetSubscription implements billing.SubscriptionRepository
func (s *Storage) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetLiveSubscriptionForUser implements billing.SubscriptionRepository
func (s *Storage) GetLiveSubscriptionForUser(ctx context.Context, userID string) (*billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND status <> 'canceled'`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live subscription: %w", err)
	}
	return sub, nil
}

// ApplySubscription implements billing.SubscriptionRepository. The
// subscription row, the customer link and the user's plan are written in one
// transaction; the partial unique index on live subscriptions rejects a
// second live subscription for the same user.
func (s *Storage) ApplySubscription(ctx context.Context, sub *billing.Subscription, userPlan entitlement.PlanType) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO subscriptions (`+subscriptionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (id) DO UPDATE SET
					user_id = EXCLUDED.user_id,
					customer_id = EXCLUDED.customer_id,
					plan = EXCLUDED.plan,
					status = EXCLUDED.status,
					current_period_start = EXCLUDED.current_period_start,
					current_period_end = EXCLUDED.current_period_end,
					trial_end = EXCLUDED.trial_end,
					cancel_at_period_end = EXCLUDED.cancel_at_period_end,
					past_due_since = EXCLUDED.past_due_since,
					last_event_at = EXCLUDED.last_event_at,
					updated_at = EXCLUDED.updated_at`,
			sub.ID, sub.UserID, sub.CustomerID, string(sub.PlanType), string(sub.Status),
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd, sub.CancelAtPeriodEnd,
			sub.PastDueSince, sub.LastEventAt, sub.UpdatedAt)
		if err != nil {
			return err
		}
		if sub.CustomerID != "" {
			if err := linkCustomer(ctx, tx, sub.CustomerID, sub.UserID); err != nil {
				return err
			}
		}
		return setUserPlan(ctx, tx, sub.UserID, userPlan)
	})
	if err != nil {
		if code, _ := pgCode(err); code == codeUniqueViolation {
			return billing.ErrDuplicateActiveSubscription
		}
		return fmt.Errorf("failed to apply subscription: %w", err)
	}
	return nil
}

// ListLiveSubscriptions implements billing.SubscriptionRepository
func (s *Storage) ListLiveSubscriptions(ctx context.Context) ([]*billing.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE status <> 'canceled' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// LinkCustomer implements billing.SubscriptionRepository
func (s *Storage) LinkCustomer(ctx context.Context, customerID, userID string) error {
	return linkCustomer(ctx, s.db, customerID, userID)
}

func linkCustomer(ctx context.Context, db DBTX, customerID, userID string) error {
	if customerID == "" || userID == "" {
		return fmt.Errorf("invalid customer link")
	}
	_, err := db.Exec(ctx,
		`INSERT INTO billing_customers (customer_id, user_id) VALUES ($1, $2)
			ON CONFLICT (customer_id) DO UPDATE SET user_id = EXCLUDED.user_id`,
		customerID, userID)
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return nil
}

// GetUserIDForCustomer implements billing.SubscriptionRepository
func (s *Storage) GetUserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.db.QueryRow(ctx, `SELECT user_id FROM billing_customers WHERE customer_id = $1`, customerID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrUnresolvedCustomer
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// GetCustomerIDForUser implements billing.SubscriptionRepository
func (s *Storage) GetCustomerIDForUser(ctx context.Context, userID string) (string, error) {
	var customerID string
	err := s.db.QueryRow(ctx,
		`SELECT customer_id FROM billing_customers WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`,
		userID).Scan(&customerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrUnresolvedCustomer
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve user customer: %w", err)
	}
	return customerID, nil
}
