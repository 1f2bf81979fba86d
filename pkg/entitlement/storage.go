package entitlement

import "context"

// PlanSource reads a user's denormalized plan field.
// Implementations return ErrUserNotFound when the user has no record.
type PlanSource interface {
	GetUserPlan(ctx context.Context, userID string) (PlanType, error)
}

// ResourceCounter returns live counts of a user's resources. Implementations
// must count existing rows at call time and never serve cached counters.
type ResourceCounter interface {
	// CountQuizzes returns the number of quizzes owned by the user.
	CountQuizzes(ctx context.Context, userID string) (int64, error)

	// SumStorageBytes returns the storage consumed across the user's quizzes.
	SumStorageBytes(ctx context.Context, userID string) (int64, error)

	// CountResponses returns responses received on the user's quizzes within period.
	CountResponses(ctx context.Context, userID string, period Period) (int64, error)
}
