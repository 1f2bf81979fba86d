package entitlement

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPlan is returned for a plan identifier outside the catalog
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrUnmappedPrice is returned when a billing price has no configured plan
	ErrUnmappedPrice = errors.New("unmapped price")

	// ErrQuotaExceeded is returned when a plan limit denies an action
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRepository is returned when a data-store read fails
	ErrRepository = errors.New("repository unavailable")

	// ErrValidation is returned for malformed input
	ErrValidation = errors.New("validation failed")

	// ErrUserNotFound is returned by a PlanSource that has no record of the user
	ErrUserNotFound = errors.New("user not found")
)

// UnknownPlanError reports a plan identifier that is not part of the catalog.
type UnknownPlanError struct {
	Plan PlanType
}

func (e *UnknownPlanError) Error() string {
	return fmt.Sprintf("unknown plan %q", string(e.Plan))
}

func (e *UnknownPlanError) Unwrap() error { return ErrUnknownPlan }

// UnmappedPriceError reports a billing price identifier with no configured plan.
type UnmappedPriceError struct {
	PriceID string
}

func (e *UnmappedPriceError) Error() string {
	return fmt.Sprintf("price %q is not mapped to a plan", e.PriceID)
}

func (e *UnmappedPriceError) Unwrap() error { return ErrUnmappedPrice }

// QuotaExceededError is returned when an action would exceed a plan limit.
// RequiredPlan is empty when no plan in the catalog lifts the limit.
type QuotaExceededError struct {
	Resource     Resource
	Current      int64
	Limit        int64
	Plan         PlanType
	RequiredPlan PlanType
}

func (e *QuotaExceededError) Error() string {
	msg := fmt.Sprintf("%s limit reached: %d of %d allowed on the %s plan",
		e.Resource.label(), e.Current, e.Limit, e.Plan)
	if e.RequiredPlan != "" {
		msg += fmt.Sprintf("; upgrade to %s to lift this limit", e.RequiredPlan)
	}
	return msg
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// RepositoryError wraps a failed data-store operation. It matches both
// ErrRepository and the underlying cause.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() []error { return []error{ErrRepository, e.Err} }

// ValidationError reports bad input shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
