package entitlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// AccountantConfig holds UsageAccountant dependencies.
type AccountantConfig struct {
	// Catalog supplies plan limits (required)
	Catalog *Catalog

	// Plans reads the user's plan field (required)
	Plans PlanSource

	// Counter provides live resource counts (required)
	Counter ResourceCounter

	// Clock is used for calendar-month boundaries (default: SystemClock)
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking decisions (default: NoopMetrics)
	Metrics Metrics
}

type checkFunc func(ctx context.Context, userID string, plan Plan, req CheckRequest) (Decision, error)

// Accountant computes a user's consumption against plan limits and gates
// resource-mutating actions. Every decision reads live counts; nothing is
// cached between calls.
type Accountant struct {
	catalog *Catalog
	plans   PlanSource
	counter ResourceCounter
	clock   Clock
	logger  Logger
	metrics Metrics
	checks  map[Action]checkFunc
}

// NewAccountant creates a UsageAccountant.
func NewAccountant(cfg AccountantConfig) (*Accountant, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("entitlement: catalog is required")
	}
	if cfg.Plans == nil || cfg.Counter == nil {
		return nil, errors.New("entitlement: plan source and resource counter are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	a := &Accountant{
		catalog: cfg.Catalog,
		plans:   cfg.Plans,
		counter: cfg.Counter,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	a.checks = map[Action]checkFunc{
		ActionCreateQuiz:      a.checkCreateQuiz,
		ActionAddQuestion:     a.checkAddQuestion,
		ActionReceiveResponse: a.checkReceiveResponse,
	}
	return a, nil
}

// Catalog returns the plan catalog the accountant evaluates against.
func (a *Accountant) Catalog() *Catalog {
	return a.catalog
}

// CanCreateQuiz reports whether the user may create another quiz.
// Any error denies.
func (a *Accountant) CanCreateQuiz(ctx context.Context, userID string) (bool, error) {
	return a.allowed(ctx, CheckRequest{UserID: userID, Action: ActionCreateQuiz})
}

// CanAddQuestion reports whether a quiz may hold proposedQuestionCount
// questions in total (existing plus new).
func (a *Accountant) CanAddQuestion(ctx context.Context, userID string, proposedQuestionCount int64) (bool, error) {
	return a.allowed(ctx, CheckRequest{
		UserID:        userID,
		Action:        ActionAddQuestion,
		QuestionCount: proposedQuestionCount,
	})
}

// CanReceiveResponse reports whether the user's quizzes may accept another
// response in the current UTC calendar month.
func (a *Accountant) CanReceiveResponse(ctx context.Context, userID string) (bool, error) {
	return a.allowed(ctx, CheckRequest{UserID: userID, Action: ActionReceiveResponse})
}

func (a *Accountant) allowed(ctx context.Context, req CheckRequest) (bool, error) {
	d, err := a.Check(ctx, req)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Check evaluates a gated action. A denial is returned as a Decision with
// Allowed=false and Err set; the error return is reserved for failures that
// prevented a decision, which callers must treat as a denial.
func (a *Accountant) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	check, ok := a.checks[req.Action]
	if !ok {
		return Decision{}, &ValidationError{Field: "action", Reason: fmt.Sprintf("unsupported action %q", req.Action)}
	}

	plan, err := a.userPlan(ctx, req.UserID)
	if err != nil {
		a.metrics.RecordDecision(string(req.Action), "", false)
		return Decision{}, err
	}

	d, err := check(ctx, req.UserID, plan, req)
	if err != nil {
		a.metrics.RecordDecision(string(req.Action), string(plan.Type), false)
		a.logger.Warn("quota gate failed closed",
			Field{"userId", req.UserID},
			Field{"action", string(req.Action)},
			Field{"error", err.Error()},
		)
		return Decision{}, err
	}

	d.Plan = plan
	a.metrics.RecordDecision(string(req.Action), string(plan.Type), d.Allowed)
	if !d.Allowed {
		a.logger.Debug("quota gate denied",
			Field{"userId", req.UserID},
			Field{"action", string(req.Action)},
			Field{"resource", string(d.Err.Resource)},
			Field{"limit", d.Err.Limit},
		)
	}
	return d, nil
}

func (a *Accountant) checkCreateQuiz(ctx context.Context, userID string, plan Plan, _ CheckRequest) (Decision, error) {
	if plan.Limits.MaxQuizzes == Unlimited {
		return Decision{Allowed: true}, nil
	}
	n, err := a.countQuizzes(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return a.decide(plan, ResourceQuizzes, n, n+1), nil
}

func (a *Accountant) checkAddQuestion(_ context.Context, _ string, plan Plan, req CheckRequest) (Decision, error) {
	if req.QuestionCount < 0 {
		return Decision{}, &ValidationError{Field: "questionCount", Reason: "must not be negative"}
	}
	return a.decide(plan, ResourceQuestions, req.QuestionCount, req.QuestionCount), nil
}

func (a *Accountant) checkReceiveResponse(ctx context.Context, userID string, plan Plan, _ CheckRequest) (Decision, error) {
	if plan.Limits.MaxResponsesPerMonth == Unlimited {
		return Decision{Allowed: true}, nil
	}
	n, err := a.countResponses(ctx, userID, CalendarMonth(a.clock.Now()))
	if err != nil {
		return Decision{}, err
	}
	return a.decide(plan, ResourceResponses, n, n+1), nil
}

// decide admits the action when need fits the plan's limit for r.
func (a *Accountant) decide(plan Plan, r Resource, current, need int64) Decision {
	if withinLimit(plan.Limits.For(r), need) {
		return Decision{Allowed: true}
	}
	qe := a.Exceeded(plan, r, current, need)
	return Decision{Allowed: false, Reason: qe.Error(), Err: qe}
}

// Exceeded builds the denial for need units of r on plan, naming the
// cheapest plan that would admit them.
func (a *Accountant) Exceeded(plan Plan, r Resource, current, need int64) *QuotaExceededError {
	qe := &QuotaExceededError{
		Resource: r,
		Current:  current,
		Limit:    plan.Limits.For(r),
		Plan:     plan.Type,
	}
	if next, ok := a.catalog.CheapestPlanAllowing(plan.Type, r, need); ok {
		qe.RequiredPlan = next
	}
	return qe
}

// PlanFor resolves the plan currently granted to the user.
func (a *Accountant) PlanFor(ctx context.Context, userID string) (Plan, error) {
	return a.userPlan(ctx, userID)
}

// GetUserUsage aggregates the user's quiz count, stored bytes and responses
// received this calendar month. Counts are read concurrently; a failed read
// returns a *RepositoryError rather than a partial snapshot.
func (a *Accountant) GetUserUsage(ctx context.Context, userID string) (*UsageSnapshot, error) {
	start := time.Now()
	snap, err := a.buildSnapshot(ctx, userID)
	a.metrics.RecordUsageSnapshot(time.Since(start), err)
	return snap, err
}

func (a *Accountant) buildSnapshot(ctx context.Context, userID string) (*UsageSnapshot, error) {
	plan, err := a.userPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	period := CalendarMonth(a.clock.Now())

	var quizzes, storage, responses int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.countQuizzes(gctx, userID)
		quizzes = n
		return err
	})
	g.Go(func() error {
		n, err := a.repoRead(gctx, "sum_storage_bytes", func(ctx context.Context) (int64, error) {
			return a.counter.SumStorageBytes(ctx, userID)
		})
		storage = n
		return err
	})
	g.Go(func() error {
		n, err := a.countResponses(gctx, userID, period)
		responses = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &UsageSnapshot{
		Plan:      plan.Type,
		Period:    period,
		Quizzes:   newResourceUsage(quizzes, plan.Limits.MaxQuizzes),
		Storage:   newResourceUsage(storage, plan.Limits.MaxStorageBytes),
		Responses: newResourceUsage(responses, plan.Limits.MaxResponsesPerMonth),
	}, nil
}

// GetUsageWarnings returns threshold warnings for the user's current usage.
func (a *Accountant) GetUsageWarnings(ctx context.Context, userID string) ([]UsageWarning, error) {
	snap, err := a.GetUserUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.Warnings(snap), nil
}

// Warnings derives threshold warnings from a snapshot: a warning at 75% and
// an error at 90% or once the limit is reached. Unlimited resources never
// warn. Output follows UsageResources order.
func (a *Accountant) Warnings(s *UsageSnapshot) []UsageWarning {
	warnings := make([]UsageWarning, 0, len(UsageResources))
	for _, r := range UsageResources {
		u := s.Get(r)
		if u.Unlimited() || u.Percentage == nil {
			continue
		}
		pct := *u.Percentage
		switch {
		case pct >= 90 || u.AtOrOverLimit():
			msg := fmt.Sprintf("You have used %d%% of your %s limit (%d of %d).", pct, r.label(), u.Current, u.Limit)
			if u.AtOrOverLimit() {
				msg = fmt.Sprintf("You have reached your %s limit (%d of %d).", r.label(), u.Current, u.Limit)
			}
			if next, ok := a.catalog.CheapestPlanAllowing(s.Plan, r, u.Current+1); ok {
				msg += fmt.Sprintf(" Upgrade to %s for more.", next)
			}
			warnings = append(warnings, UsageWarning{Type: WarningTypeError, Resource: r, Message: msg})
		case pct >= 75:
			warnings = append(warnings, UsageWarning{
				Type:     WarningTypeWarning,
				Resource: r,
				Message:  fmt.Sprintf("You have used %d%% of your %s limit (%d of %d).", pct, r.label(), u.Current, u.Limit),
			})
		}
	}
	return warnings
}

// GetPlanRecommendation returns the cheapest higher plan that fits the
// user's current usage, or nil when the current plan has headroom on every
// resource or no higher plan fits.
func (a *Accountant) GetPlanRecommendation(ctx context.Context, userID string) (*Plan, error) {
	snap, err := a.GetUserUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.catalog.Recommend(snap), nil
}

// userPlan resolves the user's plan. Users without a record get the base
// plan; an unknown plan identifier is a configuration defect.
func (a *Accountant) userPlan(ctx context.Context, userID string) (Plan, error) {
	if userID == "" {
		return Plan{}, &ValidationError{Field: "userId", Reason: "required"}
	}

	start := time.Now()
	t, err := a.plans.GetUserPlan(ctx, userID)
	a.metrics.RecordRepositoryOperation("get_user_plan", time.Since(start), err)
	switch {
	case errors.Is(err, ErrUserNotFound):
		return a.catalog.BasePlan(), nil
	case err != nil:
		return Plan{}, &RepositoryError{Op: "get_user_plan", Err: err}
	}

	plan, err := a.catalog.GetPlan(t)
	if err != nil {
		a.logger.Error("user has a plan outside the catalog",
			Field{"userId", userID},
			Field{"plan", string(t)},
			Field{"alert", true},
		)
		a.metrics.RecordConfigurationAlert("unknown_plan")
		return Plan{}, err
	}
	return plan, nil
}

func (a *Accountant) countQuizzes(ctx context.Context, userID string) (int64, error) {
	return a.repoRead(ctx, "count_quizzes", func(ctx context.Context) (int64, error) {
		return a.counter.CountQuizzes(ctx, userID)
	})
}

func (a *Accountant) countResponses(ctx context.Context, userID string, period Period) (int64, error) {
	return a.repoRead(ctx, "count_responses", func(ctx context.Context) (int64, error) {
		return a.counter.CountResponses(ctx, userID, period)
	})
}

func (a *Accountant) repoRead(ctx context.Context, op string, read func(context.Context) (int64, error)) (int64, error) {
	start := time.Now()
	n, err := read(ctx)
	a.metrics.RecordRepositoryOperation(op, time.Since(start), err)
	if err != nil {
		return 0, &RepositoryError{Op: op, Err: err}
	}
	return n, nil
}

func newResourceUsage(current, limit int64) ResourceUsage {
	u := ResourceUsage{Current: current, Limit: limit}
	if limit == Unlimited {
		return u
	}
	var pct int
	if limit == 0 {
		pct = 100
	} else {
		pct = int(math.Round(float64(current) / float64(limit) * 100))
	}
	u.Percentage = &pct
	return u
}
