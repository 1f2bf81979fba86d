package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// fakeUsage is an in-test PlanSource and ResourceCounter with error injection.
type fakeUsage struct {
	mu        sync.Mutex
	plans     map[string]entitlement.PlanType
	quizzes   map[string]int64
	storage   map[string]int64
	responses map[string][]time.Time

	failPlan      bool
	failQuizzes   bool
	failStorage   bool
	failResponses bool
}

func newFakeUsage() *fakeUsage {
	return &fakeUsage{
		plans:     make(map[string]entitlement.PlanType),
		quizzes:   make(map[string]int64),
		storage:   make(map[string]int64),
		responses: make(map[string][]time.Time),
	}
}

var errStoreDown = errors.New("connection refused")

func (f *fakeUsage) GetUserPlan(_ context.Context, userID string) (entitlement.PlanType, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPlan {
		return "", errStoreDown
	}
	p, ok := f.plans[userID]
	if !ok {
		return "", entitlement.ErrUserNotFound
	}
	return p, nil
}

func (f *fakeUsage) CountQuizzes(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQuizzes {
		return 0, errStoreDown
	}
	return f.quizzes[userID], nil
}

func (f *fakeUsage) SumStorageBytes(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStorage {
		return 0, errStoreDown
	}
	return f.storage[userID], nil
}

func (f *fakeUsage) CountResponses(_ context.Context, userID string, period entitlement.Period) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failResponses {
		return 0, errStoreDown
	}
	var n int64
	for _, at := range f.responses[userID] {
		if period.Contains(at) {
			n++
		}
	}
	return n, nil
}

func (f *fakeUsage) addResponses(userID string, at time.Time, n int) {
	for i := 0; i < n; i++ {
		f.responses[userID] = append(f.responses[userID], at)
	}
}

var testNow = time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestAccountant(t *testing.T, store *fakeUsage, now time.Time) *entitlement.Accountant {
	t.Helper()
	a, err := entitlement.NewAccountant(entitlement.AccountantConfig{
		Catalog: newTestCatalog(t),
		Plans:   store,
		Counter: store,
		Clock:   entitlement.ClockFunc(func() time.Time { return now }),
	})
	require.NoError(t, err)
	return a
}

func TestNewAccountant_RequiresDependencies(t *testing.T) {
	_, err := entitlement.NewAccountant(entitlement.AccountantConfig{})
	assert.Error(t, err)

	_, err = entitlement.NewAccountant(entitlement.AccountantConfig{Catalog: newTestCatalog(t)})
	assert.Error(t, err)
}

func TestAccountant_CanCreateQuiz(t *testing.T) {
	ctx := context.Background()
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanFree
	a := newTestAccountant(t, store, testNow)

	for count, want := range map[int64]bool{0: true, 2: true, 3: false, 7: false} {
		store.quizzes["u1"] = count
		ok, err := a.CanCreateQuiz(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "quizzes=%d", count)
	}
}

func TestAccountant_FreeUserAtQuizLimitIsDenied(t *testing.T) {
	ctx := context.Background()
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanFree
	store.quizzes["u1"] = 3
	a := newTestAccountant(t, store, testNow)

	d, err := a.Check(ctx, entitlement.CheckRequest{UserID: "u1", Action: entitlement.ActionCreateQuiz})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.Err)
	assert.Equal(t, entitlement.ResourceQuizzes, d.Err.Resource)
	assert.Equal(t, int64(3), d.Err.Limit)
	assert.Equal(t, entitlement.PlanPro, d.Err.RequiredPlan)
	assert.Contains(t, d.Reason, "quiz limit")
	assert.Contains(t, d.Reason, "pro")
	assert.ErrorIs(t, d.Err, entitlement.ErrQuotaExceeded)
}

func TestAccountant_CanAddQuestionUsesProposedCount(t *testing.T) {
	ctx := context.Background()
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanFree
	a := newTestAccountant(t, store, testNow)

	// 8 existing questions: 2 slots remain on free.
	ok, err := a.CanAddQuestion(ctx, "u1", 8+2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.CanAddQuestion(ctx, "u1", 8+5)
	require.NoError(t, err)
	assert.False(t, ok, "adding 5 when 2 remain must fail")

	_, err = a.CanAddQuestion(ctx, "u1", -1)
	assert.ErrorIs(t, err, entitlement.ErrValidation)
}

func TestAccountant_CanReceiveResponseCalendarMonth(t *testing.T) {
	ctx := context.Background()
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanFree

	lastMonth := time.Date(2024, 5, 31, 23, 59, 59, 0, time.UTC)
	store.addResponses("u1", lastMonth, 100)

	t.Run("previous month responses do not count", func(t *testing.T) {
		a := newTestAccountant(t, store, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
		ok, err := a.CanReceiveResponse(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("same month responses count up to the limit", func(t *testing.T) {
		a := newTestAccountant(t, store, lastMonth)
		ok, err := a.CanReceiveResponse(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("not a rolling window", func(t *testing.T) {
		// Ten days after the burst is inside a 30-day window but in a new month.
		a := newTestAccountant(t, store, lastMonth.Add(10*24*time.Hour))
		ok, err := a.CanReceiveResponse(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestAccountant_UnlimitedNeverDeniesOrWarns(t *testing.T) {
	ctx := context.Background()
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanPremium
	store.quizzes["u1"] = 1 << 40
	store.storage["u1"] = 1 << 50
	store.addResponses("u1", testNow, 5000)
	a := newTestAccountant(t, store, testNow)

	ok, err := a.CanCreateQuiz(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.CanAddQuestion(ctx, "u1", 1<<40)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.CanReceiveResponse(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := a.GetUserUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, snap.Quizzes.Percentage)
	assert.Nil(t, snap.Storage.Percentage)
	assert.Nil(t, snap.Responses.Percentage)

	warnings, err := a.GetUsageWarnings(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestAccountant_FailsClosed(t *testing.T) {
	ctx := context.Background()

	t.Run("plan read failure", func(t *testing.T) {
		store := newFakeUsage()
		store.failPlan = true
		a := newTestAccountant(t, store, testNow)

		ok, err := a.CanCreateQuiz(ctx, "u1")
		assert.False(t, ok)
		var re *entitlement.RepositoryError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "get_user_plan", re.Op)
		assert.ErrorIs(t, err, errStoreDown)
	})

	t.Run("count failure", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.failResponses = true
		a := newTestAccountant(t, store, testNow)

		ok, err := a.CanReceiveResponse(ctx, "u1")
		assert.False(t, ok)
		assert.ErrorIs(t, err, entitlement.ErrRepository)
	})

	t.Run("plan outside catalog", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = "enterprise"
		a := newTestAccountant(t, store, testNow)

		ok, err := a.CanCreateQuiz(ctx, "u1")
		assert.False(t, ok)
		assert.ErrorIs(t, err, entitlement.ErrUnknownPlan)
	})

	t.Run("missing user id", func(t *testing.T) {
		a := newTestAccountant(t, newFakeUsage(), testNow)
		ok, err := a.CanCreateQuiz(ctx, "")
		assert.False(t, ok)
		assert.ErrorIs(t, err, entitlement.ErrValidation)
	})
}

func TestAccountant_UserWithoutRecordGetsBasePlan(t *testing.T) {
	store := newFakeUsage()
	store.quizzes["ghost"] = 3
	a := newTestAccountant(t, store, testNow)

	ok, err := a.CanCreateQuiz(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccountant_CheckRejectsUnknownAction(t *testing.T) {
	a := newTestAccountant(t, newFakeUsage(), testNow)

	_, err := a.Check(context.Background(), entitlement.CheckRequest{UserID: "u1", Action: "delete_quiz"})
	assert.ErrorIs(t, err, entitlement.ErrValidation)
}

func TestAccountant_EveryActionIsDispatched(t *testing.T) {
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanPro
	a := newTestAccountant(t, store, testNow)

	for _, action := range entitlement.Actions {
		_, err := a.Check(context.Background(), entitlement.CheckRequest{UserID: "u1", Action: action, QuestionCount: 1})
		assert.NoError(t, err, "action %s", action)
	}
}

func TestAccountant_GetUserUsage(t *testing.T) {
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanFree
	store.quizzes["u1"] = 2
	store.storage["u1"] = 25 << 20
	store.addResponses("u1", testNow, 33)
	a := newTestAccountant(t, store, testNow)

	snap, err := a.GetUserUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanFree, snap.Plan)

	assert.Equal(t, int64(2), snap.Quizzes.Current)
	assert.Equal(t, int64(3), snap.Quizzes.Limit)
	require.NotNil(t, snap.Quizzes.Percentage)
	assert.Equal(t, 67, *snap.Quizzes.Percentage)

	require.NotNil(t, snap.Storage.Percentage)
	assert.Equal(t, 50, *snap.Storage.Percentage)

	require.NotNil(t, snap.Responses.Percentage)
	assert.Equal(t, 33, *snap.Responses.Percentage)
}

func TestAccountant_GetUserUsageNeverReturnsZerosOnFailure(t *testing.T) {
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanFree
	store.failStorage = true
	a := newTestAccountant(t, store, testNow)

	snap, err := a.GetUserUsage(context.Background(), "u1")
	assert.Nil(t, snap)
	var re *entitlement.RepositoryError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "sum_storage_bytes", re.Op)
}

func TestAccountant_PercentageMonotonic(t *testing.T) {
	store := newFakeUsage()
	store.plans["u1"] = entitlement.PlanPro
	a := newTestAccountant(t, store, testNow)

	prev := -1
	for n := int64(0); n <= 60; n++ {
		store.quizzes["u1"] = n
		snap, err := a.GetUserUsage(context.Background(), "u1")
		require.NoError(t, err)
		pct := *snap.Quizzes.Percentage
		assert.GreaterOrEqual(t, pct, prev, "quizzes=%d", n)
		prev = pct
	}
}

func TestAccountant_UsageWarningThresholds(t *testing.T) {
	ctx := context.Background()

	t.Run("exactly 75 percent warns once", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.addResponses("u1", testNow, 75)
		store.quizzes["u1"] = 1
		a := newTestAccountant(t, store, testNow)

		warnings, err := a.GetUsageWarnings(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, entitlement.WarningTypeWarning, warnings[0].Type)
		assert.Equal(t, entitlement.ResourceResponses, warnings[0].Resource)
	})

	t.Run("exactly 90 percent escalates to error for that resource only", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.addResponses("u1", testNow, 90)
		a := newTestAccountant(t, store, testNow)

		warnings, err := a.GetUsageWarnings(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Equal(t, entitlement.WarningTypeError, warnings[0].Type)
		assert.Equal(t, entitlement.ResourceResponses, warnings[0].Resource)
	})

	t.Run("at limit is an error and warnings keep resource order", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.quizzes["u1"] = 3
		store.storage["u1"] = 40 << 20
		store.addResponses("u1", testNow, 80)
		a := newTestAccountant(t, store, testNow)

		warnings, err := a.GetUsageWarnings(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, warnings, 3)
		assert.Equal(t, entitlement.ResourceQuizzes, warnings[0].Resource)
		assert.Equal(t, entitlement.WarningTypeError, warnings[0].Type)
		assert.Contains(t, warnings[0].Message, "pro")
		assert.Equal(t, entitlement.ResourceStorage, warnings[1].Resource)
		assert.Equal(t, entitlement.WarningTypeWarning, warnings[1].Type)
		assert.Equal(t, entitlement.ResourceResponses, warnings[2].Resource)
		assert.Equal(t, entitlement.WarningTypeWarning, warnings[2].Type)
	})

	t.Run("below threshold is silent", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.quizzes["u1"] = 2
		store.addResponses("u1", testNow, 74)
		a := newTestAccountant(t, store, testNow)

		warnings, err := a.GetUsageWarnings(ctx, "u1")
		require.NoError(t, err)
		assert.NotNil(t, warnings)
		assert.Empty(t, warnings)
	})
}

func TestAccountant_GetPlanRecommendation(t *testing.T) {
	ctx := context.Background()

	t.Run("current plan has headroom", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.quizzes["u1"] = 2
		a := newTestAccountant(t, store, testNow)

		rec, err := a.GetPlanRecommendation(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("cheapest plan that fits", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.quizzes["u1"] = 3
		a := newTestAccountant(t, store, testNow)

		rec, err := a.GetPlanRecommendation(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, entitlement.PlanPro, rec.Type)
	})

	t.Run("skips plans that would still be exceeded", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanFree
		store.addResponses("u1", testNow, 20000)
		a := newTestAccountant(t, store, testNow)

		rec, err := a.GetPlanRecommendation(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, entitlement.PlanPremium, rec.Type)
	})

	t.Run("no higher plan", func(t *testing.T) {
		store := newFakeUsage()
		store.plans["u1"] = entitlement.PlanPremium
		store.quizzes["u1"] = 1000
		a := newTestAccountant(t, store, testNow)

		rec, err := a.GetPlanRecommendation(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}
