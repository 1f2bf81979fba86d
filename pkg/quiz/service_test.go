package quiz_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
	"github.com/mihaimyh/quizgate/pkg/scoring"
	"github.com/mihaimyh/quizgate/storage/memory"
)

var testNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T, plans []entitlement.Plan) (*quiz.Service, *memory.Storage) {
	t.Helper()
	store := memory.New()
	catalog, err := entitlement.NewCatalog(entitlement.CatalogConfig{Plans: plans})
	require.NoError(t, err)
	clock := entitlement.ClockFunc(func() time.Time { return testNow })
	acc, err := entitlement.NewAccountant(entitlement.AccountantConfig{
		Catalog: catalog,
		Plans:   store,
		Counter: store,
		Clock:   clock,
	})
	require.NoError(t, err)
	svc, err := quiz.NewService(quiz.Config{
		Accountant: acc,
		Repository: store,
		Clock:      clock,
	})
	require.NoError(t, err)
	return svc, store
}

func singleChoice(answer string) quiz.Question {
	return quiz.Question{
		Prompt:        "pick one",
		Type:          scoring.TypeSingleChoice,
		Options:       []string{"A", "B", "C"},
		CorrectAnswer: answer,
	}
}

func TestService_CreateQuiz_FreeLimit(t *testing.T) {
	svc, store := newService(t, nil)
	ctx := context.Background()
	store.PutUser("user1", entitlement.PlanFree)

	for i := 0; i < 3; i++ {
		_, err := svc.CreateQuiz(ctx, "user1", fmt.Sprintf("Quiz %d", i))
		require.NoError(t, err)
	}

	_, err := svc.CreateQuiz(ctx, "user1", "Quiz 4")
	var qe *entitlement.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.ErrorIs(t, err, entitlement.ErrQuotaExceeded)
	assert.Equal(t, entitlement.ResourceQuizzes, qe.Resource)
	assert.Equal(t, int64(3), qe.Limit)
	assert.Equal(t, entitlement.PlanPro, qe.RequiredPlan)

	n, err := store.CountQuizzes(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestService_CreateQuiz_ConcurrentCreatorsNeverOvershoot(t *testing.T) {
	svc, store := newService(t, nil)
	ctx := context.Background()
	store.PutUser("user1", entitlement.PlanFree)

	var wg sync.WaitGroup
	errs := make(chan error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CreateQuiz(ctx, "user1", fmt.Sprintf("Quiz %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, entitlement.ErrQuotaExceeded)
	}
	assert.Equal(t, 3, ok)

	n, _ := store.CountQuizzes(ctx, "user1")
	assert.Equal(t, int64(3), n)
}

func TestService_CreateQuiz_Validation(t *testing.T) {
	svc, store := newService(t, nil)
	store.PutUser("user1", entitlement.PlanFree)

	_, err := svc.CreateQuiz(context.Background(), "user1", "   ")
	assert.ErrorIs(t, err, entitlement.ErrValidation)
}

func TestService_CreateQuiz_UserWithoutRecordGetsFreePlan(t *testing.T) {
	svc, _ := newService(t, nil)

	q, err := svc.CreateQuiz(context.Background(), "new-user", "First")
	require.NoError(t, err)
	assert.Equal(t, "new-user", q.OwnerID)
	assert.Greater(t, q.StorageBytes, int64(0))
}

func TestService_AddQuestions(t *testing.T) {
	svc, store := newService(t, nil)
	ctx := context.Background()
	store.PutUser("user1", entitlement.PlanFree)

	q, err := svc.CreateQuiz(ctx, "user1", "Capitals")
	require.NoError(t, err)

	batch := make([]quiz.Question, 8)
	for i := range batch {
		batch[i] = singleChoice("A")
	}
	q, err = svc.AddQuestions(ctx, "user1", q.ID, batch)
	require.NoError(t, err)
	assert.Len(t, q.Questions, 8)
	for _, qq := range q.Questions {
		assert.NotEmpty(t, qq.ID)
	}

	// 8 + 3 exceeds the free plan's 10 questions per quiz.
	_, err = svc.AddQuestions(ctx, "user1", q.ID, []quiz.Question{singleChoice("A"), singleChoice("B"), singleChoice("C")})
	var qe *entitlement.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, entitlement.ResourceQuestions, qe.Resource)
	assert.Equal(t, int64(10), qe.Limit)

	// Exactly reaching the limit is allowed.
	q, err = svc.AddQuestions(ctx, "user1", q.ID, []quiz.Question{singleChoice("A"), singleChoice("B")})
	require.NoError(t, err)
	assert.Len(t, q.Questions, 10)
}

func TestService_AddQuestions_Errors(t *testing.T) {
	svc, store := newService(t, nil)
	ctx := context.Background()
	store.PutUser("user1", entitlement.PlanFree)
	store.PutUser("user2", entitlement.PlanFree)

	q, err := svc.CreateQuiz(ctx, "user1", "Mine")
	require.NoError(t, err)

	tests := []struct {
		name      string
		userID    string
		quizID    string
		questions []quiz.Question
		wantErr   error
	}{
		{"not owner", "user2", q.ID, []quiz.Question{singleChoice("A")}, quiz.ErrNotOwner},
		{"missing quiz", "user1", "nope", []quiz.Question{singleChoice("A")}, quiz.ErrQuizNotFound},
		{"empty batch", "user1", q.ID, nil, entitlement.ErrValidation},
		{"unknown type", "user1", q.ID, []quiz.Question{{Prompt: "x", Type: "essay", CorrectAnswer: "y"}}, entitlement.ErrValidation},
		{"no prompt", "user1", q.ID, []quiz.Question{{Type: scoring.TypeBoolean, CorrectAnswer: true}}, entitlement.ErrValidation},
		{"multi without answers", "user1", q.ID, []quiz.Question{{Prompt: "x", Type: scoring.TypeMultipleSelect}}, entitlement.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddQuestions(ctx, tt.userID, tt.quizID, tt.questions)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestService_Submit(t *testing.T) {
	svc, store := newService(t, nil)
	ctx := context.Background()
	store.PutUser("owner", entitlement.PlanFree)

	q, err := svc.CreateQuiz(ctx, "owner", "Mixed")
	require.NoError(t, err)
	q, err = svc.AddQuestions(ctx, "owner", q.ID, []quiz.Question{
		singleChoice("B"),
		{Prompt: "capital of France", Type: scoring.TypeText, CorrectAnswer: "Paris"},
	})
	require.NoError(t, err)

	req := quiz.SubmitRequest{
		QuizID: q.ID,
		Answers: []scoring.Answer{
			{QuestionID: q.Questions[0].ID, Value: "B", IsCorrect: false},
			{QuestionID: q.Questions[1].ID, Value: "  paris ", IsCorrect: false},
		},
	}

	_, err = svc.Submit(ctx, req)
	assert.ErrorIs(t, err, quiz.ErrQuizNotPublished)

	require.NoError(t, svc.Publish(ctx, "owner", q.ID, true))

	r, err := svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Score)
	assert.Equal(t, q.ID, r.QuizID)
	assert.Equal(t, testNow, r.SubmittedAt)
	assert.True(t, r.Answers[0].IsCorrect)
	assert.True(t, r.Answers[1].IsCorrect)

	n, err := store.CountResponses(ctx, "owner", entitlement.CalendarMonth(testNow))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestService_Submit_ClientCorrectnessIgnored(t *testing.T) {
	svc, store := newService(t, nil)
	ctx := context.Background()
	store.PutUser("owner", entitlement.PlanFree)

	q, _ := svc.CreateQuiz(ctx, "owner", "One")
	q, _ = svc.AddQuestions(ctx, "owner", q.ID, []quiz.Question{singleChoice("A")})
	require.NoError(t, svc.Publish(ctx, "owner", q.ID, true))

	r, err := svc.Submit(ctx, quiz.SubmitRequest{
		QuizID:  q.ID,
		Answers: []scoring.Answer{{QuestionID: q.Questions[0].ID, Value: "C", IsCorrect: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, r.Score)
	assert.False(t, r.Answers[0].IsCorrect)
}

func TestService_Submit_MonthlyResponseLimit(t *testing.T) {
	plans := entitlement.DefaultPlans()
	plans[0].Limits.MaxResponsesPerMonth = 2
	svc, store := newService(t, plans)
	ctx := context.Background()
	store.PutUser("owner", entitlement.PlanFree)

	q, _ := svc.CreateQuiz(ctx, "owner", "Limited")
	q, _ = svc.AddQuestions(ctx, "owner", q.ID, []quiz.Question{singleChoice("A")})
	require.NoError(t, svc.Publish(ctx, "owner", q.ID, true))

	req := quiz.SubmitRequest{QuizID: q.ID, Answers: []scoring.Answer{{QuestionID: q.Questions[0].ID, Value: "A"}}}
	for i := 0; i < 2; i++ {
		_, err := svc.Submit(ctx, req)
		require.NoError(t, err)
	}

	_, err := svc.Submit(ctx, req)
	var qe *entitlement.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, entitlement.ResourceResponses, qe.Resource)
}

func TestService_Submit_UnknownQuiz(t *testing.T) {
	svc, _ := newService(t, nil)

	_, err := svc.Submit(context.Background(), quiz.SubmitRequest{QuizID: "missing"})
	assert.ErrorIs(t, err, quiz.ErrQuizNotFound)
}

func TestService_Publish_NotOwner(t *testing.T) {
	svc, store := newService(t, nil)
	ctx := context.Background()
	store.PutUser("owner", entitlement.PlanFree)

	q, err := svc.CreateQuiz(ctx, "owner", "Private")
	require.NoError(t, err)

	err = svc.Publish(ctx, "intruder", q.ID, true)
	assert.ErrorIs(t, err, quiz.ErrNotOwner)
}
