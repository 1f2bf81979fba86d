package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
	"github.com/mihaimyh/quizgate/storage/memory"
)

type failingPlans struct{}

func (failingPlans) GetUserPlan(context.Context, string) (entitlement.PlanType, error) {
	return "", errors.New("timeout")
}

func setup(t *testing.T, plans entitlement.PlanSource) (*entitlement.Accountant, *memory.Storage) {
	t.Helper()
	store := memory.New()
	if plans == nil {
		plans = store
	}
	catalog, err := entitlement.NewCatalog(entitlement.CatalogConfig{})
	require.NoError(t, err)
	acc, err := entitlement.NewAccountant(entitlement.AccountantConfig{Catalog: catalog, Plans: plans, Counter: store})
	require.NoError(t, err)
	return acc, store
}

func seedQuizzes(t *testing.T, store *memory.Storage, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		q := &quiz.Quiz{ID: userID + strconv.Itoa(i), OwnerID: userID, Title: "t", CreatedAt: time.Now().UTC()}
		require.NoError(t, store.CreateQuizWithinLimit(context.Background(), q, entitlement.Unlimited))
	}
}

func newServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.POST("/quizzes/:quizID/questions", func(c echo.Context) error {
		plan, _ := PlanFromContext(c)
		return c.JSON(http.StatusOK, map[string]interface{}{"plan": plan.Type})
	}, Middleware(cfg))
	return e
}

func serve(e http.Handler, userID, count string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/quizzes/q1/questions?count="+count, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func questionCount(c echo.Context) (int64, error) {
	return strconv.ParseInt(c.QueryParam("count"), 10, 64)
}

func TestMiddleware_CreateQuiz(t *testing.T) {
	acc, store := setup(t, nil)
	e := newServer(Config{Accountant: acc, Action: entitlement.ActionCreateQuiz, GetUserID: FromHeader("X-User-ID")})

	w := serve(e, "user1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"plan":"free"}`, w.Body.String())

	seedQuizzes(t, store, "user1", 3)
	w = serve(e, "user1", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "quizzes", body["resource"])
	assert.Equal(t, "pro", body["requiredPlan"])
}

func TestMiddleware_QuestionCount(t *testing.T) {
	acc, store := setup(t, nil)
	store.PutUser("user1", entitlement.PlanFree)
	e := newServer(Config{
		Accountant:       acc,
		Action:           entitlement.ActionAddQuestion,
		GetUserID:        FromHeader("X-User-ID"),
		GetQuestionCount: questionCount,
	})

	assert.Equal(t, http.StatusOK, serve(e, "user1", "10").Code)
	assert.Equal(t, http.StatusForbidden, serve(e, "user1", "11").Code)
	assert.Equal(t, http.StatusBadRequest, serve(e, "user1", "many").Code)
}

func TestMiddleware_Failures(t *testing.T) {
	acc, _ := setup(t, failingPlans{})
	e := newServer(Config{Accountant: acc, Action: entitlement.ActionCreateQuiz, GetUserID: FromHeader("X-User-ID")})

	assert.Equal(t, http.StatusUnauthorized, serve(e, "", "").Code)
	w := serve(e, "user1", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "timeout")
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	acc, store := setup(t, nil)
	seedQuizzes(t, store, "user1", 3)
	e := newServer(Config{
		Accountant:              acc,
		Action:                  entitlement.ActionCreateQuiz,
		GetUserID:               FromHeader("X-User-ID"),
		QuotaExceededStatusCode: http.StatusPaymentRequired,
		OnUnauthorized: func(c echo.Context) error {
			return c.String(http.StatusTeapot, "who")
		},
	})

	assert.Equal(t, http.StatusPaymentRequired, serve(e, "user1", "").Code)
	assert.Equal(t, http.StatusTeapot, serve(e, "", "").Code)
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	acc, _ := setup(t, nil)
	assert.Panics(t, func() { Middleware(Config{GetUserID: FromHeader("X")}) })
	assert.Panics(t, func() { Middleware(Config{Accountant: acc}) })
	assert.Panics(t, func() {
		Middleware(Config{Accountant: acc, GetUserID: FromHeader("X"), Action: entitlement.ActionAddQuestion})
	})
}

func TestExtractors(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("X-User-ID", "h")
	c := e.NewContext(req, httptest.NewRecorder())
	c.Set("uid", "ctx")
	c.SetParamNames("user")
	c.SetParamValues("p")

	assert.Equal(t, "h", FromHeader("X-User-ID")(c))
	assert.Equal(t, "ctx", FromContext("uid")(c))
	assert.Equal(t, "", FromContext("missing")(c))
	assert.Equal(t, "p", FromParam("user")(c))
}
