package api_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/quizgate/pkg/api"
	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/pkg/quiz"
	"github.com/mihaimyh/quizgate/storage/memory"
)

type fakeBilling struct {
	checkoutUser string
	checkoutPlan entitlement.PlanType
	syncErr      error
}

func (f *fakeBilling) CheckoutURL(_ context.Context, userID string, plan entitlement.PlanType, _, _ string) (string, error) {
	if plan == entitlement.PlanPremium {
		return "", &entitlement.ValidationError{Field: "plan", Reason: "not sold"}
	}
	f.checkoutUser, f.checkoutPlan = userID, plan
	return "https://checkout.example/" + string(plan), nil
}

func (f *fakeBilling) SyncUser(context.Context, string) (entitlement.PlanType, error) {
	if f.syncErr != nil {
		return "", f.syncErr
	}
	return entitlement.PlanPro, nil
}

func newBillingHarness(t *testing.T, svc api.BillingService) *harness {
	t.Helper()
	store := memory.New()
	catalog, err := entitlement.NewCatalog(entitlement.CatalogConfig{})
	require.NoError(t, err)
	acc, err := entitlement.NewAccountant(entitlement.AccountantConfig{Catalog: catalog, Plans: store, Counter: store})
	require.NoError(t, err)
	quizzes, err := quiz.NewService(quiz.Config{Accountant: acc, Repository: store})
	require.NoError(t, err)

	h, err := api.NewHandler(api.Config{Accountant: acc, Quizzes: quizzes, Billing: svc})
	require.NoError(t, err)
	return &harness{router: h.Routes(), store: store}
}

func TestCheckout(t *testing.T) {
	fake := &fakeBilling{}
	h := newBillingHarness(t, fake)
	const urls = `"successUrl":"https://app.example/ok","cancelUrl":"https://app.example/cancel"`

	w := h.do(t, http.MethodPost, "/billing/checkout", testUserID, `{"plan":"pro",`+urls+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "https://checkout.example/pro", decode[api.CheckoutResponse](t, w).URL)
	assert.Equal(t, testUserID, fake.checkoutUser)
	assert.Equal(t, entitlement.PlanPro, fake.checkoutPlan)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"free plan", `{"plan":"free",` + urls + `}`, http.StatusBadRequest},
		{"plan not sold", `{"plan":"premium",` + urls + `}`, http.StatusBadRequest},
		{"relative url", `{"plan":"pro","successUrl":"/ok","cancelUrl":"https://app.example/cancel"}`, http.StatusBadRequest},
		{"missing url", `{"plan":"pro","successUrl":"https://app.example/ok"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/billing/checkout", testUserID, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w = h.do(t, http.MethodPost, "/billing/checkout", "", `{"plan":"pro",`+urls+`}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSyncPlan(t *testing.T) {
	fake := &fakeBilling{}
	h := newBillingHarness(t, fake)

	w := h.do(t, http.MethodPost, "/billing/sync", testUserID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entitlement.PlanPro, decode[api.SyncResponse](t, w).Plan)

	fake.syncErr = fmt.Errorf("%w: stripe said no", billing.ErrProviderAPIError)
	w = h.do(t, http.MethodPost, "/billing/sync", testUserID, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "stripe said no")
}

func TestBillingRoutesAbsentWithoutService(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodPost, "/billing/sync", testUserID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
