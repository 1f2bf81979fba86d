package webhook_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/billing/webhook"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/storage/memory"
)

var (
	secret = []byte("neutral-secret")
	now    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func newHandler(t *testing.T) (*webhook.Handler, *memory.Storage) {
	t.Helper()
	catalog, err := entitlement.NewCatalog(entitlement.CatalogConfig{
		PriceMapping: map[string]entitlement.PlanType{"price_pro": entitlement.PlanPro},
	})
	require.NoError(t, err)
	store := memory.New()
	clock := entitlement.ClockFunc(func() time.Time { return now })
	rec, err := billing.NewReconciler(billing.ReconcilerConfig{Catalog: catalog, Repository: store, Clock: clock})
	require.NoError(t, err)

	h, err := webhook.NewHandler(webhook.Config{
		Config: billing.Config{Reconciler: rec, WebhookSecret: string(secret)},
		Clock:  clock,
	})
	require.NoError(t, err)
	return h, store
}

func post(h *webhook.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

const created = `{"id":"evt_1","type":"subscription.created","createdAt":"2024-06-01T11:00:00Z",
	"data":{"id":"sub_1","customerId":"cus_1","userId":"user1","status":"active",
	"currentPeriodStart":"2024-06-01T00:00:00Z","currentPeriodEnd":"2024-07-01T00:00:00Z",
	"items":[{"priceId":"price_pro"}]}}`

func TestHandler_AppliesSignedEnvelope(t *testing.T) {
	h, store := newHandler(t)

	rec := post(h, created, webhook.Sign([]byte(created), secret, now))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"applied"}`, rec.Body.String())

	plan, err := store.GetUserPlan(context.Background(), "user1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.PlanPro, plan)

	// Redelivery is acknowledged without another write.
	rec = post(h, created, webhook.Sign([]byte(created), secret, now))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, rec.Body.String())
}

func TestHandler_RejectsUnverifiable(t *testing.T) {
	h, store := newHandler(t)

	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"wrong secret", webhook.Sign([]byte(created), []byte("other"), now)},
		{"tampered body", webhook.Sign([]byte(strings.Replace(created, "price_pro", "price_x", 1)), secret, now)},
		{"expired", webhook.Sign([]byte(created), secret, now.Add(-time.Hour))},
		{"malformed", "v1=zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(h, created, tt.signature)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			_, err := store.GetSubscription(context.Background(), "sub_1")
			assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
		})
	}
}

func TestHandler_InvalidEnvelope(t *testing.T) {
	h, _ := newHandler(t)
	body := `{"type":"subscription.updated","data":{"id":"sub_1","status":"frozen"}}`

	rec := post(h, body, webhook.Sign([]byte(body), secret, now))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_UnknownEventAcknowledged(t *testing.T) {
	h, _ := newHandler(t)
	body := `{"id":"evt_2","type":"customer.updated","data":{}}`

	rec := post(h, body, webhook.Sign([]byte(body), secret, now))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
}

func TestHandler_InvalidTransitionConflicts(t *testing.T) {
	h, _ := newHandler(t)
	require.Equal(t, http.StatusOK, post(h, created, webhook.Sign([]byte(created), secret, now)).Code)

	deleted := `{"id":"evt_3","type":"subscription.deleted","createdAt":"2024-06-01T11:10:00Z","data":{"id":"sub_1"}}`
	require.Equal(t, http.StatusOK, post(h, deleted, webhook.Sign([]byte(deleted), secret, now)).Code)

	revive := `{"id":"evt_4","type":"subscription.updated","createdAt":"2024-06-01T11:20:00Z","data":{"id":"sub_1","status":"active"}}`
	rec := post(h, revive, webhook.Sign([]byte(revive), secret, now))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestVerify_AcceptsAnyMatchingSignature(t *testing.T) {
	body := []byte(`{"type":"x"}`)
	good := webhook.Sign(body, secret, now)
	header := good + ",v1=" + strings.Repeat("00", 32)

	assert.NoError(t, webhook.Verify(body, header, secret, now, time.Minute))
	assert.ErrorIs(t, webhook.Verify(body, "t=abc,v1=00", secret, now, time.Minute), billing.ErrUnverifiableEvent)
}

func TestNewHandler_RequiresSecret(t *testing.T) {
	_, err := webhook.NewHandler(webhook.Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
