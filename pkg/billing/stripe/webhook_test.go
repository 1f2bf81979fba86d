package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/quizgate/pkg/billing"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	"github.com/mihaimyh/quizgate/storage/memory"
)

const (
	testSecret     = "whsec_test_secret"
	testUserID     = "user_123"
	testCustomerID = "cus_123"
	testProPrice   = "price_pro"
	testPremium    = "price_premium"
	periodStartTS  = 1717200000 // 2024-06-01T00:00:00Z
	periodEndTS    = 1719792000 // 2024-07-01T00:00:00Z
)

type fakeAPI struct {
	customers    map[string]string
	subs         map[string][]*stripe.Subscription
	listErr      error
	listCalls    int
	checkoutURL  string
	lastCheckout *stripe.CheckoutSessionCreateParams
}

func (f *fakeAPI) SearchCustomerByUserID(_ context.Context, userID string) (string, error) {
	if id, ok := f.customers[userID]; ok {
		return id, nil
	}
	return "", billing.ErrUnresolvedCustomer
}

func (f *fakeAPI) ListSubscriptions(_ context.Context, customerID string) ([]*stripe.Subscription, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.subs[customerID], nil
}

func (f *fakeAPI) CreateCheckoutSession(_ context.Context, params *stripe.CheckoutSessionCreateParams) (string, error) {
	f.lastCheckout = params
	return f.checkoutURL, nil
}

type harness struct {
	provider *Provider
	store    *memory.Storage
	api      *fakeAPI
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := entitlement.NewCatalog(entitlement.CatalogConfig{
		PriceMapping: map[string]entitlement.PlanType{
			testProPrice: entitlement.PlanPro,
			testPremium:  entitlement.PlanPremium,
		},
	})
	require.NoError(t, err)

	store := memory.New()
	rec, err := billing.NewReconciler(billing.ReconcilerConfig{Catalog: catalog, Repository: store})
	require.NoError(t, err)

	api := &fakeAPI{customers: map[string]string{}, subs: map[string][]*stripe.Subscription{}}
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Reconciler:    rec,
			WebhookSecret: testSecret,
		},
		CheckoutPrices: map[entitlement.PlanType]string{entitlement.PlanPro: testProPrice},
		API:            api,
	})
	require.NoError(t, err)
	return &harness{provider: provider, store: store, api: api}
}

func subscriptionJSON(id, status, priceID string, withUser bool) string {
	metadata := `{}`
	if withUser {
		metadata = fmt.Sprintf(`{"user_id":%q}`, testUserID)
	}
	return fmt.Sprintf(`{
		"id": %q,
		"object": "subscription",
		"customer": %q,
		"status": %q,
		"metadata": %s,
		"cancel_at_period_end": false,
		"items": {"object": "list", "data": [{
			"id": "si_1",
			"object": "subscription_item",
			"current_period_start": %d,
			"current_period_end": %d,
			"price": {"id": %q, "object": "price"}
		}]}
	}`, id, testCustomerID, status, metadata, periodStartTS, periodEndTS, priceID)
}

func eventJSON(id, typ string, created int64, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`,
		id, typ, created, object))
}

func (h *harness) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	signed := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{Payload: payload, Secret: testSecret})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	h.provider.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) plan(t *testing.T) entitlement.PlanType {
	t.Helper()
	plan, err := h.store.GetUserPlan(context.Background(), testUserID)
	require.NoError(t, err)
	return plan
}

func TestWebhook_SubscriptionCreated(t *testing.T) {
	h := newHarness(t)

	rec := h.deliver(t, eventJSON("evt_1", "customer.subscription.created", periodStartTS+60,
		subscriptionJSON("sub_1", "active", testProPrice, true)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"applied"}`, rec.Body.String())
	assert.Equal(t, entitlement.PlanPro, h.plan(t))

	sub, err := h.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(periodStartTS, 0).UTC(), sub.CurrentPeriodStart)
	assert.Equal(t, testCustomerID, sub.CustomerID)
}

func TestWebhook_AcceptsOlderAPIVersion(t *testing.T) {
	h := newHarness(t)
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_old","object":"event","api_version":"2020-08-27","type":"customer.subscription.created","created":%d,"data":{"object":%s}}`,
		periodStartTS+60, subscriptionJSON("sub_1", "active", testProPrice, true)))

	rec := h.deliver(t, payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, entitlement.PlanPro, h.plan(t))
}

func TestWebhook_RejectsBadSignatureBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	payload := eventJSON("evt_1", "customer.subscription.created", periodStartTS,
		subscriptionJSON("sub_1", "active", testProPrice, true))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"garbage", "t=1,v1=deadbeef"},
		{"wrong secret", stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{Payload: payload, Secret: "whsec_other"}).Header},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(payload)))
			if tt.header != "" {
				req.Header.Set("Stripe-Signature", tt.header)
			}
			rec := httptest.NewRecorder()
			h.provider.WebhookHandler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			_, err := h.store.GetSubscription(context.Background(), "sub_1")
			assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
		})
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	h.provider.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_UnknownEventAcknowledged(t *testing.T) {
	h := newHarness(t)

	rec := h.deliver(t, eventJSON("evt_9", "customer.created", periodStartTS, `{"id":"cus_9","object":"customer"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())
}

func TestWebhook_PaymentFailedThenRecovered(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.deliver(t, eventJSON("evt_1", "customer.subscription.created", periodStartTS+60,
		subscriptionJSON("sub_1", "active", testProPrice, true))).Code)

	invoice := fmt.Sprintf(`{"id":"in_1","object":"invoice","customer":%q,
		"parent":{"subscription_details":{"subscription":"sub_1"}},
		"lines":{"data":[{"period":{"start":%d,"end":%d}}]}}`, testCustomerID, periodStartTS, periodEndTS)

	rec := h.deliver(t, eventJSON("evt_2", "invoice.payment_failed", periodStartTS+120, invoice))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sub, err := h.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)

	rec = h.deliver(t, eventJSON("evt_3", "invoice.payment_succeeded", periodStartTS+180, invoice))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sub, err = h.store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, sub.Status)
	assert.Equal(t, entitlement.PlanPro, h.plan(t))
}

func TestWebhook_InvoiceForUnknownSubscriptionAsksForRedelivery(t *testing.T) {
	h := newHarness(t)
	invoice := `{"id":"in_1","object":"invoice","subscription":"sub_404"}`

	rec := h.deliver(t, eventJSON("evt_1", "invoice.payment_succeeded", periodStartTS, invoice))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhook_CanceledCannotBeRevived(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.deliver(t, eventJSON("evt_1", "customer.subscription.created", periodStartTS+60,
		subscriptionJSON("sub_1", "active", testProPrice, true))).Code)
	require.Equal(t, http.StatusOK, h.deliver(t, eventJSON("evt_2", "customer.subscription.deleted", periodStartTS+120,
		subscriptionJSON("sub_1", "canceled", testProPrice, true))).Code)
	assert.Equal(t, entitlement.PlanFree, h.plan(t))

	rec := h.deliver(t, eventJSON("evt_3", "customer.subscription.updated", periodStartTS+180,
		subscriptionJSON("sub_1", "active", testProPrice, true)))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, entitlement.PlanFree, h.plan(t))
}

func TestWebhook_CheckoutLinksCustomer(t *testing.T) {
	h := newHarness(t)
	session := fmt.Sprintf(`{"id":"cs_1","object":"checkout.session","customer":%q,"client_reference_id":%q,"metadata":{}}`,
		testCustomerID, testUserID)

	rec := h.deliver(t, eventJSON("evt_1", "checkout.session.completed", periodStartTS, session))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A subscription without metadata is now attributed through the link.
	rec = h.deliver(t, eventJSON("evt_2", "customer.subscription.created", periodStartTS+60,
		subscriptionJSON("sub_1", "active", testProPrice, false)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, entitlement.PlanPro, h.plan(t))
}

func TestWebhook_PayloadTooLarge(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"pad":"` + strings.Repeat("x", int(billing.DefaultMaxBodyBytes)) + `"}`)

	rec := h.deliver(t, payload)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		typ      string
		object   string
		wantType interface{}
		status   billing.Status
	}{
		{"created", "customer.subscription.created", subscriptionJSON("sub_1", "trialing", testProPrice, true), billing.SubscriptionCreated{}, billing.StatusTrialing},
		{"unpaid folds to past_due", "customer.subscription.updated", subscriptionJSON("sub_1", "unpaid", testProPrice, true), billing.SubscriptionUpdated{}, billing.StatusPastDue},
		{"incomplete ignored", "customer.subscription.created", subscriptionJSON("sub_1", "incomplete", testProPrice, true), billing.UnknownEvent{}, ""},
		{"expired folds to canceled", "customer.subscription.updated", subscriptionJSON("sub_1", "incomplete_expired", testProPrice, true), billing.SubscriptionUpdated{}, billing.StatusCanceled},
		{"trial reminder", "customer.subscription.trial_will_end", subscriptionJSON("sub_1", "trialing", testProPrice, true), billing.TrialWillEnd{}, billing.StatusTrialing},
		{"one-off invoice", "invoice.payment_succeeded", `{"id":"in_1","object":"invoice"}`, billing.UnknownEvent{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var event stripe.Event
			require.NoError(t, json.Unmarshal(eventJSON("evt_1", tt.typ, periodStartTS, tt.object), &event))

			ev, err := translate(&event)
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, ev)
			assert.Equal(t, "stripe", ev.Meta().Provider)
			if tt.status != "" {
				switch e := ev.(type) {
				case billing.SubscriptionCreated:
					assert.Equal(t, tt.status, e.Subscription.Status)
					assert.Equal(t, []string{testProPrice}, e.Subscription.PriceIDs)
					assert.Equal(t, testUserID, e.Subscription.UserID)
				case billing.SubscriptionUpdated:
					assert.Equal(t, tt.status, e.Subscription.Status)
				}
			}
		})
	}
}

func TestExpandableID(t *testing.T) {
	assert.Equal(t, "sub_1", expandableID(json.RawMessage(`"sub_1"`)))
	assert.Equal(t, "sub_1", expandableID(json.RawMessage(`{"id":"sub_1","object":"subscription"}`)))
	assert.Equal(t, "", expandableID(json.RawMessage(`null`)))
	assert.Equal(t, "", expandableID(nil))
}

func TestNewProvider_RequiresReconciler(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}
