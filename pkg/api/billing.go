package api

import (
	"net/http"
	"net/url"

	"github.com/mihaimyh/quizgate/pkg/entitlement"
)

// Checkout returns a hosted checkout URL for the requested plan.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	var body CheckoutRequest
	if err := h.decode(w, r, &body); err != nil {
		h.handleError(w, r, err)
		return
	}
	if body.Plan == entitlement.PlanFree {
		h.handleError(w, r, &entitlement.ValidationError{Field: "plan", Reason: "free plan is not sold"})
		return
	}
	for field, raw := range map[string]string{"successUrl": body.SuccessURL, "cancelUrl": body.CancelURL} {
		if u, err := url.ParseRequestURI(raw); err != nil || u.Host == "" {
			h.handleError(w, r, &entitlement.ValidationError{Field: field, Reason: "must be an absolute URL"})
			return
		}
	}

	checkoutURL, err := h.config.Billing.CheckoutURL(r.Context(), userID, body.Plan, body.SuccessURL, body.CancelURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{URL: checkoutURL})
}

// SyncPlan pulls the user's subscription from the billing provider and
// returns the resulting plan. It repairs state after missed webhooks.
func (h *Handler) SyncPlan(w http.ResponseWriter, r *http.Request) {
	userID, err := h.userID(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	plan, err := h.config.Billing.SyncUser(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SyncResponse{Plan: plan})
}
