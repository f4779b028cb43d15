package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v79"

	"github.com/PortNumber53/coach-planner/internal/billing"
	"github.com/PortNumber53/coach-planner/internal/models"
	stripeClient "github.com/PortNumber53/coach-planner/internal/stripe"
)

const webhookSecret = "whsec_test"

type fakeProvider struct {
	customers   int
	checkoutFor string
	updateErr   error
	canceled    []string
}

func (f *fakeProvider) CreateCustomer(_ context.Context, email string, userID int64) (*stripeapi.Customer, error) {
	f.customers++
	return &stripeapi.Customer{ID: fmt.Sprintf("cus_%d", userID), Email: email}, nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, customerID, priceID, successURL, _ string) (string, error) {
	f.checkoutFor = customerID
	return "https://checkout.stripe.test/" + priceID + "?next=" + successURL, nil
}

func (f *fakeProvider) UpdateSubscriptionPrice(_ context.Context, subscriptionID, _ string) (*stripeapi.Subscription, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &stripeapi.Subscription{ID: subscriptionID}, nil
}

func (f *fakeProvider) CancelAtPeriodEnd(_ context.Context, subscriptionID string) (*stripeapi.Subscription, error) {
	f.canceled = append(f.canceled, subscriptionID)
	return &stripeapi.Subscription{ID: subscriptionID, CancelAtPeriodEnd: true}, nil
}

type fakeReconciler struct {
	changed []billing.SubscriptionEvent
	paid    []string
	deleted []string
	err     error
}

func (f *fakeReconciler) SubscriptionChanged(_ context.Context, ev billing.SubscriptionEvent) error {
	f.changed = append(f.changed, ev)
	return f.err
}

func (f *fakeReconciler) InvoicePaid(_ context.Context, subscriptionID string) error {
	f.paid = append(f.paid, subscriptionID)
	return f.err
}

func (f *fakeReconciler) SubscriptionDeleted(_ context.Context, customerID string) error {
	f.deleted = append(f.deleted, customerID)
	return f.err
}

type paymentFixture struct {
	store      *memStore
	provider   *fakeProvider
	reconciler *fakeReconciler
	h          *PaymentHandler
	user       *models.User
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	prices, err := billing.NewPriceTable("price_m", "price_y")
	require.NoError(t, err)
	st := newMemStore()
	user := st.addUser(models.User{Username: "coach", Email: "coach@example.com", IsActive: true})
	f := &paymentFixture{store: st, provider: &fakeProvider{}, reconciler: &fakeReconciler{}, user: user}
	f.h = NewPaymentHandler(st, f.provider, f.reconciler, prices, webhookSecret, "https://app.example.com")
	return f
}

func (f *paymentFixture) router() http.Handler {
	return mount("/api/payments", f.user.ID, f.h.RegisterRoutes)
}

func (f *paymentFixture) webhook(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	rr := httptest.NewRecorder()
	mount("/api/payments", 0, f.h.RegisterWebhook).ServeHTTP(rr, req)
	return rr
}

func sign(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestCheckoutCreatesCustomerOnce(t *testing.T) {
	f := newPaymentFixture(t)

	rr := doJSON(t, f.router(), http.MethodPost, "/api/payments/create-checkout-session", map[string]string{"price_id": "price_m"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "https://checkout.stripe.test/price_m?next=https://app.example.com/dashboard", decodeBody(t, rr)["checkout_url"])
	assert.Equal(t, 1, f.provider.customers)

	rr = doJSON(t, f.router(), http.MethodPost, "/api/payments/create-checkout-session", map[string]string{"price_id": "price_y"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, f.provider.customers, "customer is reused")
	assert.Equal(t, fmt.Sprintf("cus_%d", f.user.ID), f.provider.checkoutFor)
}

func TestCheckoutRejectsUnknownPrice(t *testing.T) {
	f := newPaymentFixture(t)

	rr := doJSON(t, f.router(), http.MethodPost, "/api/payments/create-checkout-session", map[string]string{"price_id": "price_other"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	errs, _ := decodeBody(t, rr)["errors"].(map[string]any)
	assert.Contains(t, errs, "price_id")
	assert.Zero(t, f.provider.customers)
}

func TestManageSubscriptionDefaults(t *testing.T) {
	f := newPaymentFixture(t)

	rr := doJSON(t, f.router(), http.MethodGet, "/api/payments/subscription/manage", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, string(models.PlanStandard), body["plan"])
	assert.Equal(t, "N/A", body["formatted_expiry"])
	assert.Equal(t, false, body["is_active"])
}

func TestUpdateAndCancelSubscription(t *testing.T) {
	f := newPaymentFixture(t)

	rr := doJSON(t, f.router(), http.MethodPost, "/api/payments/cancel-subscription", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	require.NoError(t, f.store.AttachCustomer(context.Background(), f.user.ID, "cus_1"))
	rr = doJSON(t, f.router(), http.MethodPost, "/api/payments/update-subscription", map[string]string{"price_id": "price_y"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "no provider subscription yet")

	subID := "sub_1"
	f.store.subs[f.user.ID].StripeSubscriptionID = &subID

	rr = doJSON(t, f.router(), http.MethodPost, "/api/payments/update-subscription", map[string]string{"price_id": "price_y"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	f.provider.updateErr = stripeClient.ErrNoSubscriptionItems
	rr = doJSON(t, f.router(), http.MethodPost, "/api/payments/update-subscription", map[string]string{"price_id": "price_y"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	f.provider.updateErr = errBoom
	rr = doJSON(t, f.router(), http.MethodPost, "/api/payments/update-subscription", map[string]string{"price_id": "price_y"})
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = doJSON(t, f.router(), http.MethodPost, "/api/payments/cancel-subscription", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"sub_1"}, f.provider.canceled)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newPaymentFixture(t)
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice","subscription":"sub_1"}}}`)

	rr := f.webhook(payload, "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.reconciler.paid)
}

func TestWebhookDispatchesEvents(t *testing.T) {
	f := newPaymentFixture(t)

	updated := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","current_period_end":1798761600,"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_m","object":"price"}}]}}}}`)
	rr := f.webhook(updated, sign(updated))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, f.reconciler.changed, 1)
	assert.Equal(t, "price_m", f.reconciler.changed[0].PriceID)

	paid := []byte(`{"id":"evt_2","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice","subscription":"sub_1"}}}`)
	rr = f.webhook(paid, sign(paid))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"sub_1"}, f.reconciler.paid)

	oneOff := []byte(`{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{"id":"in_2","object":"invoice"}}}`)
	rr = f.webhook(oneOff, sign(oneOff))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, f.reconciler.paid, 1, "invoices without a subscription are ignored")

	deleted := []byte(`{"id":"evt_4","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_unknown","status":"canceled"}}}`)
	rr = f.webhook(deleted, sign(deleted))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"cus_unknown"}, f.reconciler.deleted)

	other := []byte(`{"id":"evt_5","object":"event","type":"charge.succeeded","data":{"object":{"id":"ch_1","object":"charge"}}}`)
	rr = f.webhook(other, sign(other))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWebhookReconcilerFailureIsRetried(t *testing.T) {
	f := newPaymentFixture(t)
	f.reconciler.err = errBoom

	paid := []byte(`{"id":"evt_2","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice","subscription":"sub_1"}}}`)
	rr := f.webhook(paid, sign(paid))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
