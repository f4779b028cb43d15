package stripe

import (
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
)

const testSecret = "whsec_test"

func signPayload(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestConstructWebhookEventVerifiesSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","current_period_end":1798761600,"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_m","object":"price"}}]}}}}`)

	event, err := ConstructWebhookEvent(payload, signPayload(t, payload, testSecret), testSecret)
	require.NoError(t, err)
	assert.Equal(t, EventSubscriptionUpdated, string(event.Type))

	ev, err := DecodeSubscription(event)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", ev.CustomerID)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, "active", ev.Status)
	assert.Equal(t, "price_m", ev.PriceID)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, int64(1798761600), ev.PeriodEnd.Unix())

	_, err = ConstructWebhookEvent(payload, signPayload(t, payload, "whsec_other"), testSecret)
	assert.Error(t, err)

	_, err = ConstructWebhookEvent(payload, "", testSecret)
	assert.Error(t, err)
}

func TestDecodeSubscriptionReadsItemPeriodEnd(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.subscription.created","data":{"object":{"id":"sub_2","object":"subscription","customer":"cus_2","status":"incomplete","items":{"object":"list","data":[{"id":"si_2","object":"subscription_item","current_period_end":1798761600,"price":{"id":"price_y","object":"price"}}]}}}}`)

	event, err := ConstructWebhookEvent(payload, signPayload(t, payload, testSecret), testSecret)
	require.NoError(t, err)

	ev, err := DecodeSubscription(event)
	require.NoError(t, err)
	require.NotNil(t, ev.PeriodEnd)
	assert.Equal(t, int64(1798761600), ev.PeriodEnd.Unix())
}

func TestDecodeInvoiceSubscriptionID(t *testing.T) {
	payload := []byte(`{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice","subscription":"sub_9"}}}`)

	event, err := ConstructWebhookEvent(payload, signPayload(t, payload, testSecret), testSecret)
	require.NoError(t, err)

	id, err := DecodeInvoiceSubscriptionID(event)
	require.NoError(t, err)
	assert.Equal(t, "sub_9", id)
}

func TestLookupCustomerReadsMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers/cus_1":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"cus_1","object":"customer","email":"coach@example.com","metadata":{"user_id":"42"}}`)
		case "/v1/customers/cus_missing":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such customer"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	c := NewClientWithURL("sk_test_123", server.URL)

	cust, err := c.LookupCustomer(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), cust.UserID)
	assert.Equal(t, "coach@example.com", cust.Email)

	missing, err := c.LookupCustomer(context.Background(), "cus_missing")
	require.NoError(t, err)
	assert.Zero(t, missing.UserID)
}

func TestFetchSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions/sub_1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"canceled","current_period_end":1798761600,"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_y","object":"price"}}]}}`)
	}))
	t.Cleanup(server.Close)

	c := NewClientWithURL("sk_test_123", server.URL)
	ev, err := c.FetchSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", ev.Status)
	assert.Equal(t, "price_y", ev.PriceID)
	assert.Equal(t, "cus_1", ev.CustomerID)
}
