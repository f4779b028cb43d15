package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/PortNumber53/coach-planner/internal/billing"
)

// Webhook event types consumed by the reconciler.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.paid"
)

// ConstructWebhookEvent verifies the Stripe-Signature header against secret
// and decodes the event.
func ConstructWebhookEvent(body []byte, signatureHeader, secret string) (stripeapi.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripeapi.Event{}, fmt.Errorf("stripe: verify webhook: %w", err)
	}
	return event, nil
}

// itemPeriods reads current_period_end from the subscription items, where
// newer API versions report it.
type itemPeriods struct {
	Items struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// SubscriptionEvent maps a Stripe subscription onto the reconciler's event.
// raw is the original JSON object and may be nil.
func SubscriptionEvent(sub *stripeapi.Subscription, raw json.RawMessage) billing.SubscriptionEvent {
	ev := billing.SubscriptionEvent{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		ev.PriceID = sub.Items.Data[0].Price.ID
	}

	periodEnd := sub.CurrentPeriodEnd
	if periodEnd == 0 && len(raw) > 0 {
		var periods itemPeriods
		if err := json.Unmarshal(raw, &periods); err == nil && len(periods.Items.Data) > 0 {
			periodEnd = periods.Items.Data[0].CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		ev.PeriodEnd = &t
	}
	return ev
}

// DecodeSubscription decodes the data object of a subscription event.
func DecodeSubscription(event stripeapi.Event) (billing.SubscriptionEvent, error) {
	if event.Data == nil {
		return billing.SubscriptionEvent{}, fmt.Errorf("stripe: event %s has no data", event.ID)
	}
	var sub stripeapi.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return billing.SubscriptionEvent{}, fmt.Errorf("stripe: decode subscription: %w", err)
	}
	return SubscriptionEvent(&sub, event.Data.Raw), nil
}

// DecodeInvoiceSubscriptionID returns the subscription id of an invoice event.
// It is empty for one-off invoices.
func DecodeInvoiceSubscriptionID(event stripeapi.Event) (string, error) {
	if event.Data == nil {
		return "", fmt.Errorf("stripe: event %s has no data", event.ID)
	}
	var inv stripeapi.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return "", fmt.Errorf("stripe: decode invoice: %w", err)
	}
	if inv.Subscription == nil {
		return "", nil
	}
	return inv.Subscription.ID, nil
}
