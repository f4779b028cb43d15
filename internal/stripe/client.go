package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/PortNumber53/coach-planner/internal/billing"
)

// MetadataUserID is the customer metadata key holding the local user id.
const MetadataUserID = "user_id"

// ErrNoSubscriptionItems is returned when a subscription has no line item to
// re-price.
var ErrNoSubscriptionItems = errors.New("stripe: subscription has no items")

// Client wraps the Stripe API calls used by the payments endpoints and the
// reconciler.
type Client struct {
	api *client.API
}

// NewClient creates a Stripe client using the default API backends.
func NewClient(secretKey string) *Client {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Client{api: api}
}

// NewClientWithURL points the client at an alternative API host, such as
// stripe-mock or a test server.
func NewClientWithURL(secretKey, url string) *Client {
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, &stripeapi.BackendConfig{
		URL:               stripeapi.String(url),
		MaxNetworkRetries: stripeapi.Int64(0),
	})
	api := &client.API{}
	api.Init(secretKey, &stripeapi.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Client{api: api}
}

// CreateCustomer creates a customer tagged with the local user id.
func (c *Client) CreateCustomer(ctx context.Context, email string, userID int64) (*stripeapi.Customer, error) {
	params := &stripeapi.CustomerParams{
		Email: stripeapi.String(email),
		Metadata: map[string]string{
			MetadataUserID: strconv.FormatInt(userID, 10),
		},
	}
	params.Context = ctx

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create customer: %w", err)
	}
	log.Info().Str("customer", cust.ID).Int64("user_id", userID).Msg("[stripe] customer created")
	return cust, nil
}

// GetCustomer retrieves a customer by id.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*stripeapi.Customer, error) {
	params := &stripeapi.CustomerParams{}
	params.Context = ctx

	cust, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get customer %s: %w", customerID, err)
	}
	return cust, nil
}

// CreateCheckoutSession starts a subscription checkout for one unit of
// priceID and returns the hosted page URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error) {
	params := &stripeapi.CheckoutSessionParams{
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		Customer:           stripeapi.String(customerID),
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(priceID),
				Quantity: stripeapi.Int64(1),
			},
		},
		SuccessURL: stripeapi.String(successURL),
		CancelURL:  stripeapi.String(cancelURL),
	}
	params.Context = ctx

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create checkout session: %w", err)
	}
	if sess.URL == "" {
		return "", errors.New("stripe: create checkout session: missing session url")
	}
	return sess.URL, nil
}

// GetSubscription retrieves a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error) {
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

// UpdateSubscriptionPrice moves the first item of the subscription to
// newPriceID, prorating the change.
func (c *Client) UpdateSubscriptionPrice(ctx context.Context, subscriptionID, newPriceID string) (*stripeapi.Subscription, error) {
	sub, err := c.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return nil, ErrNoSubscriptionItems
	}

	params := &stripeapi.SubscriptionParams{
		Items: []*stripeapi.SubscriptionItemsParams{
			{
				ID:    stripeapi.String(sub.Items.Data[0].ID),
				Price: stripeapi.String(newPriceID),
			},
		},
		ProrationBehavior: stripeapi.String("create_prorations"),
	}
	params.Context = ctx

	updated, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: update subscription price: %w", err)
	}
	log.Info().Str("subscription", subscriptionID).Str("price", newPriceID).Msg("[stripe] subscription re-priced")
	return updated, nil
}

// CancelAtPeriodEnd schedules the subscription to end with its current period.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error) {
	params := &stripeapi.SubscriptionParams{
		CancelAtPeriodEnd: stripeapi.Bool(true),
	}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: cancel subscription: %w", err)
	}
	log.Info().Str("subscription", subscriptionID).Msg("[stripe] cancellation scheduled at period end")
	return sub, nil
}

// FetchSubscription returns the reconciler's view of a subscription.
func (c *Client) FetchSubscription(ctx context.Context, subscriptionID string) (billing.SubscriptionEvent, error) {
	sub, err := c.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return billing.SubscriptionEvent{}, err
	}
	return SubscriptionEvent(sub, nil), nil
}

// LookupCustomer resolves the local owner recorded on a customer.
func (c *Client) LookupCustomer(ctx context.Context, customerID string) (billing.Customer, error) {
	cust, err := c.GetCustomer(ctx, customerID)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripeapi.ErrorCodeResourceMissing {
			return billing.Customer{ID: customerID}, nil
		}
		return billing.Customer{}, err
	}

	out := billing.Customer{ID: cust.ID, Email: cust.Email}
	if raw, ok := cust.Metadata[MetadataUserID]; ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			out.UserID = id
		}
	}
	return out, nil
}
