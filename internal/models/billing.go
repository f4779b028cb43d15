package models

import "time"

// PlanTier is the subscription tier stored on a subscription row.
type PlanTier string

const (
	PlanStandard PlanTier = "standard"
	PlanPro      PlanTier = "pro"
)

// BillingCycle is derived from the Stripe price id of the subscription item.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
	CycleNone    BillingCycle = ""
)

// Subscription mirrors the billing provider's view of a user's plan. There is
// at most one row per user.
type Subscription struct {
	ID                   int64        `json:"id"`
	UserID               int64        `json:"user_id"`
	StripeCustomerID     *string      `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID *string      `json:"stripe_subscription_id,omitempty"`
	Plan                 PlanTier     `json:"plan"`
	BillingCycle         BillingCycle `json:"plan_type"`
	IsActive             bool         `json:"is_active"`
	CurrentPeriodEnd     *time.Time   `json:"current_period_end,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// BillingState is the set of fields the reconciler writes on every event.
type BillingState struct {
	StripeSubscriptionID *string
	Plan                 PlanTier
	BillingCycle         BillingCycle
	IsActive             bool
	CurrentPeriodEnd     *time.Time
}

// CheckoutRequest represents a request to create a Stripe checkout session
type CheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required"`
}

// CheckoutResponse represents the response from creating a checkout session
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}
