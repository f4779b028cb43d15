package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/coach-planner/internal/models"
	"github.com/PortNumber53/coach-planner/internal/store"
)

// TrialPeriod is the length of a free trial.
const TrialPeriod = 7 * 24 * time.Hour

// ErrTrialActive is returned when a trial is requested inside a running one.
var ErrTrialActive = errors.New("billing: trial already active")

// SubscriptionEvent is the provider's view of a subscription.
type SubscriptionEvent struct {
	CustomerID     string
	SubscriptionID string
	Status         string
	PeriodEnd      *time.Time
	PriceID        string
}

// Customer identifies the local owner of a provider customer. UserID is zero
// when the customer carries no owner metadata.
type Customer struct {
	ID     string
	UserID int64
	Email  string
}

// Store is the persistence the reconciler needs.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetSubscriptionByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*models.Subscription, error)
	UpdateBillingState(ctx context.Context, id int64, state models.BillingState) error
	UpsertBillingState(ctx context.Context, userID int64, customerID string, state models.BillingState) error
	StartTrial(ctx context.Context, userID int64, start, end time.Time) error
}

// Provider fetches authoritative state from the billing provider.
type Provider interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (SubscriptionEvent, error)
	LookupCustomer(ctx context.Context, customerID string) (Customer, error)
}

// Reconciler applies billing provider events to local subscription state.
// Every handler is idempotent. Ids that match nothing locally are logged and
// ignored so the provider does not redeliver them.
type Reconciler struct {
	store    Store
	provider Provider
	prices   PriceTable
	now      func() time.Time
}

// NewReconciler wires a Reconciler.
func NewReconciler(st Store, provider Provider, prices PriceTable) *Reconciler {
	return &Reconciler{
		store:    st,
		provider: provider,
		prices:   prices,
		now:      time.Now,
	}
}

func (r *Reconciler) stateFor(ev SubscriptionEvent) models.BillingState {
	active := ev.Status == "active"
	plan := models.PlanStandard
	if active {
		plan = models.PlanPro
	}
	var subID *string
	if ev.SubscriptionID != "" {
		id := ev.SubscriptionID
		subID = &id
	}
	return models.BillingState{
		StripeSubscriptionID: subID,
		Plan:                 plan,
		BillingCycle:         r.prices.Cycle(ev.PriceID),
		IsActive:             active,
		CurrentPeriodEnd:     ev.PeriodEnd,
	}
}

// SubscriptionChanged handles customer.subscription.created and
// customer.subscription.updated.
func (r *Reconciler) SubscriptionChanged(ctx context.Context, ev SubscriptionEvent) error {
	if ev.CustomerID == "" {
		log.Warn().Str("subscription", ev.SubscriptionID).Msg("[webhook] subscription event without customer id")
		recordEvent("subscription_changed", outcomeIgnored)
		return nil
	}
	state := r.stateFor(ev)

	sub, err := r.store.GetSubscriptionByCustomerID(ctx, ev.CustomerID)
	switch {
	case err == nil:
		if err := r.store.UpdateBillingState(ctx, sub.ID, state); err != nil {
			recordEvent("subscription_changed", outcomeError)
			return fmt.Errorf("billing: apply subscription change: %w", err)
		}
	case errors.Is(err, store.ErrNotFound):
		userID, err := r.resolveOwner(ctx, ev.CustomerID)
		if err != nil {
			recordEvent("subscription_changed", outcomeError)
			return err
		}
		if userID == 0 {
			log.Warn().Str("customer", ev.CustomerID).Msg("[webhook] no user found for stripe customer")
			recordEvent("subscription_changed", outcomeIgnored)
			return nil
		}
		if err := r.store.UpsertBillingState(ctx, userID, ev.CustomerID, state); err != nil {
			recordEvent("subscription_changed", outcomeError)
			return fmt.Errorf("billing: create subscription: %w", err)
		}
	default:
		recordEvent("subscription_changed", outcomeError)
		return fmt.Errorf("billing: lookup subscription by customer: %w", err)
	}

	log.Info().
		Str("customer", ev.CustomerID).
		Str("subscription", ev.SubscriptionID).
		Str("status", ev.Status).
		Str("plan", string(state.Plan)).
		Msg("[webhook] subscription state applied")
	recordEvent("subscription_changed", outcomeApplied)
	return nil
}

// resolveOwner finds the local user of a provider customer through the
// customer's user_id metadata, then its email. It returns zero when neither
// matches a user.
func (r *Reconciler) resolveOwner(ctx context.Context, customerID string) (int64, error) {
	cust, err := r.provider.LookupCustomer(ctx, customerID)
	if err != nil {
		return 0, fmt.Errorf("billing: lookup customer %s: %w", customerID, err)
	}

	if cust.UserID != 0 {
		user, err := r.store.GetUserByID(ctx, cust.UserID)
		switch {
		case err == nil:
			return user.ID, nil
		case !errors.Is(err, store.ErrNotFound):
			return 0, fmt.Errorf("billing: lookup customer owner: %w", err)
		}
	}

	if cust.Email == "" {
		return 0, nil
	}
	user, err := r.store.GetUserByEmail(ctx, cust.Email)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing: lookup customer owner by email: %w", err)
	}
	return user.ID, nil
}

// InvoicePaid re-reads the subscription from the provider, since the period
// end is only reliably current once the invoice is paid.
func (r *Reconciler) InvoicePaid(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		recordEvent("invoice_paid", outcomeIgnored)
		return nil
	}

	ev, err := r.provider.FetchSubscription(ctx, subscriptionID)
	if err != nil {
		recordEvent("invoice_paid", outcomeError)
		return fmt.Errorf("billing: fetch subscription %s: %w", subscriptionID, err)
	}

	sub, err := r.store.GetSubscriptionByStripeID(ctx, subscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("subscription", subscriptionID).Msg("[webhook] no local subscription for paid invoice")
		recordEvent("invoice_paid", outcomeIgnored)
		return nil
	}
	if err != nil {
		recordEvent("invoice_paid", outcomeError)
		return fmt.Errorf("billing: lookup subscription by stripe id: %w", err)
	}

	if err := r.store.UpdateBillingState(ctx, sub.ID, r.stateFor(ev)); err != nil {
		recordEvent("invoice_paid", outcomeError)
		return fmt.Errorf("billing: apply paid invoice: %w", err)
	}
	recordEvent("invoice_paid", outcomeApplied)
	return nil
}

// SubscriptionDeleted downgrades the customer's subscription to an inactive
// standard plan.
func (r *Reconciler) SubscriptionDeleted(ctx context.Context, customerID string) error {
	sub, err := r.store.GetSubscriptionByCustomerID(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("customer", customerID).Msg("[webhook] subscription to delete not found")
		recordEvent("subscription_deleted", outcomeIgnored)
		return nil
	}
	if err != nil {
		recordEvent("subscription_deleted", outcomeError)
		return fmt.Errorf("billing: lookup subscription by customer: %w", err)
	}

	if err := r.store.UpdateBillingState(ctx, sub.ID, models.BillingState{
		Plan:         models.PlanStandard,
		BillingCycle: models.CycleNone,
	}); err != nil {
		recordEvent("subscription_deleted", outcomeError)
		return fmt.Errorf("billing: apply subscription deletion: %w", err)
	}
	recordEvent("subscription_deleted", outcomeApplied)
	return nil
}

// GrantTrial opens a trial window for userID and returns its end.
func (r *Reconciler) GrantTrial(ctx context.Context, userID int64) (time.Time, error) {
	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("billing: load user: %w", err)
	}

	now := r.now().UTC()
	if user.TrialStart != nil && user.TrialEnd != nil && now.Before(*user.TrialEnd) {
		return time.Time{}, ErrTrialActive
	}

	end := now.Add(TrialPeriod)
	if err := r.store.StartTrial(ctx, userID, now, end); err != nil {
		return time.Time{}, fmt.Errorf("billing: start trial: %w", err)
	}
	log.Info().Int64("user_id", userID).Time("trial_end", end).Msg("[billing] trial started")
	return end, nil
}
