package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	stripeapi "github.com/stripe/stripe-go/v79"

	"github.com/PortNumber53/coach-planner/internal/billing"
	"github.com/PortNumber53/coach-planner/internal/models"
	"github.com/PortNumber53/coach-planner/internal/store"
	stripeClient "github.com/PortNumber53/coach-planner/internal/stripe"
)

const maxWebhookBody = 65536

// SubscriptionStore is the persistence used by the payment endpoints.
type SubscriptionStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetSubscriptionByUserID(ctx context.Context, userID int64) (*models.Subscription, error)
	AttachCustomer(ctx context.Context, userID int64, customerID string) error
}

// BillingProvider is the subset of the Stripe client the payment endpoints
// call.
type BillingProvider interface {
	CreateCustomer(ctx context.Context, email string, userID int64) (*stripeapi.Customer, error)
	CreateCheckoutSession(ctx context.Context, customerID, priceID, successURL, cancelURL string) (string, error)
	UpdateSubscriptionPrice(ctx context.Context, subscriptionID, newPriceID string) (*stripeapi.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*stripeapi.Subscription, error)
}

// EventReconciler applies verified billing events.
type EventReconciler interface {
	SubscriptionChanged(ctx context.Context, ev billing.SubscriptionEvent) error
	InvoicePaid(ctx context.Context, subscriptionID string) error
	SubscriptionDeleted(ctx context.Context, customerID string) error
}

// PaymentHandler serves /api/payments.
type PaymentHandler struct {
	Store          SubscriptionStore
	Stripe         BillingProvider
	Reconciler     EventReconciler
	Prices         billing.PriceTable
	WebhookSecret  string
	FrontendDomain string
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(st SubscriptionStore, provider BillingProvider, reconciler EventReconciler, prices billing.PriceTable, webhookSecret, frontendDomain string) *PaymentHandler {
	return &PaymentHandler{
		Store:          st,
		Stripe:         provider,
		Reconciler:     reconciler,
		Prices:         prices,
		WebhookSecret:  webhookSecret,
		FrontendDomain: frontendDomain,
	}
}

// RegisterRoutes registers the authenticated payment routes.
func (h *PaymentHandler) RegisterRoutes(router chi.Router) {
	router.Post("/create-checkout-session", h.CreateCheckoutSession())
	router.Get("/subscription/manage", h.ManageSubscription())
	router.Post("/update-subscription", h.UpdateSubscription())
	router.Post("/cancel-subscription", h.CancelSubscription())
}

// RegisterWebhook registers the signed webhook receiver. It must not sit
// behind auth.Middleware.
func (h *PaymentHandler) RegisterWebhook(router chi.Router) {
	router.Post("/webhook", h.HandleWebhook())
}

func (h *PaymentHandler) decodePrice(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req models.CheckoutRequest
	if !decodeAndValidate(w, r, &req) {
		return "", false
	}
	if !h.Prices.Known(req.PriceID) {
		writeFieldErrors(w, fieldErrors{"price_id": "Unknown price."})
		return "", false
	}
	return req.PriceID, true
}

// subscription returns the user's subscription or nil when there is none.
func (h *PaymentHandler) subscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	sub, err := h.Store.GetSubscriptionByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// CreateCheckoutSession opens a hosted checkout for the requested price,
// creating the Stripe customer on first use.
func (h *PaymentHandler) CreateCheckoutSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		priceID, ok := h.decodePrice(w, r)
		if !ok {
			return
		}

		sub, err := h.subscription(r.Context(), userID)
		if err != nil {
			internalError(w, r, "checkout: load subscription", err)
			return
		}

		var customerID string
		if sub != nil && sub.StripeCustomerID != nil {
			customerID = *sub.StripeCustomerID
		} else {
			user, err := h.Store.GetUserByID(r.Context(), userID)
			if err != nil {
				internalError(w, r, "checkout: load user", err)
				return
			}
			customer, err := h.Stripe.CreateCustomer(r.Context(), user.Email, userID)
			if err != nil {
				hlog.FromRequest(r).Error().Err(err).Msg("[payments] create customer failed")
				writeError(w, http.StatusBadGateway, "failed to create checkout session")
				return
			}
			if err := h.Store.AttachCustomer(r.Context(), userID, customer.ID); err != nil {
				internalError(w, r, "checkout: attach customer", err)
				return
			}
			customerID = customer.ID
		}

		checkoutURL, err := h.Stripe.CreateCheckoutSession(r.Context(), customerID, priceID,
			h.FrontendDomain+"/dashboard", h.FrontendDomain+"/pricing")
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("customer", customerID).Msg("[payments] create checkout session failed")
			writeError(w, http.StatusBadGateway, "failed to create checkout session")
			return
		}
		writeJSON(w, http.StatusOK, models.CheckoutResponse{CheckoutURL: checkoutURL})
	}
}

// ManageSubscription returns the billing page summary.
func (h *PaymentHandler) ManageSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		sub, err := h.subscription(r.Context(), userID)
		if err != nil {
			internalError(w, r, "manage: load subscription", err)
			return
		}
		writeJSON(w, http.StatusOK, billing.NewSubscriptionView(sub))
	}
}

// stripeSubscriptionID loads the user's Stripe subscription id, writing the
// 404 or 400 response when there is none.
func (h *PaymentHandler) stripeSubscriptionID(w http.ResponseWriter, r *http.Request, userID int64, missing string) (string, bool) {
	sub, err := h.subscription(r.Context(), userID)
	if err != nil {
		internalError(w, r, "payments: load subscription", err)
		return "", false
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "Subscription not found")
		return "", false
	}
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID == "" {
		writeError(w, http.StatusBadRequest, missing)
		return "", false
	}
	return *sub.StripeSubscriptionID, true
}

// UpdateSubscription moves the subscription to another price with proration.
func (h *PaymentHandler) UpdateSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		priceID, ok := h.decodePrice(w, r)
		if !ok {
			return
		}
		subID, ok := h.stripeSubscriptionID(w, r, userID, "No active subscription found")
		if !ok {
			return
		}

		updated, err := h.Stripe.UpdateSubscriptionPrice(r.Context(), subID, priceID)
		if errors.Is(err, stripeClient.ErrNoSubscriptionItems) {
			writeError(w, http.StatusBadRequest, "Subscription has no items to update")
			return
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("subscription", subID).Msg("[payments] update subscription failed")
			writeError(w, http.StatusBadGateway, "failed to update subscription")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"message": "Subscription updated", "subscription": updated})
	}
}

// CancelSubscription schedules cancellation at the end of the period.
func (h *PaymentHandler) CancelSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := currentUserID(w, r)
		if !ok {
			return
		}
		subID, ok := h.stripeSubscriptionID(w, r, userID, "No active subscription to cancel")
		if !ok {
			return
		}

		canceled, err := h.Stripe.CancelAtPeriodEnd(r.Context(), subID)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("subscription", subID).Msg("[payments] cancel subscription failed")
			writeError(w, http.StatusBadGateway, "failed to cancel subscription")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":      "Subscription cancellation scheduled at period end",
			"subscription": canceled,
		})
	}
}

// HandleWebhook verifies and applies Stripe events. Unknown ids are
// acknowledged with 200; only storage or provider failures answer 500 so
// Stripe redelivers.
func (h *PaymentHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		event, err := stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"), h.WebhookSecret)
		if err != nil {
			logger.Warn().Err(err).Msg("[webhook] signature verification failed")
			http.Error(w, "invalid webhook signature", http.StatusBadRequest)
			return
		}

		logger.Info().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("[webhook] received event")

		switch string(event.Type) {
		case stripeClient.EventSubscriptionCreated, stripeClient.EventSubscriptionUpdated:
			ev, derr := stripeClient.DecodeSubscription(event)
			if derr != nil {
				logger.Error().Err(derr).Msg("[webhook] malformed subscription event")
				http.Error(w, "malformed event", http.StatusBadRequest)
				return
			}
			err = h.Reconciler.SubscriptionChanged(r.Context(), ev)

		case stripeClient.EventInvoicePaid:
			subID, derr := stripeClient.DecodeInvoiceSubscriptionID(event)
			if derr != nil {
				logger.Error().Err(derr).Msg("[webhook] malformed invoice event")
				http.Error(w, "malformed event", http.StatusBadRequest)
				return
			}
			if subID == "" {
				logger.Info().Str("event_id", event.ID).Msg("[webhook] invoice without subscription ignored")
				break
			}
			err = h.Reconciler.InvoicePaid(r.Context(), subID)

		case stripeClient.EventSubscriptionDeleted:
			ev, derr := stripeClient.DecodeSubscription(event)
			if derr != nil {
				logger.Error().Err(derr).Msg("[webhook] malformed subscription event")
				http.Error(w, "malformed event", http.StatusBadRequest)
				return
			}
			err = h.Reconciler.SubscriptionDeleted(r.Context(), ev.CustomerID)

		default:
			logger.Debug().Str("type", string(event.Type)).Msg("[webhook] unhandled event type")
		}

		if err != nil {
			logger.Error().Err(err).Str("event_id", event.ID).Msg("[webhook] failed to apply event")
			http.Error(w, "failed to process event", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
