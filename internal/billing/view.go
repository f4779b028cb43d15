package billing

import (
	"time"

	"github.com/PortNumber53/coach-planner/internal/models"
)

const expiryLayout = "01/02/06"

// SubscriptionView is the subscription summary shown on the billing page.
type SubscriptionView struct {
	Plan             models.PlanTier `json:"plan"`
	PlanDisplay      string          `json:"plan_display"`
	PlanType         *string         `json:"plan_type"`
	PlanTypeDisplay  string          `json:"plan_type_display"`
	IsActive         bool            `json:"is_active"`
	CurrentPeriodEnd *time.Time      `json:"current_period_end"`
	Price            string          `json:"price"`
	FormattedExpiry  string          `json:"formatted_expiry"`
}

// NewSubscriptionView renders sub. A nil sub yields the default standard view.
func NewSubscriptionView(sub *models.Subscription) SubscriptionView {
	if sub == nil {
		return SubscriptionView{
			Plan:            models.PlanStandard,
			PlanDisplay:     planDisplay(models.PlanStandard),
			PlanTypeDisplay: "N/A",
			Price:           DisplayPrice(models.PlanStandard, models.CycleNone),
			FormattedExpiry: "N/A",
		}
	}

	view := SubscriptionView{
		Plan:             sub.Plan,
		PlanDisplay:      planDisplay(sub.Plan),
		PlanTypeDisplay:  "N/A",
		IsActive:         sub.IsActive,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		Price:            DisplayPrice(sub.Plan, sub.BillingCycle),
		FormattedExpiry:  "N/A",
	}
	if sub.BillingCycle != models.CycleNone {
		cycle := string(sub.BillingCycle)
		view.PlanType = &cycle
		view.PlanTypeDisplay = cycleDisplay(sub.BillingCycle)
	}
	if sub.CurrentPeriodEnd != nil {
		view.FormattedExpiry = sub.CurrentPeriodEnd.Format(expiryLayout)
	}
	return view
}

func planDisplay(p models.PlanTier) string {
	switch p {
	case models.PlanPro:
		return "Pro"
	default:
		return "Standard"
	}
}

func cycleDisplay(c models.BillingCycle) string {
	switch c {
	case models.CycleMonthly:
		return "Monthly"
	case models.CycleYearly:
		return "Yearly"
	default:
		return "N/A"
	}
}
