package billing

import (
	"time"

	"github.com/PortNumber53/coach-planner/internal/models"
)

// AccountType is computed on read from the trial window and subscription
// state. It is never persisted.
type AccountType string

const (
	AccountFree     AccountType = "Free"
	AccountStandard AccountType = "Standard"
	AccountPro      AccountType = "Pro"
)

func subscriptionCurrent(sub *models.Subscription, now time.Time) bool {
	return sub != nil && sub.IsActive && sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now)
}

func inTrial(user *models.User, now time.Time) bool {
	return user != nil && user.TrialStart != nil && user.TrialEnd != nil &&
		!now.Before(*user.TrialStart) && !now.After(*user.TrialEnd)
}

// AccountTypeFor derives the account type of user at now. sub may be nil.
func AccountTypeFor(user *models.User, sub *models.Subscription, now time.Time) AccountType {
	if subscriptionCurrent(sub, now) {
		if sub.Plan == models.PlanPro {
			return AccountPro
		}
		return AccountStandard
	}
	if user != nil && user.TrialEnd != nil && !now.After(*user.TrialEnd) {
		return AccountStandard
	}
	return AccountFree
}

// HasAccess reports whether user may use the chat assistant at now.
func HasAccess(user *models.User, sub *models.Subscription, now time.Time) bool {
	return subscriptionCurrent(sub, now) || inTrial(user, now)
}
