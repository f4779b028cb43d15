package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/coach-planner/internal/models"
)

func TestPriceTable(t *testing.T) {
	table, err := NewPriceTable("price_m", " price_y ")
	require.NoError(t, err)

	tests := []struct {
		id   string
		want models.BillingCycle
	}{
		{"price_m", models.CycleMonthly},
		{"price_y", models.CycleYearly},
		{"price_other", models.CycleNone},
		{"", models.CycleNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, table.Cycle(tt.id), tt.id)
		assert.Equal(t, tt.want, table.Cycle(tt.id), "lookup must be stable")
	}
	assert.True(t, table.Known("price_m"))
	assert.False(t, table.Known("price_other"))
}

func TestPriceTableRejectsAmbiguousConfig(t *testing.T) {
	_, err := NewPriceTable("price_same", "price_same")
	assert.ErrorIs(t, err, ErrAmbiguousPrice)
}

func TestPriceTableEmptyKnowsAnyID(t *testing.T) {
	table, err := NewPriceTable("", "")
	require.NoError(t, err)
	assert.True(t, table.Known("price_anything"))
	assert.False(t, table.Known(""))
}

func TestDisplayPrice(t *testing.T) {
	assert.Equal(t, "10.50$", DisplayPrice(models.PlanPro, models.CycleMonthly))
	assert.Equal(t, "40.50$", DisplayPrice(models.PlanPro, models.CycleYearly))
	assert.Equal(t, "0.00$", DisplayPrice(models.PlanStandard, models.CycleNone))
	assert.Equal(t, "0.00$", DisplayPrice(models.PlanStandard, models.CycleYearly))
}

func TestNewSubscriptionView(t *testing.T) {
	empty := NewSubscriptionView(nil)
	assert.Equal(t, models.PlanStandard, empty.Plan)
	assert.Nil(t, empty.PlanType)
	assert.Equal(t, "N/A", empty.FormattedExpiry)
	assert.Equal(t, "0.00$", empty.Price)

	end := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	view := NewSubscriptionView(&models.Subscription{
		Plan: models.PlanPro, BillingCycle: models.CycleMonthly, IsActive: true, CurrentPeriodEnd: &end,
	})
	assert.Equal(t, "Pro", view.PlanDisplay)
	require.NotNil(t, view.PlanType)
	assert.Equal(t, "monthly", *view.PlanType)
	assert.Equal(t, "Monthly", view.PlanTypeDisplay)
	assert.Equal(t, "03/09/26", view.FormattedExpiry)
	assert.Equal(t, "10.50$", view.Price)
}

func TestAccountTypeAndAccess(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	tests := []struct {
		name   string
		user   *models.User
		sub    *models.Subscription
		want   AccountType
		access bool
	}{
		{"no user state", &models.User{}, nil, AccountFree, false},
		{"active pro", &models.User{}, &models.Subscription{Plan: models.PlanPro, IsActive: true, CurrentPeriodEnd: &future}, AccountPro, true},
		{"active standard", &models.User{}, &models.Subscription{Plan: models.PlanStandard, IsActive: true, CurrentPeriodEnd: &future}, AccountStandard, true},
		{"expired pro", &models.User{}, &models.Subscription{Plan: models.PlanPro, IsActive: true, CurrentPeriodEnd: &past}, AccountFree, false},
		{"inactive pro", &models.User{}, &models.Subscription{Plan: models.PlanPro, CurrentPeriodEnd: &future}, AccountFree, false},
		{"in trial", &models.User{TrialStart: &past, TrialEnd: &future}, nil, AccountStandard, true},
		{"trial over", &models.User{TrialStart: &past, TrialEnd: &past}, nil, AccountFree, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AccountTypeFor(tt.user, tt.sub, now))
			assert.Equal(t, tt.access, HasAccess(tt.user, tt.sub, now))
		})
	}
}
