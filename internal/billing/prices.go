package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/PortNumber53/coach-planner/internal/models"
)

// ErrAmbiguousPrice is returned when one price id is configured for more than
// one billing cycle.
var ErrAmbiguousPrice = errors.New("billing: price id mapped to more than one cycle")

// PriceTable maps Stripe price ids to billing cycles.
type PriceTable struct {
	cycles map[string]models.BillingCycle
}

// NewPriceTable builds the lookup from the configured monthly and yearly
// price ids. Empty ids are skipped.
func NewPriceTable(monthly, yearly string) (PriceTable, error) {
	t := PriceTable{cycles: make(map[string]models.BillingCycle, 2)}
	for _, entry := range []struct {
		id    string
		cycle models.BillingCycle
	}{
		{strings.TrimSpace(monthly), models.CycleMonthly},
		{strings.TrimSpace(yearly), models.CycleYearly},
	} {
		if entry.id == "" {
			continue
		}
		if existing, ok := t.cycles[entry.id]; ok && existing != entry.cycle {
			return PriceTable{}, fmt.Errorf("%w: %s", ErrAmbiguousPrice, entry.id)
		}
		t.cycles[entry.id] = entry.cycle
	}
	return t, nil
}

// Cycle returns the billing cycle of priceID, or CycleNone if it is unknown.
func (t PriceTable) Cycle(priceID string) models.BillingCycle {
	return t.cycles[priceID]
}

// Known reports whether priceID is configured. An empty table knows every id.
func (t PriceTable) Known(priceID string) bool {
	if len(t.cycles) == 0 {
		return priceID != ""
	}
	_, ok := t.cycles[priceID]
	return ok
}

type priceKey struct {
	plan  models.PlanTier
	cycle models.BillingCycle
}

var displayPrices = map[priceKey]decimal.Decimal{
	{models.PlanPro, models.CycleMonthly}:   decimal.RequireFromString("10.50"),
	{models.PlanPro, models.CycleYearly}:    decimal.RequireFromString("40.50"),
	{models.PlanStandard, models.CycleNone}: decimal.Zero,
}

// DisplayPrice formats the list price of a plan and cycle, e.g. "10.50$".
// Unknown combinations are free.
func DisplayPrice(plan models.PlanTier, cycle models.BillingCycle) string {
	amount, ok := displayPrices[priceKey{plan, cycle}]
	if !ok {
		amount = decimal.Zero
	}
	return amount.StringFixed(2) + "$"
}
