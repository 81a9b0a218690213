package simulation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type lever struct {
	saving decimal.Decimal
	order  int
	text   string
}

// recommend ranks the levers by the saving they contribute, largest first.
func recommend(res *domain.SimulationResult, r *run, significant decimal.Decimal) []string {
	var levers []lever
	add := func(delta decimal.Decimal, order int, format string, args ...any) {
		saving := delta.Neg()
		if !saving.IsPositive() {
			return
		}
		args = append(args, saving.StringFixed(2))
		levers = append(levers, lever{saving: saving, order: order, text: fmt.Sprintf(format, args...)})
	}

	if r.plan != nil {
		add(res.PerCategoryDelta.PlanChange, 0, "Switch to %s to save %s per month", r.plan.Name)
	}
	if len(r.addOns) > 0 {
		names := make([]string, len(r.addOns))
		for i, a := range r.addOns {
			names[i] = a.Name
		}
		add(res.PerCategoryDelta.AddOns, 1, "Add %s to cover overage and save %s per month", strings.Join(names, ", "))
	}
	add(res.PerCategoryDelta.VAS, 2, "Disable value-added services to save %s per month")
	add(res.PerCategoryDelta.PremiumSMS, 3, "Block premium SMS to save %s per month")

	sort.SliceStable(levers, func(i, j int) bool {
		if !levers[i].saving.Equal(levers[j].saving) {
			return levers[i].saving.GreaterThan(levers[j].saving)
		}
		return levers[i].order < levers[j].order
	})

	out := make([]string, 0, len(levers)+1)
	if pct := savingPercent(res); res.Saving.IsPositive() && pct.GreaterThan(significant) {
		out = append(out, fmt.Sprintf("Significant saving opportunity: %s%% of your current bill", pct.StringFixed(1)))
	}
	for _, l := range levers {
		out = append(out, l.text)
	}

	switch {
	case res.Saving.IsNegative():
		out = append(out, fmt.Sprintf("This scenario would increase your bill by %s; keep your current configuration", res.Saving.Neg().StringFixed(2)))
	case res.Saving.IsZero():
		out = append(out, "This scenario does not change your bill")
	}
	return out
}

// savingPercent is the saving as a percentage of the current total.
func savingPercent(res *domain.SimulationResult) decimal.Decimal {
	if !res.CurrentTotal.IsPositive() {
		return decimal.Zero
	}
	return res.Saving.Div(res.CurrentTotal).Mul(hundred).Round(2)
}

func details(res *domain.SimulationResult) string {
	basis := "issued bill"
	if res.Basis == domain.BasisUsage {
		basis = "usage re-rate"
	}
	return fmt.Sprintf("Current cost %s (%s), scenario cost %s, saving %s (%s%%)",
		res.CurrentTotal.StringFixed(2), basis,
		res.NewTotal.StringFixed(2),
		res.Saving.StringFixed(2), savingPercent(res).StringFixed(1))
}
