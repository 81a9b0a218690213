// Package rating computes charge breakdowns for a usage profile against a
// catalog configuration.
package rating

import (
	"fmt"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

// Source records which lever produced a line.
type Source string

const (
	SourcePlan       Source = "PLAN"
	SourceAddOn      Source = "ADDON"
	SourceVAS        Source = "VAS"
	SourcePremiumSMS Source = "PREMIUM_SMS"
	SourceCarried    Source = "CARRIED"
)

// QuotaDimensions are the quota-bearing categories, in rating order.
var QuotaDimensions = []domain.Category{domain.CategoryData, domain.CategoryVoice, domain.CategorySMS}

// Line is a rated charge.
type Line struct {
	domain.LineItem
	Source Source `json:"source"`
}

// Input is a usage profile plus the catalog configuration to rate it against.
type Input struct {
	Usage domain.UsageProfile

	// Plan prices the plan fee, overage and usage roaming. Required when any of them is rated.
	Plan          *domain.Plan
	ChargePlanFee bool

	// Dimensions selects which of QuotaDimensions are rated for overage. Nil rates all of them.
	Dimensions []domain.Category

	// ExtraQuota is quota from add-ons whose fee is billed elsewhere.
	ExtraQuota domain.Quota

	// AddOns are charged in full and extend the quota.
	AddOns []domain.AddOn

	VAS        []domain.LineItem
	DisableVAS bool

	// PremiumSMS lines are carried at their historical price; re-rating only toggles them.
	PremiumSMS      []domain.LineItem
	BlockPremiumSMS bool

	// Carried lines are copied unchanged.
	Carried []domain.LineItem

	// RoamingFromUsage rates roaming MB at Plan.RoamingPerMB.
	RoamingFromUsage bool

	Taxes TaxPolicy
}

// Breakdown is the result of rating. Categories holds pre-tax amounts per
// category with TAX holding the total tax, so its values sum to Total.
type Breakdown struct {
	Lines      []Line                              `json:"lines"`
	Removed    []domain.RemovedCost                `json:"removed,omitempty"`
	Categories map[domain.Category]decimal.Decimal `json:"categories"`
	BySource   map[Source]decimal.Decimal          `json:"bySource"`
	Subtotal   decimal.Decimal                     `json:"subtotal"`
	Tax        decimal.Decimal                     `json:"tax"`
	Total      decimal.Decimal                     `json:"total"`
}

// Rate computes the charge breakdown. It is pure and safe for concurrent use.
func Rate(in Input) (*Breakdown, error) {
	dims := in.Dimensions
	if dims == nil {
		dims = QuotaDimensions
	}
	if in.Plan == nil && (in.ChargePlanFee || (len(dims) > 0 && !in.Usage.IsEmpty()) || in.RoamingFromUsage) {
		return nil, fmt.Errorf("%w: a plan is required to rate usage", domain.ErrInvalidInput)
	}

	var lines []Line
	for _, li := range in.Carried {
		lines = append(lines, Line{LineItem: li, Source: SourceCarried})
	}

	if in.Plan != nil {
		plan := in.Plan
		if in.ChargePlanFee {
			lines = append(lines, Line{
				LineItem: domain.LineItem{
					Category:    domain.CategoryPlan,
					Subtype:     domain.SubtypeMonthlyFee,
					Ref:         plan.ID,
					Description: plan.Name + " monthly fee",
					UnitPrice:   plan.MonthlyFee,
					Quantity:    decimal.NewFromInt(1),
					Amount:      plan.MonthlyFee.Round(2),
					TaxRate:     in.Taxes.Rate(domain.CategoryPlan),
				},
				Source: SourcePlan,
			})
		}

		quota := plan.Quota.Add(in.ExtraQuota)
		for _, a := range in.AddOns {
			quota = quota.Add(a.Extra)
		}
		if !in.Usage.IsEmpty() {
			for _, dim := range dims {
				if line, ok := overage(dim, in.Usage, plan, quota, in.Taxes); ok {
					lines = append(lines, line)
				}
			}
		}

		if in.RoamingFromUsage && in.Usage.RoamingMB.IsPositive() && plan.RoamingPerMB.IsPositive() {
			lines = append(lines, Line{
				LineItem: domain.LineItem{
					Category:    domain.CategoryRoaming,
					Subtype:     domain.SubtypeUsage,
					Ref:         plan.ID,
					Description: "Roaming data",
					UnitPrice:   plan.RoamingPerMB,
					Quantity:    in.Usage.RoamingMB,
					Amount:      in.Usage.RoamingMB.Mul(plan.RoamingPerMB).Round(2),
					TaxRate:     in.Taxes.Rate(domain.CategoryRoaming),
				},
				Source: SourcePlan,
			})
		}
	}

	for _, a := range in.AddOns {
		c := a.Type
		if !c.Valid() || c == domain.CategoryTax {
			c = domain.CategoryData
		}
		lines = append(lines, Line{
			LineItem: domain.LineItem{
				Category:    c,
				Subtype:     domain.SubtypePackage,
				Ref:         a.ID,
				Description: a.Name,
				UnitPrice:   a.Price,
				Quantity:    decimal.NewFromInt(1),
				Amount:      a.Price.Round(2),
				TaxRate:     in.Taxes.Rate(c),
			},
			Source: SourceAddOn,
		})
	}

	var removed []domain.RemovedCost
	lines, removed = toggle(lines, removed, in.VAS, in.DisableVAS, SourceVAS)
	lines, removed = toggle(lines, removed, in.PremiumSMS, in.BlockPremiumSMS, SourcePremiumSMS)

	return total(lines, removed), nil
}

func overage(dim domain.Category, usage domain.UsageProfile, plan *domain.Plan, quota domain.Quota, taxes TaxPolicy) (Line, bool) {
	var used, included, rate, block decimal.Decimal
	var unit string
	switch dim {
	case domain.CategoryData:
		used, included, rate, block, unit = usage.DataGB(), quota.DataGB, plan.Overage.PerGB, plan.BillingBlock.DataGB, "GB"
	case domain.CategoryVoice:
		used, included, rate, block, unit = usage.VoiceMinutes, quota.VoiceMinutes, plan.Overage.PerMinute, plan.BillingBlock.VoiceMinutes, "min"
	case domain.CategorySMS:
		used, included, rate, block, unit = usage.SMSCount, quota.SMS, plan.Overage.PerSMS, plan.BillingBlock.SMS, "SMS"
	default:
		return Line{}, false
	}

	over := used.Sub(included)
	if !over.IsPositive() || !rate.IsPositive() {
		return Line{}, false
	}
	if block.IsPositive() {
		over = over.Div(block).Ceil().Mul(block)
	}

	return Line{
		LineItem: domain.LineItem{
			Category:    dim,
			Subtype:     domain.SubtypeOverage,
			Ref:         plan.ID,
			Description: fmt.Sprintf("%s overage: %s %s beyond quota", dim, over.StringFixed(2), unit),
			UnitPrice:   rate,
			Quantity:    over,
			Amount:      over.Mul(rate).Round(2),
			TaxRate:     taxes.Rate(dim),
		},
		Source: SourcePlan,
	}, true
}

// toggle includes items, or records them as removed when off is set.
func toggle(lines []Line, removed []domain.RemovedCost, items []domain.LineItem, off bool, src Source) ([]Line, []domain.RemovedCost) {
	for _, li := range items {
		if off {
			removed = append(removed, domain.RemovedCost{
				Category:    li.Category,
				Ref:         li.Ref,
				Description: li.Description,
				Amount:      li.Gross(),
			})
			continue
		}
		lines = append(lines, Line{LineItem: li, Source: src})
	}
	return lines, removed
}

func total(lines []Line, removed []domain.RemovedCost) *Breakdown {
	b := &Breakdown{
		Lines:      lines,
		Removed:    removed,
		Categories: make(map[domain.Category]decimal.Decimal),
		BySource:   make(map[Source]decimal.Decimal),
	}
	for _, l := range lines {
		if l.Category == domain.CategoryTax {
			b.Tax = b.Tax.Add(l.Amount)
		} else {
			b.Subtotal = b.Subtotal.Add(l.Amount)
			b.Categories[l.Category] = b.Categories[l.Category].Add(l.Amount)
			b.Tax = b.Tax.Add(l.Tax())
		}
		b.BySource[l.Source] = b.BySource[l.Source].Add(l.Gross())
	}
	if !b.Tax.IsZero() {
		b.Categories[domain.CategoryTax] = b.Tax
	}
	b.Total = b.Subtotal.Add(b.Tax)
	return b
}
