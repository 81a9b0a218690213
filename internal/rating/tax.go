package rating

import (
	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

// TaxPolicy supplies the tax rate for lines the engine creates.
// Lines carried from an issued bill keep their own rate.
type TaxPolicy struct {
	Default    decimal.Decimal
	ByCategory map[domain.Category]decimal.Decimal
}

// Rate returns the category's rate, or the default.
func (p TaxPolicy) Rate(c domain.Category) decimal.Decimal {
	if r, ok := p.ByCategory[c]; ok {
		return r
	}
	return p.Default
}

// FlatTax applies one rate to every category.
func FlatTax(rate decimal.Decimal) TaxPolicy {
	return TaxPolicy{Default: rate}
}

// TaxPolicyFromBill derives the bill's tax convention: each category takes the
// rate of its largest line, and the default is the rate of the largest line overall.
// A bill without taxable lines yields FlatTax(fallback).
func TaxPolicyFromBill(bill *domain.BillingPeriodRecord, fallback decimal.Decimal) TaxPolicy {
	if bill == nil {
		return FlatTax(fallback)
	}

	p := TaxPolicy{Default: fallback, ByCategory: make(map[domain.Category]decimal.Decimal)}
	largest := make(map[domain.Category]decimal.Decimal)
	var overall *domain.LineItem

	for i := range bill.LineItems {
		li := &bill.LineItems[i]
		if li.Category == domain.CategoryTax {
			continue
		}
		if cur, ok := largest[li.Category]; !ok || li.Amount.GreaterThan(cur) {
			largest[li.Category] = li.Amount
			p.ByCategory[li.Category] = li.TaxRate
		}
		if overall == nil || li.Amount.GreaterThan(overall.Amount) {
			overall = li
		}
	}
	if overall != nil {
		p.Default = overall.TaxRate
	}
	return p
}
