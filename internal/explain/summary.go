// Package explain builds structured summaries of issued bills.
package explain

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)

	// Data overage above overageHintFloor is assumed cut by overageHintShare with a larger package.
	overageHintFloor = decimal.NewFromInt(50)
	overageHintShare = decimal.RequireFromString("0.3")
)

// CategoryShare is one category's pre-tax amount and share of the subtotal.
type CategoryShare struct {
	Category   domain.Category `json:"category"`
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

// BillSummary is the structured summary of an issued bill.
type BillSummary struct {
	BillID            string          `json:"billId"`
	UserID            string          `json:"userId"`
	Period            domain.Period   `json:"period"`
	Currency          string          `json:"currency,omitempty"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	Taxes             decimal.Decimal `json:"taxes"`
	EffectiveTaxRate  decimal.Decimal `json:"effectiveTaxRate"`
	UsageBasedCharges decimal.Decimal `json:"usageBasedCharges"`
	OneTimeCharges    decimal.Decimal `json:"oneTimeCharges"`
	Categories        []CategoryShare `json:"categories"`
	PotentialSaving   decimal.Decimal `json:"potentialSaving"`
	SavingsHint       string          `json:"savingsHint"`
}

// Summarize summarises a bill. Percentages are of the pre-tax subtotal.
func Summarize(bill *domain.BillingPeriodRecord) *BillSummary {
	s := &BillSummary{
		BillID:      bill.ID,
		UserID:      bill.UserID,
		Period:      bill.Period,
		Currency:    bill.Currency,
		TotalAmount: bill.ComputedTotal(),
	}

	amounts := bill.PerCategoryAmounts()
	s.Taxes = amounts[domain.CategoryTax]
	subtotal := s.TotalAmount.Sub(s.Taxes)
	if subtotal.IsPositive() {
		s.EffectiveTaxRate = s.Taxes.Div(subtotal).Mul(hundred).Round(2)
	}

	for _, c := range domain.AllCategories() {
		if c == domain.CategoryTax {
			continue
		}
		amount, ok := amounts[c]
		if !ok {
			continue
		}
		share := CategoryShare{Category: c, Amount: amount}
		if subtotal.IsPositive() {
			share.Percentage = amount.Div(subtotal).Mul(hundred).Round(1)
		}
		s.Categories = append(s.Categories, share)

		switch c {
		case domain.CategoryData, domain.CategoryVoice, domain.CategorySMS, domain.CategoryRoaming:
			s.UsageBasedCharges = s.UsageBasedCharges.Add(amount)
		}
	}

	var overage decimal.Decimal
	for _, li := range bill.LineItems {
		if li.Subtype == domain.SubtypeOneTime || li.Category == domain.CategoryOneOff {
			s.OneTimeCharges = s.OneTimeCharges.Add(li.Amount)
		}
		if li.Category == domain.CategoryData && li.Subtype == domain.SubtypeOverage {
			overage = overage.Add(li.Amount)
		}
	}

	s.PotentialSaving, s.SavingsHint = savingsHint(amounts[domain.CategoryPremiumSMS], amounts[domain.CategoryVAS], overage)
	return s
}

func savingsHint(premium, vas, overage decimal.Decimal) (decimal.Decimal, string) {
	total := decimal.Zero
	var parts []string
	if premium.IsPositive() {
		total = total.Add(premium)
		parts = append(parts, fmt.Sprintf("blocking premium SMS saves %s", premium.StringFixed(2)))
	}
	if vas.IsPositive() {
		total = total.Add(vas)
		parts = append(parts, fmt.Sprintf("cancelling value-added services saves %s", vas.StringFixed(2)))
	}
	if overage.GreaterThan(overageHintFloor) {
		cut := overage.Mul(overageHintShare).Round(2)
		total = total.Add(cut)
		parts = append(parts, fmt.Sprintf("a larger data package could cut %s of data overage", cut.StringFixed(2)))
	}
	if len(parts) == 0 {
		return total, "No obvious savings on this bill"
	}
	return total, fmt.Sprintf("You could save up to %s per month: %s", total.StringFixed(2), strings.Join(parts, "; "))
}

// Service serves bill summaries from the billing store.
type Service struct {
	bills domain.BillingStore
}

// NewService creates a bill summary service.
func NewService(bills domain.BillingStore) *Service {
	return &Service{bills: bills}
}

// Summary returns the summary of the user's bill for the period, or ErrNotFound.
func (s *Service) Summary(ctx context.Context, userID string, period domain.Period) (*BillSummary, error) {
	bill, err := s.bills.GetBill(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	return Summarize(bill), nil
}
