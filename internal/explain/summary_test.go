package explain

import (
	"strings"
	"testing"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSummarize(t *testing.T) {
	period, _ := domain.ParsePeriod("2025-04")
	bill := &domain.BillingPeriodRecord{
		ID:     "b-1",
		UserID: "user-1",
		Period: period,
		LineItems: []domain.LineItem{
			{Category: domain.CategoryPlan, Subtype: domain.SubtypeMonthlyFee, Amount: d("40"), TaxRate: d("0.2")},
			{Category: domain.CategoryData, Subtype: domain.SubtypeOverage, Amount: d("60"), TaxRate: d("0.2")},
			{Category: domain.CategoryVAS, Subtype: domain.SubtypeMonthlyFee, Amount: d("10"), TaxRate: d("0.2")},
			{Category: domain.CategoryPremiumSMS, Subtype: domain.SubtypeUsage, Amount: d("5"), TaxRate: d("0.2")},
			{Category: domain.CategoryOneOff, Subtype: domain.SubtypeOneTime, Amount: d("25"), TaxRate: d("0.2")},
		},
	}

	s := Summarize(bill)

	tests := []struct {
		name     string
		got      decimal.Decimal
		expected string
	}{
		{"TotalAmount", s.TotalAmount, "168"},
		{"Taxes", s.Taxes, "28"},
		{"EffectiveTaxRate", s.EffectiveTaxRate, "20"},
		{"UsageBasedCharges", s.UsageBasedCharges, "60"},
		{"OneTimeCharges", s.OneTimeCharges, "25"},
		// 5 premium SMS + 10 VAS + 30% of 60 overage
		{"PotentialSaving", s.PotentialSaving, "33"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.got.Equal(d(tt.expected)) {
				t.Errorf("expected %s, got %s", tt.expected, tt.got)
			}
		})
	}

	if len(s.Categories) != 5 || s.Categories[0].Category != domain.CategoryPlan {
		t.Fatalf("unexpected categories: %+v", s.Categories)
	}
	// 40 of 140
	if !s.Categories[0].Percentage.Equal(d("28.6")) {
		t.Errorf("expected PLAN share 28.6, got %s", s.Categories[0].Percentage)
	}
	if !strings.Contains(s.SavingsHint, "33.00") {
		t.Errorf("expected hint to mention 33.00, got %q", s.SavingsHint)
	}
}

func TestSummarizeWithoutSavings(t *testing.T) {
	bill := &domain.BillingPeriodRecord{LineItems: []domain.LineItem{
		{Category: domain.CategoryPlan, Amount: d("20")},
		{Category: domain.CategoryData, Subtype: domain.SubtypeOverage, Amount: d("30")},
	}}

	s := Summarize(bill)
	if !s.PotentialSaving.IsZero() {
		t.Errorf("expected no potential saving below the overage floor, got %s", s.PotentialSaving)
	}
	if s.SavingsHint != "No obvious savings on this bill" {
		t.Errorf("unexpected hint %q", s.SavingsHint)
	}
}
