package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

type item struct {
	category domain.Category
	subtype  string
	amount   string
}

func bill(period string, items ...item) *domain.BillingPeriodRecord {
	p, err := domain.ParsePeriod(period)
	if err != nil {
		panic(err)
	}
	b := &domain.BillingPeriodRecord{ID: "bill-" + period, UserID: "user-1", Period: p, Currency: "EUR"}
	for _, it := range items {
		sub := it.subtype
		if sub == "" {
			sub = domain.SubtypeUsage
		}
		b.LineItems = append(b.LineItems, domain.LineItem{
			Category: it.category,
			Subtype:  sub,
			Amount:   decimal.RequireFromString(it.amount),
		})
	}
	return b
}

func data(amount string) item { return item{category: domain.CategoryData, amount: amount} }

var detectedAt = time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)

func detect(t *testing.T, current *domain.BillingPeriodRecord, history ...*domain.BillingPeriodRecord) []*domain.AnomalyFinding {
	t.Helper()
	d := NewDetector(domain.DefaultDetectionRules())
	findings, err := d.Detect(context.Background(), Input{Bill: current, History: history, DetectedAt: detectedAt})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	return findings
}

func TestDetect(t *testing.T) {
	dataHistory := []*domain.BillingPeriodRecord{
		bill("2025-01", data("100")),
		bill("2025-02", data("102")),
		bill("2025-03", data("98")),
	}

	tests := []struct {
		name     string
		current  *domain.BillingPeriodRecord
		history  []*domain.BillingPeriodRecord
		expected []domain.AnomalyType
		severity []domain.Severity
	}{
		{
			name:     "DataSpikeIsHigh",
			current:  bill("2025-04", data("108")),
			history:  dataHistory,
			expected: []domain.AnomalyType{domain.AnomalySpike},
			severity: []domain.Severity{domain.SeverityHigh},
		},
		{
			name:    "RepeatOfMeanIsClean",
			current: bill("2025-04", data("100")),
			history: dataHistory,
		},
		{
			name:     "FirstRoamingChargeIsActivation",
			current:  bill("2025-04", data("100"), item{category: domain.CategoryRoaming, amount: "15"}),
			history:  dataHistory,
			expected: []domain.AnomalyType{domain.AnomalyRoamingActivation},
			severity: []domain.Severity{domain.SeverityLow},
		},
		{
			name:     "NewHighValueCategory",
			current:  bill("2025-04", data("100"), item{category: domain.CategoryOneOff, amount: "75"}),
			history:  dataHistory,
			expected: []domain.AnomalyType{domain.AnomalyNewItem},
			severity: []domain.Severity{domain.SeverityHigh},
		},
		{
			name:     "InsufficientHistoryRuleSpike",
			current:  bill("2025-04", data("100")),
			history:  []*domain.BillingPeriodRecord{bill("2025-02", data("50")), bill("2025-03", data("70"))},
			expected: []domain.AnomalyType{domain.AnomalySpike},
			severity: []domain.Severity{domain.SeverityMedium},
		},
		{
			name:    "InsufficientHistoryBelowRulePercent",
			current: bill("2025-04", data("80")),
			history: []*domain.BillingPeriodRecord{bill("2025-02", data("50")), bill("2025-03", data("70"))},
		},
		{
			name:    "ConstantHistoryRepeat",
			current: bill("2025-04", data("40")),
			history: []*domain.BillingPeriodRecord{
				bill("2025-01", data("40")), bill("2025-02", data("40")), bill("2025-03", data("40")),
			},
		},
		{
			name:    "ConstantHistoryDeviation",
			current: bill("2025-04", data("44")),
			history: []*domain.BillingPeriodRecord{
				bill("2025-01", data("40")), bill("2025-02", data("40")), bill("2025-03", data("40")),
			},
			expected: []domain.AnomalyType{domain.AnomalySpike},
			severity: []domain.Severity{domain.SeverityLow},
		},
		{
			name: "PremiumSMSIncreaseReplacesSpike",
			current: bill("2025-04", data("100"),
				item{category: domain.CategoryPremiumSMS, amount: "30"}),
			history: []*domain.BillingPeriodRecord{
				bill("2025-01", data("100"), item{category: domain.CategoryPremiumSMS, amount: "10"}),
				bill("2025-02", data("100"), item{category: domain.CategoryPremiumSMS, amount: "10"}),
				bill("2025-03", data("100"), item{category: domain.CategoryPremiumSMS, amount: "12"}),
			},
			expected: []domain.AnomalyType{domain.AnomalyPremiumSMSIncrease},
			severity: []domain.Severity{domain.SeverityHigh},
		},
		{
			name: "NewSubtypeInKnownCategory",
			current: bill("2025-04",
				item{category: domain.CategoryData, amount: "20"},
				item{category: domain.CategoryData, subtype: domain.SubtypeOverage, amount: "60"}),
			history: []*domain.BillingPeriodRecord{
				bill("2025-01", data("20")), bill("2025-02", data("20")), bill("2025-03", data("20")),
			},
			expected: []domain.AnomalyType{domain.AnomalySpike, domain.AnomalyNewItem},
			severity: []domain.Severity{domain.SeverityHigh, domain.SeverityHigh},
		},
		{
			name:    "TaxIsIgnored",
			current: bill("2025-04", data("100"), item{category: domain.CategoryTax, amount: "19"}),
			history: dataHistory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := detect(t, tt.current, tt.history...)
			if len(findings) != len(tt.expected) {
				t.Fatalf("expected %d findings, got %d: %+v", len(tt.expected), len(findings), findings)
			}
			for i, f := range findings {
				if f.Type != tt.expected[i] {
					t.Errorf("finding %d: expected type %s, got %s", i, tt.expected[i], f.Type)
				}
				if f.Severity != tt.severity[i] {
					t.Errorf("finding %d: expected severity %s, got %s", i, tt.severity[i], f.Severity)
				}
				if f.Status != domain.StatusActive {
					t.Errorf("finding %d: expected ACTIVE status, got %s", i, f.Status)
				}
				if len(f.Recommendations) == 0 {
					t.Errorf("finding %d: expected recommendations", i)
				}
			}
		})
	}
}

func TestDetectSpikeFigures(t *testing.T) {
	findings := detect(t, bill("2025-04", data("108")),
		bill("2025-01", data("100")), bill("2025-02", data("102")), bill("2025-03", data("98")))
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}

	f := findings[0]
	if f.ZScore != 4 {
		t.Errorf("expected zScore 4, got %f", f.ZScore)
	}
	if f.PercentageDifference != 8 {
		t.Errorf("expected percentageDifference 8, got %f", f.PercentageDifference)
	}
	if !f.Amount.Equal(decimal.NewFromInt(108)) || !f.Baseline.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected amount 108 over baseline 100, got %s over %s", f.Amount, f.Baseline)
	}
	if f.Category != domain.CategoryData || f.BillID != "bill-2025-04" {
		t.Errorf("unexpected finding identity: %+v", f)
	}
	if !f.DetectedAt.Equal(detectedAt) {
		t.Errorf("expected detectedAt %v, got %v", detectedAt, f.DetectedAt)
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	current := bill("2025-04", data("108"), item{category: domain.CategoryRoaming, amount: "15"})
	history := []*domain.BillingPeriodRecord{
		bill("2025-01", data("100")), bill("2025-02", data("102")), bill("2025-03", data("98")),
	}

	first := detect(t, current, history...)
	second := detect(t, current, history...)
	if len(first) != len(second) {
		t.Fatalf("expected equal runs, got %d and %d findings", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Severity != second[i].Severity {
			t.Errorf("finding %d differs between runs: %+v vs %+v", i, first[i], second[i])
		}
		if first[i].ID != domain.FindingID(first[i].DedupKey()) {
			t.Errorf("finding %d id is not derived from its dedup key", i)
		}
	}
}

func TestDetectOrdersByCategoryThenType(t *testing.T) {
	current := bill("2025-04",
		item{category: domain.CategoryVAS, amount: "5"},
		item{category: domain.CategoryRoaming, amount: "15"},
		item{category: domain.CategoryData, amount: "10"})

	findings := detect(t, current)
	if len(findings) != 3 {
		t.Fatalf("expected 3 findings, got %d", len(findings))
	}
	for i := 1; i < len(findings); i++ {
		if findings[i-1].Category.Order() > findings[i].Category.Order() {
			t.Errorf("findings out of order: %s before %s", findings[i-1].Category, findings[i].Category)
		}
	}
}

func TestDetectIgnoresHistoryAtOrAfterPeriod(t *testing.T) {
	current := bill("2025-04", data("100"))
	findings := detect(t, current,
		bill("2025-01", data("100")), bill("2025-02", data("100")), bill("2025-03", data("100")),
		bill("2025-04", data("500")), bill("2025-05", data("900")))
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %+v", findings)
	}
}

func TestDetectRoamingUsageWithoutCharges(t *testing.T) {
	d := NewDetector(domain.DefaultDetectionRules())
	usage := &domain.UsageProfile{Days: 30, RoamingMB: decimal.NewFromInt(120)}

	findings, err := d.Detect(context.Background(), Input{
		Bill:       bill("2025-04", data("100")),
		History:    []*domain.BillingPeriodRecord{bill("2025-03", data("100"))},
		Usage:      usage,
		DetectedAt: detectedAt,
	})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(findings) != 1 || findings[0].Type != domain.AnomalyRoamingActivation {
		t.Fatalf("expected a single ROAMING_ACTIVATION, got %+v", findings)
	}
	if !findings[0].Amount.IsZero() || findings[0].Severity != domain.SeverityLow {
		t.Errorf("expected zero-amount LOW finding, got %s %s", findings[0].Amount, findings[0].Severity)
	}
}

func TestDetectMissingBill(t *testing.T) {
	d := NewDetector(domain.DefaultDetectionRules())
	_, err := d.Detect(context.Background(), Input{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecommendationOverrides(t *testing.T) {
	recs := NewRecommendations(map[string][]string{
		"SPIKE/HIGH": {"Call us"},
		"bogus":      {"ignored"},
	})

	got := recs.For(domain.AnomalySpike, domain.SeverityHigh)
	if len(got) != 1 || got[0] != "Call us" {
		t.Errorf("expected override, got %v", got)
	}
	if len(recs.For(domain.AnomalySpike, domain.SeverityLow)) == 0 {
		t.Error("expected built-in recommendations for SPIKE/LOW")
	}

	got[0] = "mutated"
	if recs.For(domain.AnomalySpike, domain.SeverityHigh)[0] != "Call us" {
		t.Error("For must return a copy")
	}
}
