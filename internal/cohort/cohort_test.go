package cohort

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func p(s string) domain.Period {
	period, err := domain.ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return period
}

type fakeStore struct {
	bills   []*domain.BillingPeriodRecord
	configs map[string]*domain.UserConfiguration
}

func (f *fakeStore) GetBill(_ context.Context, userID string, period domain.Period) (*domain.BillingPeriodRecord, error) {
	for _, b := range f.bills {
		if b.UserID == userID && b.Period == period {
			return b, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) GetBillHistory(_ context.Context, userID string, before domain.Period, limit int) ([]*domain.BillingPeriodRecord, error) {
	var out []*domain.BillingPeriodRecord
	for _, b := range f.bills {
		if b.UserID == userID && b.Period.Before(before) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period.Before(out[j].Period) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) GetUsage(context.Context, string, domain.Period) ([]domain.UsageRecord, error) {
	return nil, nil
}

func (f *fakeStore) GetUserConfiguration(_ context.Context, userID string) (*domain.UserConfiguration, error) {
	if c, ok := f.configs[userID]; ok {
		return c, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeStore) ListUsersByPlan(_ context.Context, planID string) ([]string, error) {
	var out []string
	for id, c := range f.configs {
		if c.PlanID == planID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func bill(userID, period string, lines ...domain.LineItem) *domain.BillingPeriodRecord {
	return &domain.BillingPeriodRecord{ID: userID + "-" + period, UserID: userID, Period: p(period), LineItems: lines}
}

func line(c domain.Category, amount string) domain.LineItem {
	return domain.LineItem{Category: c, Subtype: domain.SubtypeMonthlyFee, Amount: d(amount)}
}

func newStore() *fakeStore {
	plan := line(domain.CategoryPlan, "20")
	return &fakeStore{
		bills: []*domain.BillingPeriodRecord{
			bill("user-1", "2024-01", plan, line(domain.CategoryData, "480")),
			bill("user-1", "2025-02", plan, line(domain.CategoryData, "30")),
			bill("user-1", "2025-03", plan, line(domain.CategoryData, "30")),
			bill("user-1", "2025-04", plan, line(domain.CategoryData, "80")),
			bill("user-2", "2025-03", plan, line(domain.CategoryVAS, "20")),
			bill("user-2", "2025-04", plan, line(domain.CategoryVAS, "20")),
			bill("user-3", "2025-04", plan, line(domain.CategoryData, "40")),
			bill("user-5", "2025-04", line(domain.CategoryPlan, "200")),
		},
		configs: map[string]*domain.UserConfiguration{
			"user-1": {UserID: "user-1", PlanID: "basic"},
			"user-2": {UserID: "user-2", PlanID: "basic"},
			"user-3": {UserID: "user-3", PlanID: "basic"},
			"user-4": {UserID: "user-4", PlanID: "basic"},
			"user-5": {UserID: "user-5", PlanID: "max"},
		},
	}
}

func newTestService() *Service {
	store := newStore()
	return NewService(store, store, 2)
}

func TestAnalyze(t *testing.T) {
	a, err := newTestService().Analyze(context.Background(), "user-1", p("2025-04"), 0)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if a.Months != DefaultMonths || a.PlanID != "basic" {
		t.Errorf("expected %d months on basic, got %d on %s", DefaultMonths, a.Months, a.PlanID)
	}
	// The 2024-01 bill is outside the window.
	if a.UserBillCount != 3 || !a.UserTotal.Equal(d("200")) || !a.UserAverage.Equal(d("66.67")) {
		t.Errorf("unexpected user figures: count=%d total=%s avg=%s", a.UserBillCount, a.UserTotal, a.UserAverage)
	}
	// user-4 has no bills and user-5 is on another plan.
	if a.CohortUserCount != 2 || a.CohortBillCount != 3 {
		t.Errorf("expected 2 peers with 3 bills, got %d with %d", a.CohortUserCount, a.CohortBillCount)
	}
	if !a.CohortAverage.Equal(d("46.67")) || !a.Difference.Equal(d("20")) || !a.PercentageDifference.Equal(d("42.85")) {
		t.Errorf("unexpected comparison: cohort=%s diff=%s pct=%s", a.CohortAverage, a.Difference, a.PercentageDifference)
	}
	if a.Rating != RatingAbove {
		t.Errorf("expected %s, got %s", RatingAbove, a.Rating)
	}
	if a.Trend != TrendHigh {
		t.Errorf("expected %s, got %s", TrendHigh, a.Trend)
	}

	if len(a.SimilarUsers) != 1 || a.SimilarUsers[0].UserID != "user-3" || !a.SimilarUsers[0].Average.Equal(d("60")) {
		t.Errorf("expected user-3 as the only similar user, got %+v", a.SimilarUsers)
	}

	expected := map[domain.Category]string{
		domain.CategoryPlan: "0",
		domain.CategoryData: "33.34",
		domain.CategoryVAS:  "-13.33",
	}
	if len(a.Categories) != len(expected) {
		t.Fatalf("expected %d categories, got %+v", len(expected), a.Categories)
	}
	for _, c := range a.Categories {
		if !c.Difference.Equal(d(expected[c.Category])) {
			t.Errorf("%s: expected difference %s, got %s", c.Category, expected[c.Category], c.Difference)
		}
	}

	if !strings.Contains(a.Recommendation, "largest gap is DATA") {
		t.Errorf("expected the DATA gap in the recommendation, got %q", a.Recommendation)
	}
}

func TestAnalyzeWindow(t *testing.T) {
	a, err := newTestService().Analyze(context.Background(), "user-1", p("2025-04"), 2)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if a.UserBillCount != 2 || !a.UserAverage.Equal(d("75")) {
		t.Errorf("expected 2 bills averaging 75, got %d averaging %s", a.UserBillCount, a.UserAverage)
	}
	// Under two prior bills the trend is not rated.
	if a.Trend != TrendNormal {
		t.Errorf("expected %s, got %s", TrendNormal, a.Trend)
	}
}

func TestAnalyzeWithoutPeers(t *testing.T) {
	a, err := newTestService().Analyze(context.Background(), "user-5", p("2025-04"), 6)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if a.Rating != RatingNoPeers || !a.CohortAverage.IsZero() || a.CohortUserCount != 0 {
		t.Errorf("unexpected analysis %+v", a)
	}
	if len(a.Categories) != 1 || !a.Categories[0].UserAverage.Equal(d("200")) {
		t.Errorf("expected the user's PLAN average only, got %+v", a.Categories)
	}
	if len(a.SimilarUsers) != 0 {
		t.Errorf("expected no similar users, got %+v", a.SimilarUsers)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	svc := newTestService()

	tests := []struct {
		name     string
		userID   string
		period   domain.Period
		expected error
	}{
		{"MissingUser", "", p("2025-04"), domain.ErrInvalidInput},
		{"MissingPeriod", "user-1", domain.Period{}, domain.ErrInvalidInput},
		{"NoConfiguration", "nobody", p("2025-04"), domain.ErrNotFound},
		{"NoBillsInWindow", "user-4", p("2025-04"), domain.ErrNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Analyze(context.Background(), tt.userID, tt.period, 0)
			if !errors.Is(err, tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, err)
			}
		})
	}
}

func TestTrend(t *testing.T) {
	plan := func(period, amount string) *domain.BillingPeriodRecord {
		return bill("u", period, line(domain.CategoryPlan, amount))
	}

	tests := []struct {
		name     string
		bills    []*domain.BillingPeriodRecord
		expected string
	}{
		{"Spike", []*domain.BillingPeriodRecord{plan("2025-02", "40"), plan("2025-03", "40"), plan("2025-04", "61")}, TrendHigh},
		{"Drop", []*domain.BillingPeriodRecord{plan("2025-02", "100"), plan("2025-03", "100"), plan("2025-04", "50")}, TrendLow},
		{"Steady", []*domain.BillingPeriodRecord{plan("2025-02", "40"), plan("2025-03", "40"), plan("2025-04", "45")}, TrendNormal},
		{"OnlyLastThreePriorCount", []*domain.BillingPeriodRecord{
			plan("2024-12", "1000"), plan("2025-01", "40"), plan("2025-02", "40"), plan("2025-03", "40"), plan("2025-04", "70"),
		}, TrendHigh},
		{"NoCurrentBill", []*domain.BillingPeriodRecord{plan("2025-02", "40"), plan("2025-03", "40")}, TrendNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := trend(tt.bills, p("2025-04")); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}
