// Package cohort compares a user's bills with the bills of users on the same plan.
package cohort

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("billscope-cohort")

// DefaultMonths is the comparison window when none is given.
const DefaultMonths = 6

// Ratings place the user's average against the cohort's.
const (
	RatingAbove   = "ABOVE_AVERAGE"
	RatingAverage = "AVERAGE"
	RatingBelow   = "BELOW_AVERAGE"
	RatingNoPeers = "NO_PEERS"
)

// Trends compare the period's bill with the user's own recent bills.
const (
	TrendHigh   = "HIGH"
	TrendNormal = "NORMAL"
	TrendLow    = "LOW"
)

var (
	hundred = decimal.NewFromInt(100)

	// averageBand is the percentage either side of the cohort average rated AVERAGE.
	averageBand = decimal.NewFromInt(10)
	// similarBand is the percentage either side of the user's average a similar user falls in.
	similarBand = decimal.NewFromInt(20)

	trendHigh = decimal.NewFromInt(50)
	trendLow  = decimal.NewFromInt(-30)
)

// trendMonths is how many prior bills the trend averages; it needs at least two.
const trendMonths = 3

// CategoryComparison is one category's average per bill for the user and the cohort.
type CategoryComparison struct {
	Category      domain.Category `json:"category"`
	UserAverage   decimal.Decimal `json:"userAverage"`
	CohortAverage decimal.Decimal `json:"cohortAverage"`
	Difference    decimal.Decimal `json:"difference"`
}

// SimilarUser is a peer whose average bill is close to the user's.
type SimilarUser struct {
	UserID  string          `json:"userId"`
	Average decimal.Decimal `json:"average"`
}

// Analysis is a user's position within the cohort of their live plan.
type Analysis struct {
	UserID string        `json:"userId"`
	Period domain.Period `json:"period"`
	PlanID string        `json:"planId"`
	Months int           `json:"months"`

	UserAverage   decimal.Decimal `json:"userAverage"`
	UserTotal     decimal.Decimal `json:"userTotal"`
	UserBillCount int             `json:"userBillCount"`

	CohortAverage   decimal.Decimal `json:"cohortAverage"`
	CohortUserCount int             `json:"cohortUserCount"`
	CohortBillCount int             `json:"cohortBillCount"`

	Difference           decimal.Decimal `json:"difference"`
	PercentageDifference decimal.Decimal `json:"percentageDifference"`
	Rating               string          `json:"rating"`
	Trend                string          `json:"trend"`

	Categories     []CategoryComparison `json:"categories"`
	SimilarUsers   []SimilarUser        `json:"similarUsers"`
	Recommendation string               `json:"recommendation"`
}

// Service runs cohort comparisons over the billing store.
type Service struct {
	bills   domain.BillingStore
	cohorts domain.CohortStore
	workers int
}

// NewService creates a cohort service loading peer histories with up to workers goroutines.
func NewService(bills domain.BillingStore, cohorts domain.CohortStore, workers int) *Service {
	if workers <= 0 {
		workers = 4
	}
	return &Service{bills: bills, cohorts: cohorts, workers: workers}
}

// window holds the bills of one user within the comparison window.
type window struct {
	userID string
	bills  []*domain.BillingPeriodRecord
	total  decimal.Decimal
}

func (w window) average() decimal.Decimal {
	if len(w.bills) == 0 {
		return decimal.Zero
	}
	return w.total.Div(decimal.NewFromInt(int64(len(w.bills)))).Round(2)
}

// Analyze compares the user's bills over the months ending at period with
// the bills of every other user on the same live plan.
// It fails with ErrNotFound when the user has no live configuration and
// with ErrNoData when the user has no bill in the window.
func (s *Service) Analyze(ctx context.Context, userID string, period domain.Period, months int) (*Analysis, error) {
	if userID == "" || period.IsZero() {
		return nil, fmt.Errorf("%w: userId and period are required", domain.ErrInvalidInput)
	}
	if months <= 0 {
		months = DefaultMonths
	}

	ctx, span := tracer.Start(ctx, "cohort.analyze",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("period", period.String()),
			attribute.Int("months", months),
		),
	)
	defer span.End()

	cfg, err := s.bills.GetUserConfiguration(ctx, userID)
	if err != nil {
		return nil, err
	}

	own, err := s.load(ctx, userID, period, months)
	if err != nil {
		return nil, err
	}
	if len(own.bills) == 0 {
		return nil, fmt.Errorf("%w: no bills for %s in the %d months to %s", domain.ErrNoData, userID, months, period)
	}

	members, err := s.cohorts.ListUsersByPlan(ctx, cfg.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cohort: %w", err)
	}
	peers := make([]string, 0, len(members))
	for _, id := range members {
		if id != userID {
			peers = append(peers, id)
		}
	}

	windows := make([]window, len(peers))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range peers {
		g.Go(func() error {
			w, err := s.load(gCtx, id, period, months)
			if err != nil {
				return fmt.Errorf("peer %s: %w", id, err)
			}
			windows[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a := &Analysis{
		UserID:        userID,
		Period:        period,
		PlanID:        cfg.PlanID,
		Months:        months,
		UserAverage:   own.average(),
		UserTotal:     own.total,
		UserBillCount: len(own.bills),
		Trend:         trend(own.bills, period),
		SimilarUsers:  []SimilarUser{},
	}

	var cohortTotal decimal.Decimal
	for _, w := range windows {
		if len(w.bills) == 0 {
			continue
		}
		a.CohortUserCount++
		a.CohortBillCount += len(w.bills)
		cohortTotal = cohortTotal.Add(w.total)

		if similar(a.UserAverage, w.average()) {
			a.SimilarUsers = append(a.SimilarUsers, SimilarUser{UserID: w.userID, Average: w.average()})
		}
	}

	if a.CohortBillCount == 0 {
		a.Rating = RatingNoPeers
		a.Categories = compareCategories(own, nil, 0)
		a.Recommendation = fmt.Sprintf("No other users on plan %s have bills in this window.", cfg.PlanID)
	} else {
		a.CohortAverage = cohortTotal.Div(decimal.NewFromInt(int64(a.CohortBillCount))).Round(2)
		a.Difference = a.UserAverage.Sub(a.CohortAverage)
		if a.CohortAverage.IsPositive() {
			a.PercentageDifference = a.Difference.Div(a.CohortAverage).Mul(hundred).Round(2)
		}
		a.Rating = rate(a.PercentageDifference)
		a.Categories = compareCategories(own, windows, a.CohortBillCount)
		a.Recommendation = recommend(a)
	}

	slog.Debug("cohort analysis complete",
		"user_id", userID,
		"period", period.String(),
		"plan_id", cfg.PlanID,
		"peers", a.CohortUserCount,
		"rating", a.Rating,
	)
	return a, nil
}

// load returns the user's bills for the months ending at period.
func (s *Service) load(ctx context.Context, userID string, period domain.Period, months int) (window, error) {
	history, err := s.bills.GetBillHistory(ctx, userID, period.AddMonths(1), months)
	if err != nil {
		return window{}, err
	}

	first := period.AddMonths(-(months - 1))
	w := window{userID: userID}
	for _, b := range history {
		if b.Period.Before(first) {
			continue
		}
		w.bills = append(w.bills, b)
		w.total = w.total.Add(b.ComputedTotal())
	}
	return w, nil
}

// trend rates the period's bill against the average of up to three prior bills.
func trend(bills []*domain.BillingPeriodRecord, period domain.Period) string {
	var current *domain.BillingPeriodRecord
	var prior []*domain.BillingPeriodRecord
	for _, b := range bills {
		if b.Period == period {
			current = b
		} else {
			prior = append(prior, b)
		}
	}
	if len(prior) > trendMonths {
		prior = prior[len(prior)-trendMonths:]
	}
	if current == nil || len(prior) < 2 {
		return TrendNormal
	}

	var sum decimal.Decimal
	for _, b := range prior {
		sum = sum.Add(b.ComputedTotal())
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(prior))))
	if !avg.IsPositive() {
		return TrendNormal
	}

	pct := current.ComputedTotal().Sub(avg).Div(avg).Mul(hundred)
	switch {
	case pct.GreaterThan(trendHigh):
		return TrendHigh
	case pct.LessThan(trendLow):
		return TrendLow
	}
	return TrendNormal
}

func rate(pct decimal.Decimal) string {
	switch {
	case pct.GreaterThan(averageBand):
		return RatingAbove
	case pct.LessThan(averageBand.Neg()):
		return RatingBelow
	}
	return RatingAverage
}

func similar(user, peer decimal.Decimal) bool {
	if !user.IsPositive() {
		return false
	}
	return user.Sub(peer).Abs().Div(user).Mul(hundred).LessThanOrEqual(similarBand)
}

// compareCategories averages each category per bill, TAX excluded.
func compareCategories(own window, peers []window, peerBills int) []CategoryComparison {
	userSums := categorySums(own.bills)
	cohortSums := make(map[domain.Category]decimal.Decimal)
	for _, w := range peers {
		for c, v := range categorySums(w.bills) {
			cohortSums[c] = cohortSums[c].Add(v)
		}
	}

	var out []CategoryComparison
	for _, c := range domain.AllCategories() {
		if c == domain.CategoryTax {
			continue
		}
		u, uok := userSums[c]
		k, kok := cohortSums[c]
		if !uok && !kok {
			continue
		}
		cmp := CategoryComparison{
			Category:    c,
			UserAverage: u.Div(decimal.NewFromInt(int64(len(own.bills)))).Round(2),
		}
		if peerBills > 0 {
			cmp.CohortAverage = k.Div(decimal.NewFromInt(int64(peerBills))).Round(2)
		}
		cmp.Difference = cmp.UserAverage.Sub(cmp.CohortAverage)
		out = append(out, cmp)
	}
	return out
}

func categorySums(bills []*domain.BillingPeriodRecord) map[domain.Category]decimal.Decimal {
	sums := make(map[domain.Category]decimal.Decimal)
	for _, b := range bills {
		for c, v := range b.PerCategoryAmounts() {
			sums[c] = sums[c].Add(v)
		}
	}
	return sums
}

func recommend(a *Analysis) string {
	switch a.Rating {
	case RatingAbove:
		var gap *CategoryComparison
		for i := range a.Categories {
			c := &a.Categories[i]
			if c.Difference.IsPositive() && (gap == nil || c.Difference.GreaterThan(gap.Difference)) {
				gap = c
			}
		}
		msg := fmt.Sprintf("Your bills average %s above other users on plan %s.", a.Difference.StringFixed(2), a.PlanID)
		if gap != nil {
			msg += fmt.Sprintf(" The largest gap is %s at %s per bill; run a what-if to see what it would save.", gap.Category, gap.Difference.StringFixed(2))
		}
		return msg
	case RatingBelow:
		return fmt.Sprintf("Your bills average %s below other users on plan %s.", a.Difference.Neg().StringFixed(2), a.PlanID)
	}
	return fmt.Sprintf("Your bills are in line with other users on plan %s.", a.PlanID)
}
