// Package baseline builds per-category statistics from a user's prior bills.
package baseline

import (
	"context"
	"math"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Stat is the baseline of one category.
type Stat struct {
	Category domain.Category `json:"category"`

	// Mean is exact; StdDev is the sample (N-1) standard deviation.
	Mean   decimal.Decimal `json:"mean"`
	StdDev float64         `json:"stdDev"`

	// Count is the number of prior periods the statistics cover.
	Count int `json:"count"`

	// Occurrences is the number of prior periods with a non-zero charge.
	Occurrences int `json:"occurrences"`

	PriorTotal decimal.Decimal `json:"priorTotal"`

	// Sufficient is false when Count is below the configured minimum history.
	Sufficient bool `json:"sufficient"`
}

// Baseline is the per-category baseline of a user.
type Baseline struct {
	Periods    int                                 `json:"periods"`
	Categories map[domain.Category]Stat            `json:"categories"`
	Subtypes   map[domain.Category]map[string]bool `json:"-"`
}

// Stat returns the category's baseline; an absent category has an empty, insufficient one.
func (b *Baseline) Stat(c domain.Category) Stat {
	if s, ok := b.Categories[c]; ok {
		return s
	}
	return Stat{Category: c, Count: b.Periods}
}

// SeenSubtype reports whether a subtype was billed in the category in any prior period.
func (b *Baseline) SeenSubtype(c domain.Category, subtype string) bool {
	return b.Subtypes[c][subtype]
}

// Builder computes baselines. It holds no state between calls.
type Builder struct {
	MinHistory        int
	ParallelThreshold int
}

// NewBuilder creates a builder from the detection rules.
func NewBuilder(rules domain.DetectionRules) *Builder {
	return &Builder{
		MinHistory:        rules.MinHistory,
		ParallelThreshold: rules.ParallelThreshold,
	}
}

// Build computes baselines for the given categories over history, which must
// exclude the period under evaluation. A period without charges in a category
// counts as zero for that category.
func (b *Builder) Build(ctx context.Context, history []*domain.BillingPeriodRecord, categories []domain.Category) (*Baseline, error) {
	series := make([]map[domain.Category]decimal.Decimal, len(history))
	subtypes := make(map[domain.Category]map[string]bool)
	for i, bill := range history {
		series[i] = bill.PerCategoryAmounts()
		for _, li := range bill.LineItems {
			if li.Amount.IsZero() {
				continue
			}
			if subtypes[li.Category] == nil {
				subtypes[li.Category] = make(map[string]bool)
			}
			subtypes[li.Category][li.Subtype] = true
		}
	}

	stats := make([]Stat, len(categories))
	if b.ParallelThreshold > 0 && len(categories) >= b.ParallelThreshold {
		g, gCtx := errgroup.WithContext(ctx)
		for i, c := range categories {
			g.Go(func() error {
				if err := gCtx.Err(); err != nil {
					return err
				}
				stats[i] = b.compute(c, series)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, c := range categories {
			stats[i] = b.compute(c, series)
		}
	}

	out := &Baseline{
		Periods:    len(history),
		Categories: make(map[domain.Category]Stat, len(categories)),
		Subtypes:   subtypes,
	}
	for _, s := range stats {
		out.Categories[s.Category] = s
	}
	return out, nil
}

func (b *Builder) compute(c domain.Category, series []map[domain.Category]decimal.Decimal) Stat {
	s := Stat{Category: c, Count: len(series)}
	if s.Count == 0 {
		return s
	}

	for _, amounts := range series {
		v := amounts[c]
		s.PriorTotal = s.PriorTotal.Add(v)
		if !v.IsZero() {
			s.Occurrences++
		}
	}
	s.Mean = s.PriorTotal.Div(decimal.NewFromInt(int64(s.Count)))
	s.Sufficient = s.Count >= b.MinHistory

	if s.Count > 1 {
		sumSq := decimal.Zero
		for _, amounts := range series {
			d := amounts[c].Sub(s.Mean)
			sumSq = sumSq.Add(d.Mul(d))
		}
		variance := sumSq.Div(decimal.NewFromInt(int64(s.Count - 1)))
		s.StdDev = math.Sqrt(variance.InexactFloat64())
	}
	return s
}
