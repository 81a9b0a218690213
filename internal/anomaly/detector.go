// Package anomaly detects unusual charges on a user's bill.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/billscope/internal/baseline"
	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Detector classifies current-period deviations against the baseline.
// It is pure: the same input always yields the same findings.
type Detector struct {
	rules   domain.DetectionRules
	builder *baseline.Builder
	recs    *Recommendations
}

// NewDetector creates a detector for a rule set.
func NewDetector(rules domain.DetectionRules) *Detector {
	return &Detector{
		rules:   rules,
		builder: baseline.NewBuilder(rules),
		recs:    NewRecommendations(rules.Recommendations),
	}
}

// Rules returns the detector's rule set.
func (d *Detector) Rules() domain.DetectionRules {
	return d.rules
}

// Recommend returns the recommendations for a finding's type and severity.
func (d *Detector) Recommend(t domain.AnomalyType, sev domain.Severity) []string {
	return d.recs.For(t, sev)
}

// Input is everything one detection run reads.
type Input struct {
	Bill *domain.BillingPeriodRecord

	// History holds prior bills; bills at or after Bill.Period are ignored.
	History []*domain.BillingPeriodRecord

	// Usage is the period's usage, if any. It lets roaming usage without charges count as activation.
	Usage *domain.UsageProfile

	DetectedAt time.Time
}

type candidate struct {
	typ      domain.AnomalyType
	amount   decimal.Decimal
	z        float64
	zKnown   bool
	pct      decimal.Decimal
	pctKnown bool
	isNew    bool
	detail   string
}

// Detect returns the findings for the bill, ordered by category then type.
func (d *Detector) Detect(ctx context.Context, in Input) ([]*domain.AnomalyFinding, error) {
	if in.Bill == nil {
		return nil, fmt.Errorf("%w: bill", domain.ErrNotFound)
	}
	bill := in.Bill

	history := make([]*domain.BillingPeriodRecord, 0, len(in.History))
	for _, h := range in.History {
		if h != nil && h.Period.Before(bill.Period) {
			history = append(history, h)
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Period.Before(history[j].Period) })
	if w := d.rules.HistoryWindow; w > 0 && len(history) > w {
		history = history[len(history)-w:]
	}

	categories := detectableCategories()
	base, err := d.builder.Build(ctx, history, categories)
	if err != nil {
		return nil, err
	}

	current := bill.PerCategoryAmounts()
	seen := make(map[string]bool)
	var findings []*domain.AnomalyFinding

	for _, c := range categories {
		stat := base.Stat(c)
		amount := current[c]

		var cands []candidate
		switch {
		case amount.IsPositive():
			cands = d.evaluate(c, amount, stat, bill, base)
		case c == domain.CategoryRoaming && in.Usage != nil && in.Usage.RoamingMB.IsPositive() && stat.PriorTotal.IsZero():
			cands = []candidate{{
				typ:    domain.AnomalyRoamingActivation,
				amount: decimal.Zero,
				isNew:  true,
				detail: fmt.Sprintf("Roaming usage of %s MB recorded for the first time", in.Usage.RoamingMB.StringFixed(0)),
			}}
		}

		for _, cand := range cands {
			f := d.finding(bill, c, stat, cand, in.DetectedAt)
			key := f.DedupKey()
			if seen[key] {
				continue
			}
			seen[key] = true
			findings = append(findings, f)
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Category != findings[j].Category {
			return findings[i].Category.Order() < findings[j].Category.Order()
		}
		return findings[i].Type.Order() < findings[j].Type.Order()
	})
	return findings, nil
}

// detectableCategories excludes TAX, which is derived from the other charges.
func detectableCategories() []domain.Category {
	var out []domain.Category
	for _, c := range domain.AllCategories() {
		if c != domain.CategoryTax {
			out = append(out, c)
		}
	}
	return out
}

func (d *Detector) evaluate(c domain.Category, amount decimal.Decimal, stat baseline.Stat, bill *domain.BillingPeriodRecord, base *baseline.Baseline) []candidate {
	if stat.PriorTotal.IsZero() {
		if c == domain.CategoryRoaming {
			return []candidate{{
				typ:    domain.AnomalyRoamingActivation,
				amount: amount,
				isNew:  true,
				detail: fmt.Sprintf("Roaming charges of %s appeared for the first time", amount.StringFixed(2)),
			}}
		}
		return []candidate{{
			typ:    domain.AnomalyNewItem,
			amount: amount,
			isNew:  true,
			detail: fmt.Sprintf("New %s charge of %s not seen in previous periods", c, amount.StringFixed(2)),
		}}
	}

	var out []candidate
	spike := d.spikeCheck(c, amount, stat)

	if c == domain.CategoryPremiumSMS || c == domain.CategoryVAS {
		if inc := d.increaseCheck(c, amount, stat); inc != nil {
			if spike != nil && spike.zKnown {
				inc.z, inc.zKnown = spike.z, true
			}
			out = append(out, *inc)
			spike = nil
		}
	}
	if spike != nil {
		out = append(out, *spike)
	}
	if sub := newSubtypes(c, bill, base); sub != nil {
		out = append(out, *sub)
	}
	return out
}

func (d *Detector) spikeCheck(c domain.Category, amount decimal.Decimal, stat baseline.Stat) *candidate {
	if !stat.Mean.IsPositive() {
		return nil
	}
	pct := percentDiff(amount, stat.Mean)

	if !stat.Sufficient {
		if pct.InexactFloat64() < d.rules.RuleSpikePercent {
			return nil
		}
		return &candidate{
			typ:      domain.AnomalySpike,
			amount:   amount,
			pct:      pct,
			pctKnown: true,
			detail: fmt.Sprintf("%s charges of %s are %s%% above the %s average of %d periods",
				c, amount.StringFixed(2), pct.StringFixed(1), stat.Mean.StringFixed(2), stat.Count),
		}
	}

	if stat.StdDev == 0 {
		if amount.Equal(stat.Mean) {
			return nil
		}
		return &candidate{
			typ:      domain.AnomalySpike,
			amount:   amount,
			pct:      pct,
			pctKnown: true,
			detail: fmt.Sprintf("%s charges of %s differ from a constant %s (%s%%)",
				c, amount.StringFixed(2), stat.Mean.StringFixed(2), signed(pct)),
		}
	}

	z := amount.Sub(stat.Mean).InexactFloat64() / stat.StdDev
	if math.Abs(z) < d.rules.SpikeZScore {
		return nil
	}
	return &candidate{
		typ:      domain.AnomalySpike,
		amount:   amount,
		z:        z,
		zKnown:   true,
		pct:      pct,
		pctKnown: true,
		detail: fmt.Sprintf("%s charges of %s are %.1f standard deviations from the %s average (%s%%)",
			c, amount.StringFixed(2), z, stat.Mean.StringFixed(2), signed(pct)),
	}
}

func (d *Detector) increaseCheck(c domain.Category, amount decimal.Decimal, stat baseline.Stat) *candidate {
	if !stat.Mean.IsPositive() {
		return nil
	}
	pct := percentDiff(amount, stat.Mean)
	if pct.InexactFloat64() <= d.rules.IncreasePercent {
		return nil
	}

	typ := domain.AnomalyVASIncrease
	label := "Value-added service"
	if c == domain.CategoryPremiumSMS {
		typ = domain.AnomalyPremiumSMSIncrease
		label = "Premium SMS"
	}

	cand := &candidate{
		typ:      typ,
		amount:   amount,
		pct:      pct,
		pctKnown: true,
		detail: fmt.Sprintf("%s charges rose %s%% over the %s average to %s",
			label, pct.StringFixed(1), stat.Mean.StringFixed(2), amount.StringFixed(2)),
	}
	if stat.Sufficient && stat.StdDev > 0 {
		cand.z = amount.Sub(stat.Mean).InexactFloat64() / stat.StdDev
		cand.zKnown = true
	}
	return cand
}

// newSubtypes flags subtypes billed in an already-known category for the first time.
func newSubtypes(c domain.Category, bill *domain.BillingPeriodRecord, base *baseline.Baseline) *candidate {
	total := decimal.Zero
	var names []string
	for _, li := range bill.ItemsIn(c) {
		if !li.Amount.IsPositive() || base.SeenSubtype(c, li.Subtype) {
			continue
		}
		total = total.Add(li.Amount)
		if !contains(names, li.Subtype) {
			names = append(names, li.Subtype)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &candidate{
		typ:    domain.AnomalyNewItem,
		amount: total,
		isNew:  true,
		detail: fmt.Sprintf("New %s charge in %s: %s", strings.Join(names, ", "), c, total.StringFixed(2)),
	}
}

// severity is a deterministic function of the candidate's z-score and percentage,
// or of its amount for new items.
func (d *Detector) severity(c candidate) domain.Severity {
	if c.isNew {
		if c.amount.GreaterThanOrEqual(d.rules.HighValueThreshold) {
			return domain.SeverityHigh
		}
		return domain.SeverityLow
	}

	sev := domain.SeverityLow
	if c.zKnown {
		az := math.Abs(c.z)
		switch {
		case az >= d.rules.HighZScore:
			sev = domain.SeverityHigh
		case az >= d.rules.SpikeZScore:
			sev = domain.SeverityMedium
		}
	}
	if c.pctKnown {
		pct := c.pct.InexactFloat64()
		switch {
		case pct >= d.rules.HighPercent:
			sev = domain.SeverityHigh
		case pct >= d.rules.MediumPercent && sev.Rank() < domain.SeverityMedium.Rank():
			sev = domain.SeverityMedium
		}
	}
	return sev
}

func (d *Detector) finding(bill *domain.BillingPeriodRecord, c domain.Category, stat baseline.Stat, cand candidate, at time.Time) *domain.AnomalyFinding {
	sev := d.severity(cand)
	f := &domain.AnomalyFinding{
		UserID:          bill.UserID,
		BillID:          bill.ID,
		Period:          bill.Period,
		Type:            cand.typ,
		Category:        c,
		Severity:        sev,
		Description:     cand.detail,
		DetectedAt:      at,
		Status:          domain.StatusActive,
		Amount:          cand.amount,
		Baseline:        stat.Mean.Round(2),
		Recommendations: d.recs.For(cand.typ, sev),
	}
	if cand.zKnown {
		f.ZScore = round2(cand.z)
	}
	if cand.pctKnown {
		f.PercentageDifference = cand.pct.InexactFloat64()
	}
	f.ID = domain.FindingID(f.DedupKey())
	return f
}

func percentDiff(amount, mean decimal.Decimal) decimal.Decimal {
	return amount.Sub(mean).Div(mean).Mul(hundred).Round(2)
}

func signed(pct decimal.Decimal) string {
	if pct.IsNegative() {
		return pct.StringFixed(1)
	}
	return "+" + pct.StringFixed(1)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
