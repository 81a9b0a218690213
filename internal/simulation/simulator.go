// Package simulation re-rates a user's bill under hypothetical configurations.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/billscope/internal/catalog"
	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/opensource-finance/billscope/internal/metrics"
	"github.com/opensource-finance/billscope/internal/rating"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("billscope-simulation")

// Simulator compares the current cost of a period with a scenario's cost.
// It holds no per-run state and is safe for concurrent use.
type Simulator struct {
	bills   domain.BillingStore
	catalog domain.CatalogStore
	cfg     domain.SimulationConfig
}

// NewSimulator creates a simulator.
func NewSimulator(bills domain.BillingStore, catalog domain.CatalogStore, cfg domain.SimulationConfig) *Simulator {
	if cfg.CompareTopN <= 0 {
		cfg.CompareTopN = 5
	}
	if cfg.CompareWorkers <= 0 {
		cfg.CompareWorkers = 4
	}
	return &Simulator{bills: bills, catalog: catalog, cfg: cfg}
}

// run is the state of one simulation.
type run struct {
	userID   string
	period   domain.Period
	scenario domain.Scenario
	lookup   *catalog.Lookup

	plan   *domain.Plan
	addOns []domain.AddOn

	usage  *domain.UsageProfile
	config *domain.UserConfiguration

	assumptions []string
}

func (r *run) assume(format string, args ...any) {
	r.assumptions = append(r.assumptions, fmt.Sprintf(format, args...))
}

// RunSimulation re-rates the period under the scenario.
// It fails with ErrInvalidScenario when the scenario references an unknown
// catalog id, and with ErrNoData when neither a bill nor usage exists.
// A plan change on a bill without usage records estimates usage from the bill.
func (s *Simulator) RunSimulation(ctx context.Context, userID string, period domain.Period, scenario domain.Scenario) (*domain.SimulationResult, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "whatif.simulate",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("period", period.String()),
			attribute.String("scenario", scenario.Fingerprint()),
		),
	)
	defer span.End()

	result, err := s.simulate(ctx, userID, period, scenario)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := metrics.OutcomeFailed
		if errors.Is(err, domain.ErrNoData) {
			outcome = metrics.OutcomeNoData
		}
		metrics.ObserveSimulation("", outcome, started)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("basis", result.Basis),
		attribute.String("saving", result.Saving.StringFixed(2)),
	)
	metrics.ObserveSimulation(result.Basis, metrics.OutcomeSuccess, started)
	return result, nil
}

func (s *Simulator) simulate(ctx context.Context, userID string, period domain.Period, scenario domain.Scenario) (*domain.SimulationResult, error) {
	if userID == "" || period.IsZero() {
		return nil, fmt.Errorf("%w: userId and period are required", domain.ErrInvalidInput)
	}

	r := &run{
		userID:   userID,
		period:   period,
		scenario: scenario,
		lookup:   catalog.NewLookup(s.catalog),
	}
	if err := r.resolveScenario(ctx); err != nil {
		return nil, err
	}

	bill, err := s.bills.GetBill(ctx, userID, period)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load bill: %w", err)
	}
	if errors.Is(err, domain.ErrNotFound) {
		bill = nil
	}

	records, err := s.bills.GetUsage(ctx, userID, period)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	if len(records) > 0 {
		profile := domain.AggregateUsage(records)
		r.usage = &profile
	}

	cfg, err := s.bills.GetUserConfiguration(ctx, userID)
	switch {
	case err == nil:
		r.config = cfg
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("load user configuration: %w", err)
	}

	if bill != nil {
		return s.fromBill(ctx, r, bill)
	}
	return s.fromUsage(ctx, r)
}

// resolveScenario resolves the scenario's catalog ids up front so an unknown
// id fails the run instead of pricing as zero.
func (r *run) resolveScenario(ctx context.Context) error {
	if r.scenario.PlanID != nil {
		plan, err := r.lookup.Plan(ctx, *r.scenario.PlanID)
		if err != nil {
			return scenarioError(err)
		}
		r.plan = plan
	}
	if len(r.scenario.AddOnIDs) > 0 {
		addOns, err := r.lookup.AddOns(ctx, r.scenario.AddOnIDs)
		if err != nil {
			return scenarioError(err)
		}
		r.addOns = addOns
	}
	return nil
}

func scenarioError(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %v", domain.ErrInvalidScenario, err)
	}
	return err
}

// activeExtraQuota sums the quota of the user's live add-ons.
func (r *run) activeExtraQuota(ctx context.Context) (domain.Quota, error) {
	var q domain.Quota
	if r.config == nil {
		return q, nil
	}
	active, err := r.lookup.AddOns(ctx, r.config.ActiveAddOnIDs)
	if err != nil {
		return q, fmt.Errorf("live configuration: %w", err)
	}
	for _, a := range active {
		q = q.Add(a.Extra)
	}
	return q, nil
}

// fromBill rates the current cost from the issued bill's line items.
func (s *Simulator) fromBill(ctx context.Context, r *run, bill *domain.BillingPeriodRecord) (*domain.SimulationResult, error) {
	taxes := rating.TaxPolicyFromBill(bill, s.cfg.DefaultTaxRate)

	var carried, vas, psms []domain.LineItem
	for _, li := range bill.LineItems {
		switch li.Category {
		case domain.CategoryVAS:
			vas = append(vas, li)
		case domain.CategoryPremiumSMS:
			psms = append(psms, li)
		default:
			carried = append(carried, li)
		}
	}

	current, err := rating.Rate(rating.Input{Carried: carried, VAS: vas, PremiumSMS: psms})
	if err != nil {
		return nil, fmt.Errorf("%w: rate current bill: %v", domain.ErrComputation, err)
	}

	hypo := rating.Input{
		Carried:         carried,
		Dimensions:      []domain.Category{},
		AddOns:          r.addOns,
		VAS:             vas,
		DisableVAS:      r.scenario.DisableVAS,
		PremiumSMS:      psms,
		BlockPremiumSMS: r.scenario.BlockPremiumSMS,
		Taxes:           taxes,
	}

	switch {
	case r.plan != nil:
		extra, err := r.activeExtraQuota(ctx)
		if err != nil {
			return nil, err
		}
		usage := r.usage
		if usage == nil {
			est, err := r.usageFromBill(ctx, bill, extra)
			if err != nil {
				return nil, err
			}
			usage = &est
		}
		hypo.Carried = withoutCharges(carried, rating.QuotaDimensions, true)
		hypo.Plan = r.plan
		hypo.ChargePlanFee = true
		hypo.Dimensions = nil
		hypo.Usage = *usage
		hypo.ExtraQuota = extra
		r.assume("Plan change re-rates data, voice and SMS usage against %s; roaming and one-off charges are carried unchanged.", r.plan.Name)

	case len(r.addOns) > 0:
		dims := extendedDimensions(r.addOns)
		if r.usage == nil || r.config == nil || r.config.PlanID == "" || len(dims) == 0 {
			r.assume("Overage is not re-rated for the added packs: no usage or live plan is available for %s.", r.period)
			break
		}
		plan, err := r.lookup.Plan(ctx, r.config.PlanID)
		if err != nil {
			return nil, fmt.Errorf("live configuration: %w", err)
		}
		extra, err := r.activeExtraQuota(ctx)
		if err != nil {
			return nil, err
		}
		hypo.Carried = withoutCharges(carried, dims, false)
		hypo.Plan = plan
		hypo.Dimensions = dims
		hypo.Usage = *r.usage
		hypo.ExtraQuota = extra
	}

	if len(r.addOns) > 0 {
		r.assume("Add-on fees are charged in full for the period; partial-period activation is not prorated.")
	}

	next, err := rating.Rate(hypo)
	if err != nil {
		return nil, fmt.Errorf("%w: rate scenario: %v", domain.ErrComputation, err)
	}
	return s.result(r, domain.BasisBill, current, next), nil
}

// billedPlan resolves the plan the bill was issued under: the PLAN line's ref,
// then the live configuration. It returns nil when neither is in the catalog.
func (r *run) billedPlan(ctx context.Context, bill *domain.BillingPeriodRecord) (*domain.Plan, error) {
	refs := make([]string, 0, 2)
	for _, li := range bill.LineItems {
		if li.Category == domain.CategoryPlan && li.Ref != "" {
			refs = append(refs, li.Ref)
			break
		}
	}
	if r.config != nil && r.config.PlanID != "" {
		refs = append(refs, r.config.PlanID)
	}
	for _, id := range refs {
		plan, err := r.lookup.Plan(ctx, id)
		if err == nil {
			return plan, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// usageFromBill estimates the period's usage when no usage records exist:
// the billed plan's quota plus the extra quota, plus the billed overage quantities.
func (r *run) usageFromBill(ctx context.Context, bill *domain.BillingPeriodRecord, extra domain.Quota) (domain.UsageProfile, error) {
	billed, err := r.billedPlan(ctx, bill)
	if err != nil {
		return domain.UsageProfile{}, err
	}

	var used domain.Quota
	var rates domain.OverageRates
	if billed != nil {
		used = billed.Quota.Add(extra)
		rates = billed.Overage
		r.assume("No usage records for %s; usage is estimated from the bill as the %s quota plus billed overage.", r.period, billed.Name)
	} else {
		r.assume("No usage records for %s and the billed plan is unknown; usage is estimated from billed overage only.", r.period)
	}

	for _, li := range bill.LineItems {
		if li.Subtype != domain.SubtypeOverage {
			continue
		}
		switch li.Category {
		case domain.CategoryData:
			used.DataGB = used.DataGB.Add(overageQuantity(li, rates.PerGB))
		case domain.CategoryVoice:
			used.VoiceMinutes = used.VoiceMinutes.Add(overageQuantity(li, rates.PerMinute))
		case domain.CategorySMS:
			used.SMS = used.SMS.Add(overageQuantity(li, rates.PerSMS))
		}
	}

	return domain.UsageProfile{
		Days:         daysIn(r.period),
		DataMB:       used.DataGB.Mul(decimal.NewFromInt(1024)),
		VoiceMinutes: used.VoiceMinutes,
		SMSCount:     used.SMS,
	}, nil
}

// overageQuantity is the line's quantity, or its amount over the unit price
// or the plan rate when the quantity was not billed.
func overageQuantity(li domain.LineItem, rate decimal.Decimal) decimal.Decimal {
	switch {
	case li.Quantity.IsPositive():
		return li.Quantity
	case li.UnitPrice.IsPositive():
		return li.Amount.Div(li.UnitPrice)
	case rate.IsPositive():
		return li.Amount.Div(rate)
	}
	return decimal.Zero
}

func daysIn(p domain.Period) int {
	return int(p.AddMonths(1).Start().Sub(p.Start()).Hours() / 24)
}

// fromUsage rates the current cost from usage against the live configuration.
func (s *Simulator) fromUsage(ctx context.Context, r *run) (*domain.SimulationResult, error) {
	if r.usage == nil {
		return nil, fmt.Errorf("%w: no bill or usage for %s", domain.ErrNoData, r.period)
	}
	if r.config == nil || r.config.PlanID == "" {
		return nil, fmt.Errorf("%w: no bill for %s and no live configuration to re-rate usage", domain.ErrNoData, r.period)
	}

	livePlan, err := r.lookup.Plan(ctx, r.config.PlanID)
	if err != nil {
		return nil, fmt.Errorf("live configuration: %w", err)
	}
	active, err := r.lookup.AddOns(ctx, r.config.ActiveAddOnIDs)
	if err != nil {
		return nil, fmt.Errorf("live configuration: %w", err)
	}
	services, err := r.lookup.VASList(ctx, r.config.ActiveVASIDs)
	if err != nil {
		return nil, fmt.Errorf("live configuration: %w", err)
	}

	taxes := rating.FlatTax(s.cfg.DefaultTaxRate)
	if prior, err := s.bills.GetBillHistory(ctx, r.userID, r.period, 1); err == nil && len(prior) > 0 {
		taxes = rating.TaxPolicyFromBill(prior[len(prior)-1], s.cfg.DefaultTaxRate)
	}

	vas := make([]domain.LineItem, 0, len(services))
	for _, v := range services {
		vas = append(vas, domain.LineItem{
			Category:    domain.CategoryVAS,
			Subtype:     domain.SubtypeMonthlyFee,
			Ref:         v.ID,
			Description: v.Name,
			UnitPrice:   v.MonthlyFee,
			Quantity:    decimal.NewFromInt(1),
			Amount:      v.MonthlyFee.Round(2),
			TaxRate:     taxes.Rate(domain.CategoryVAS),
		})
	}

	base := rating.Input{
		Usage:            *r.usage,
		Plan:             livePlan,
		ChargePlanFee:    true,
		AddOns:           active,
		VAS:              vas,
		RoamingFromUsage: true,
		Taxes:            taxes,
	}
	current, err := rating.Rate(base)
	if err != nil {
		return nil, fmt.Errorf("%w: rate current usage: %v", domain.ErrComputation, err)
	}

	hypo := base
	if r.plan != nil {
		hypo.Plan = r.plan
	}
	hypo.AddOns = append(append([]domain.AddOn(nil), active...), r.addOns...)
	hypo.DisableVAS = r.scenario.DisableVAS
	hypo.BlockPremiumSMS = r.scenario.BlockPremiumSMS

	next, err := rating.Rate(hypo)
	if err != nil {
		return nil, fmt.Errorf("%w: rate scenario: %v", domain.ErrComputation, err)
	}

	r.assume("No bill was issued for %s; the current cost is re-rated from %d days of usage against the live configuration.", r.period, r.usage.Days)
	r.assume("Premium SMS is not metered in usage records and is excluded from both totals.")
	if len(r.addOns) > 0 {
		r.assume("Add-on fees are charged in full for the period; partial-period activation is not prorated.")
	}
	return s.result(r, domain.BasisUsage, current, next), nil
}

func (s *Simulator) result(r *run, basis string, current, next *rating.Breakdown) *domain.SimulationResult {
	saving := current.Total.Sub(next.Total)

	delta := domain.CategoryDelta{
		VAS:        next.BySource[rating.SourceVAS].Sub(current.BySource[rating.SourceVAS]),
		PremiumSMS: next.BySource[rating.SourcePremiumSMS].Sub(current.BySource[rating.SourcePremiumSMS]),
		AddOns:     next.BySource[rating.SourceAddOn].Sub(current.BySource[rating.SourceAddOn]),
	}
	// Whatever the toggles and add-on fees do not explain moved with the plan:
	// a new plan, or overage re-rated under the added quota.
	rest := saving.Neg().Sub(delta.VAS).Sub(delta.PremiumSMS).Sub(delta.AddOns)
	if r.plan != nil {
		delta.PlanChange = rest
	} else {
		delta.AddOns = delta.AddOns.Add(rest)
	}

	res := &domain.SimulationResult{
		UserID:           r.userID,
		Period:           r.period,
		Scenario:         r.scenario,
		Basis:            basis,
		CurrentTotal:     current.Total,
		NewTotal:         next.Total,
		Saving:           saving,
		PerCategoryDelta: delta,
		CurrentBreakdown: current.Categories,
		NewBreakdown:     next.Categories,
		RemovedCosts:     next.Removed,
		Assumptions:      r.assumptions,
	}
	res.Recommendations = recommend(res, r, s.cfg.SignificantSavingPercent)
	res.Details = details(res)

	slog.Debug("simulation complete",
		"user_id", r.userID,
		"period", r.period.String(),
		"basis", basis,
		"current_total", current.Total.StringFixed(2),
		"new_total", next.Total.StringFixed(2),
	)
	return res
}

// withoutCharges drops carried lines a re-rate replaces: overage lines of the
// given dimensions and, when plan is set, the plan fee.
func withoutCharges(items []domain.LineItem, dims []domain.Category, plan bool) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(items))
	for _, li := range items {
		if plan && li.Category == domain.CategoryPlan {
			continue
		}
		if li.Subtype == domain.SubtypeOverage && hasCategory(dims, li.Category) {
			continue
		}
		out = append(out, li)
	}
	return out
}

// extendedDimensions returns the quota dimensions the add-ons extend.
func extendedDimensions(addOns []domain.AddOn) []domain.Category {
	var extra domain.Quota
	for _, a := range addOns {
		extra = extra.Add(a.Extra)
	}
	var dims []domain.Category
	if extra.DataGB.IsPositive() {
		dims = append(dims, domain.CategoryData)
	}
	if extra.VoiceMinutes.IsPositive() {
		dims = append(dims, domain.CategoryVoice)
	}
	if extra.SMS.IsPositive() {
		dims = append(dims, domain.CategorySMS)
	}
	return dims
}

func hasCategory(list []domain.Category, c domain.Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}
