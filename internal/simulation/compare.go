package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Compare simulates each scenario and ranks them by saving. With no scenarios
// it generates candidates from the catalog and the user's live configuration.
// Generated candidates that cannot be simulated are skipped; a supplied
// scenario that fails fails the comparison.
func (s *Simulator) Compare(ctx context.Context, userID string, period domain.Period, scenarios []domain.NamedScenario) (*domain.ScenarioComparison, error) {
	ctx, span := tracer.Start(ctx, "whatif.compare",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("period", period.String()),
			attribute.Int("scenarios", len(scenarios)),
		),
	)
	defer span.End()

	// The empty scenario fixes the current total and surfaces NotFound/NoData once.
	baseline, err := s.RunSimulation(ctx, userID, period, domain.Scenario{})
	if err != nil {
		return nil, err
	}

	generated := len(scenarios) == 0
	if generated {
		scenarios, err = s.GenerateScenarios(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	results := make([]*domain.SimulationResult, len(scenarios))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.CompareWorkers)
	for i, ns := range scenarios {
		g.Go(func() error {
			res, err := s.RunSimulation(gCtx, userID, period, ns.Scenario)
			if err != nil {
				if generated && (errors.Is(err, domain.ErrNoData) || errors.Is(err, domain.ErrInvalidScenario)) {
					slog.Debug("skipping scenario", "scenario", ns.Name, "error", err)
					return nil
				}
				return fmt.Errorf("scenario %q: %w", ns.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	ranked := make([]domain.RankedScenario, 0, len(scenarios))
	positive := decimal.Zero
	positiveCount := 0
	for i, res := range results {
		if res == nil {
			continue
		}
		ranked = append(ranked, domain.RankedScenario{Name: scenarios[i].Name, Result: res})
		if res.Saving.IsPositive() {
			positive = positive.Add(res.Saving)
			positiveCount++
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].Result.Saving, ranked[j].Result.Saving
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return ranked[i].Name < ranked[j].Name
	})

	cmp := &domain.ScenarioComparison{
		UserID:       userID,
		Period:       period,
		CurrentTotal: baseline.CurrentTotal,
		Evaluated:    len(ranked),
	}
	if len(ranked) > s.cfg.CompareTopN {
		ranked = ranked[:s.cfg.CompareTopN]
	}
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	cmp.Scenarios = ranked
	if positiveCount > 0 {
		cmp.AverageSaving = positive.Div(decimal.NewFromInt(int64(positiveCount))).Round(2)
	}

	if len(ranked) > 0 && ranked[0].Result.Saving.IsPositive() {
		cmp.BestSaving = ranked[0].Result.Saving
		cmp.Recommendation = fmt.Sprintf("Best option: %s saves %s per month", ranked[0].Name, cmp.BestSaving.StringFixed(2))
	} else {
		cmp.Recommendation = "Your current configuration is already the cheapest of the evaluated options"
	}

	span.SetAttributes(attribute.Int("evaluated", cmp.Evaluated))
	return cmp, nil
}

// GenerateScenarios lists the named candidate scenarios for a user: keeping
// the current configuration, the cheapest and largest-data plans, the cheapest
// data and voice add-ons, the VAS and premium SMS toggles, and the cheapest plan
// combined with the cheapest data add-on. Candidates identical to the live
// configuration are left out.
func (s *Simulator) GenerateScenarios(ctx context.Context, userID string) ([]domain.NamedScenario, error) {
	var current *domain.UserConfiguration
	cfg, err := s.bills.GetUserConfiguration(ctx, userID)
	switch {
	case err == nil:
		current = cfg
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("load user configuration: %w", err)
	}
	isCurrentPlan := func(id string) bool { return current != nil && current.PlanID == id }
	isActiveAddOn := func(id string) bool { return current != nil && contains(current.ActiveAddOnIDs, id) }

	plans, err := s.catalog.ListCatalog(ctx, domain.KindPlan)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	addOns, err := s.catalog.ListCatalog(ctx, domain.KindAddOn)
	if err != nil {
		return nil, fmt.Errorf("list add-ons: %w", err)
	}

	cheapest := pickPlan(plans, func(a, b *domain.Plan) bool { return a.MonthlyFee.LessThan(b.MonthlyFee) })
	largest := pickPlan(plans, func(a, b *domain.Plan) bool { return a.Quota.DataGB.GreaterThan(b.Quota.DataGB) })
	dataAddOn := cheapestAddOn(addOns, domain.CategoryData)
	voiceAddOn := cheapestAddOn(addOns, domain.CategoryVoice)

	out := []domain.NamedScenario{{Name: "keep-current"}}
	if cheapest != nil && !isCurrentPlan(cheapest.ID) {
		out = append(out, domain.NamedScenario{Name: "cheapest-plan", Scenario: domain.Scenario{PlanID: &cheapest.ID}})
	}
	if largest != nil && !isCurrentPlan(largest.ID) && (cheapest == nil || largest.ID != cheapest.ID) {
		out = append(out, domain.NamedScenario{Name: "largest-data-plan", Scenario: domain.Scenario{PlanID: &largest.ID}})
	}
	if dataAddOn != nil && !isActiveAddOn(dataAddOn.ID) {
		out = append(out, domain.NamedScenario{Name: "cheapest-data-addon", Scenario: domain.Scenario{AddOnIDs: []string{dataAddOn.ID}}})
	}
	if voiceAddOn != nil && !isActiveAddOn(voiceAddOn.ID) {
		out = append(out, domain.NamedScenario{Name: "cheapest-voice-addon", Scenario: domain.Scenario{AddOnIDs: []string{voiceAddOn.ID}}})
	}
	out = append(out,
		domain.NamedScenario{Name: "disable-vas", Scenario: domain.Scenario{DisableVAS: true}},
		domain.NamedScenario{Name: "block-premium-sms", Scenario: domain.Scenario{BlockPremiumSMS: true}},
		domain.NamedScenario{Name: "disable-vas-block-premium-sms", Scenario: domain.Scenario{DisableVAS: true, BlockPremiumSMS: true}},
	)
	if cheapest != nil && dataAddOn != nil && !isCurrentPlan(cheapest.ID) {
		out = append(out, domain.NamedScenario{
			Name:     "cheapest-plan-data-addon",
			Scenario: domain.Scenario{PlanID: &cheapest.ID, AddOnIDs: []string{dataAddOn.ID}},
		})
	}
	return out, nil
}

// pickPlan returns the plan for which better holds against every other, ties broken by id.
func pickPlan(entries []*domain.CatalogEntry, better func(a, b *domain.Plan) bool) *domain.Plan {
	var best *domain.Plan
	for _, e := range entries {
		p := e.Plan
		if p == nil {
			continue
		}
		if best == nil || better(p, best) || (!better(best, p) && p.ID < best.ID) {
			best = p
		}
	}
	return best
}

func cheapestAddOn(entries []*domain.CatalogEntry, dim domain.Category) *domain.AddOn {
	var best *domain.AddOn
	for _, e := range entries {
		a := e.AddOn
		if a == nil || a.Type != dim {
			continue
		}
		if best == nil || a.Price.LessThan(best.Price) || (a.Price.Equal(best.Price) && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
