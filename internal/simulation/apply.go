package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/billscope/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Applier writes a simulated scenario to the user's live configuration.
type Applier struct {
	sim     *Simulator
	configs domain.ConfigurationStore
}

// NewApplier creates an applier.
func NewApplier(sim *Simulator, configs domain.ConfigurationStore) *Applier {
	return &Applier{sim: sim, configs: configs}
}

// Apply simulates the scenario for the period and, if the simulation succeeds,
// makes it the live configuration: the plan is replaced, add-ons are activated,
// VAS are cancelled and premium SMS is blocked as the scenario asks.
// A user without a live configuration needs a scenario that chooses a plan.
func (a *Applier) Apply(ctx context.Context, userID string, period domain.Period, scenario domain.Scenario) (*domain.ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "whatif.apply",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("period", period.String()),
			attribute.String("scenario", scenario.Fingerprint()),
		),
	)
	defer span.End()

	if scenario.IsEmpty() {
		return nil, fmt.Errorf("%w: the scenario changes nothing", domain.ErrInvalidScenario)
	}

	sim, err := a.sim.RunSimulation(ctx, userID, period, scenario)
	if err != nil {
		return nil, err
	}

	prev, err := a.configs.GetUserConfiguration(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if scenario.PlanID == nil {
			return nil, fmt.Errorf("%w: %s has no live plan and the scenario does not choose one", domain.ErrInvalidScenario, userID)
		}
		prev = nil
	case err != nil:
		return nil, fmt.Errorf("load user configuration: %w", err)
	}

	next, changes := applyScenario(userID, prev, scenario)
	if err := a.configs.SaveUserConfiguration(ctx, next); err != nil {
		return nil, fmt.Errorf("save user configuration: %w", err)
	}

	res := &domain.ApplyResult{
		OrderID:       uuid.New().String(),
		UserID:        userID,
		Period:        period,
		Scenario:      scenario,
		Previous:      prev,
		Configuration: next,
		Changes:       changes,
		Simulation:    sim,
		AppliedAt:     time.Now().UTC(),
	}

	span.SetAttributes(attribute.String("order.id", res.OrderID))
	slog.Info("scenario applied",
		"order_id", res.OrderID,
		"user_id", userID,
		"plan_id", next.PlanID,
		"changes", len(changes),
		"saving", sim.Saving.StringFixed(2),
	)
	return res, nil
}

// applyScenario returns the configuration the scenario leads to and the changes made.
func applyScenario(userID string, prev *domain.UserConfiguration, scenario domain.Scenario) (*domain.UserConfiguration, []string) {
	next := &domain.UserConfiguration{UserID: userID}
	if prev != nil {
		next.PlanID = prev.PlanID
		next.ActiveAddOnIDs = slices.Clone(prev.ActiveAddOnIDs)
		next.ActiveVASIDs = slices.Clone(prev.ActiveVASIDs)
		next.PremiumSMSBlocked = prev.PremiumSMSBlocked
	}

	changes := []string{}
	if scenario.PlanID != nil && *scenario.PlanID != next.PlanID {
		if next.PlanID == "" {
			changes = append(changes, fmt.Sprintf("plan %s activated", *scenario.PlanID))
		} else {
			changes = append(changes, fmt.Sprintf("plan %s replaced by %s", next.PlanID, *scenario.PlanID))
		}
		next.PlanID = *scenario.PlanID
	}
	for _, id := range scenario.AddOnIDs {
		if slices.Contains(next.ActiveAddOnIDs, id) {
			continue
		}
		next.ActiveAddOnIDs = append(next.ActiveAddOnIDs, id)
		changes = append(changes, fmt.Sprintf("add-on %s activated", id))
	}
	if scenario.DisableVAS {
		for _, id := range next.ActiveVASIDs {
			changes = append(changes, fmt.Sprintf("value-added service %s cancelled", id))
		}
		next.ActiveVASIDs = nil
	}
	if scenario.BlockPremiumSMS && !next.PremiumSMSBlocked {
		next.PremiumSMSBlocked = true
		changes = append(changes, "premium SMS blocked")
	}
	return next, changes
}
