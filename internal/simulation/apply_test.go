package simulation

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/opensource-finance/billscope/internal/domain"
)

func newTestApplier() (*Applier, *memStore) {
	store := newStore()
	sim := NewSimulator(store, store, domain.DefaultSimulationConfig())
	return NewApplier(sim, store), store
}

func TestApply(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		scenario domain.Scenario
		expected domain.UserConfiguration
		changes  []string
		saving   string
	}{
		{
			name:     "AddOn",
			userID:   "user-1",
			scenario: domain.Scenario{AddOnIDs: []string{"data-5"}},
			expected: domain.UserConfiguration{UserID: "user-1", PlanID: "basic", ActiveAddOnIDs: []string{"data-5"}, ActiveVASIDs: []string{"music"}},
			changes:  []string{"add-on data-5 activated"},
			saving:   "11",
		},
		{
			name:     "PlanAndToggles",
			userID:   "user-1",
			scenario: domain.Scenario{PlanID: ptr("max"), DisableVAS: true, BlockPremiumSMS: true},
			expected: domain.UserConfiguration{UserID: "user-1", PlanID: "max", PremiumSMSBlocked: true},
			changes:  []string{"plan basic replaced by max", "value-added service music cancelled", "premium SMS blocked"},
			saving:   "14.99",
		},
		{
			name:     "FirstConfiguration",
			userID:   "user-3",
			scenario: domain.Scenario{PlanID: ptr("max")},
			expected: domain.UserConfiguration{UserID: "user-3", PlanID: "max"},
			changes:  []string{"plan max activated"},
			saving:   "84.10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier, store := newTestApplier()
			before := store.configs[tt.userID]

			res, err := applier.Apply(context.Background(), tt.userID, p("2025-04"), tt.scenario)
			if err != nil {
				t.Fatalf("Apply failed: %v", err)
			}
			if res.OrderID == "" || res.AppliedAt.IsZero() {
				t.Error("expected an order id and timestamp")
			}
			if res.Previous != before {
				t.Errorf("expected the previous configuration %+v, got %+v", before, res.Previous)
			}
			if !slices.Equal(res.Changes, tt.changes) {
				t.Errorf("expected changes %v, got %v", tt.changes, res.Changes)
			}
			if res.Simulation == nil || !res.Simulation.Saving.Equal(d(tt.saving)) {
				t.Errorf("expected a simulated saving of %s, got %+v", tt.saving, res.Simulation)
			}

			got := store.configs[tt.userID]
			if got != res.Configuration {
				t.Fatal("expected the applied configuration to be stored")
			}
			if got.PlanID != tt.expected.PlanID || got.PremiumSMSBlocked != tt.expected.PremiumSMSBlocked ||
				!slices.Equal(got.ActiveAddOnIDs, tt.expected.ActiveAddOnIDs) || !slices.Equal(got.ActiveVASIDs, tt.expected.ActiveVASIDs) {
				t.Errorf("expected %+v, got %+v", tt.expected, got)
			}
			if before != nil && !slices.Equal(before.ActiveVASIDs, []string{"music"}) {
				t.Errorf("expected the previous configuration to keep its VAS, got %v", before.ActiveVASIDs)
			}
		})
	}
}

func TestApplyIgnoresActiveAddOns(t *testing.T) {
	applier, store := newTestApplier()
	store.configs["user-1"].ActiveAddOnIDs = []string{"data-5"}

	res, err := applier.Apply(context.Background(), "user-1", p("2025-04"), domain.Scenario{AddOnIDs: []string{"data-5", "voice-100"}})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !slices.Equal(res.Configuration.ActiveAddOnIDs, []string{"data-5", "voice-100"}) {
		t.Errorf("expected [data-5 voice-100], got %v", res.Configuration.ActiveAddOnIDs)
	}
	if !slices.Equal(res.Changes, []string{"add-on voice-100 activated"}) {
		t.Errorf("unexpected changes %v", res.Changes)
	}
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		period   string
		scenario domain.Scenario
		expected error
	}{
		{"EmptyScenario", "user-1", "2025-04", domain.Scenario{}, domain.ErrInvalidScenario},
		{"UnknownPlan", "user-1", "2025-04", domain.Scenario{PlanID: ptr("gold")}, domain.ErrInvalidScenario},
		{"NoLivePlan", "user-3", "2025-04", domain.Scenario{DisableVAS: true}, domain.ErrInvalidScenario},
		{"NoBillOrUsage", "user-1", "2025-09", domain.Scenario{DisableVAS: true}, domain.ErrNoData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applier, store := newTestApplier()
			before := *store.configs["user-1"]

			_, err := applier.Apply(context.Background(), tt.userID, p(tt.period), tt.scenario)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
			if _, ok := store.configs["user-3"]; ok {
				t.Error("expected no configuration for user-3")
			}
			if got := store.configs["user-1"]; got.PlanID != before.PlanID || len(got.ActiveVASIDs) != len(before.ActiveVASIDs) {
				t.Errorf("expected user-1 unchanged, got %+v", got)
			}
		})
	}
}
