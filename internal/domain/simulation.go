package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Scenario is a hypothetical configuration layered on top of the current one.
// Absent fields keep the current configuration.
type Scenario struct {
	PlanID          *string  `json:"planId,omitempty" yaml:"planId,omitempty"`
	AddOnIDs        []string `json:"addonIds,omitempty" yaml:"addonIds,omitempty"`
	DisableVAS      bool     `json:"disableVas,omitempty" yaml:"disableVas,omitempty"`
	BlockPremiumSMS bool     `json:"blockPremiumSms,omitempty" yaml:"blockPremiumSms,omitempty"`
}

// IsEmpty reports whether the scenario changes nothing.
func (s Scenario) IsEmpty() bool {
	return s.PlanID == nil && len(s.AddOnIDs) == 0 && !s.DisableVAS && !s.BlockPremiumSMS
}

// Fingerprint is a canonical string for caching.
func (s Scenario) Fingerprint() string {
	var b strings.Builder
	if s.PlanID != nil {
		b.WriteString("plan=" + *s.PlanID + ";")
	}
	if len(s.AddOnIDs) > 0 {
		ids := append([]string(nil), s.AddOnIDs...)
		sort.Strings(ids)
		b.WriteString("addons=" + strings.Join(ids, ",") + ";")
	}
	if s.DisableVAS {
		b.WriteString("vas=off;")
	}
	if s.BlockPremiumSMS {
		b.WriteString("psms=off;")
	}
	return b.String()
}

// Simulation bases: whether the current cost came from the issued bill or from usage.
const (
	BasisBill  = "BILL"
	BasisUsage = "USAGE"
)

// CategoryDelta is newTotal minus currentTotal broken down by lever.
type CategoryDelta struct {
	PlanChange decimal.Decimal `json:"planChange"`
	AddOns     decimal.Decimal `json:"addOns"`
	VAS        decimal.Decimal `json:"vas"`
	PremiumSMS decimal.Decimal `json:"premiumSms"`
}

// Sum returns the total across levers.
func (d CategoryDelta) Sum() decimal.Decimal {
	return d.PlanChange.Add(d.AddOns).Add(d.VAS).Add(d.PremiumSMS)
}

// RemovedCost is a charge the scenario zeroed out.
type RemovedCost struct {
	Category    Category        `json:"category"`
	Ref         string          `json:"ref,omitempty"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// SimulationResult is the transient output of a what-if run.
type SimulationResult struct {
	UserID           string                       `json:"userId"`
	Period           Period                       `json:"period"`
	Scenario         Scenario                     `json:"scenario"`
	Basis            string                       `json:"basis"`
	CurrentTotal     decimal.Decimal              `json:"currentTotal"`
	NewTotal         decimal.Decimal              `json:"newTotal"`
	Saving           decimal.Decimal              `json:"saving"`
	PerCategoryDelta CategoryDelta                `json:"perCategoryDelta"`
	CurrentBreakdown map[Category]decimal.Decimal `json:"currentBreakdown"`
	NewBreakdown     map[Category]decimal.Decimal `json:"newBreakdown"`
	RemovedCosts     []RemovedCost                `json:"removedCosts,omitempty"`
	Recommendations  []string                     `json:"recommendations"`
	Assumptions      []string                     `json:"assumptions,omitempty"`
	Details          string                       `json:"details"`
}

// NamedScenario is a labelled scenario for comparison.
type NamedScenario struct {
	Name     string   `json:"name" yaml:"name"`
	Scenario Scenario `json:"scenario" yaml:"scenario"`
}

// RankedScenario is one comparison entry.
type RankedScenario struct {
	Rank   int               `json:"rank"`
	Name   string            `json:"name"`
	Result *SimulationResult `json:"result"`
}

// ScenarioComparison ranks scenarios by saving.
type ScenarioComparison struct {
	UserID         string           `json:"userId"`
	Period         Period           `json:"period"`
	CurrentTotal   decimal.Decimal  `json:"currentTotal"`
	Evaluated      int              `json:"evaluated"`
	Scenarios      []RankedScenario `json:"scenarios"`
	BestSaving     decimal.Decimal  `json:"bestSaving"`
	AverageSaving  decimal.Decimal  `json:"averagePositiveSaving"`
	Recommendation string           `json:"recommendation"`
}

// ApplyResult records a scenario written to a user's live configuration.
type ApplyResult struct {
	OrderID       string             `json:"orderId"`
	UserID        string             `json:"userId"`
	Period        Period             `json:"period"`
	Scenario      Scenario           `json:"scenario"`
	Previous      *UserConfiguration `json:"previous,omitempty"`
	Configuration *UserConfiguration `json:"configuration"`
	Changes       []string           `json:"changes"`
	Simulation    *SimulationResult  `json:"simulation"`
	AppliedAt     time.Time          `json:"appliedAt"`
}
