package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DetectionRules is the operator-tunable detection rule set.
type DetectionRules struct {
	// MinHistory is the number of prior periods a statistical baseline needs.
	MinHistory int `json:"minHistory" yaml:"minHistory"`

	// HistoryWindow caps how many prior periods are loaded.
	HistoryWindow int `json:"historyWindow" yaml:"historyWindow"`

	SpikeZScore float64 `json:"spikeZScore" yaml:"spikeZScore"` // candidate SPIKE
	HighZScore  float64 `json:"highZScore" yaml:"highZScore"`   // HIGH severity

	MediumPercent float64 `json:"mediumPercent" yaml:"mediumPercent"`
	HighPercent   float64 `json:"highPercent" yaml:"highPercent"`

	// RuleSpikePercent flags a SPIKE when the baseline is insufficient.
	RuleSpikePercent float64 `json:"ruleSpikePercent" yaml:"ruleSpikePercent"`

	// IncreasePercent triggers PREMIUM_SMS_INCREASE and VAS_INCREASE.
	IncreasePercent float64 `json:"increasePercent" yaml:"increasePercent"`

	// HighValueThreshold makes a new item HIGH severity.
	HighValueThreshold decimal.Decimal `json:"highValueThreshold" yaml:"highValueThreshold"`

	// ParallelThreshold is the category count at which baselines are built concurrently.
	ParallelThreshold int `json:"parallelThreshold" yaml:"parallelThreshold"`

	// Recommendations overrides entries of the built-in table, keyed "TYPE/SEVERITY".
	Recommendations map[string][]string `json:"recommendations,omitempty" yaml:"recommendations,omitempty"`
}

// DefaultDetectionRules returns the stock thresholds.
func DefaultDetectionRules() DetectionRules {
	return DetectionRules{
		MinHistory:         3,
		HistoryWindow:      6,
		SpikeZScore:        2.0,
		HighZScore:         3.0,
		MediumPercent:      30,
		HighPercent:        100,
		RuleSpikePercent:   50,
		IncreasePercent:    50,
		HighValueThreshold: decimal.NewFromInt(50),
		ParallelThreshold:  16,
	}
}

// Validate checks threshold ordering.
func (r DetectionRules) Validate() error {
	switch {
	case r.MinHistory < 2:
		return fmt.Errorf("%w: minHistory must be at least 2", ErrInvalidInput)
	case r.HistoryWindow < r.MinHistory:
		return fmt.Errorf("%w: historyWindow must be >= minHistory", ErrInvalidInput)
	case r.SpikeZScore <= 0 || r.HighZScore < r.SpikeZScore:
		return fmt.Errorf("%w: z-score thresholds must satisfy 0 < spike <= high", ErrInvalidInput)
	case r.MediumPercent <= 0 || r.HighPercent < r.MediumPercent:
		return fmt.Errorf("%w: percentage thresholds must satisfy 0 < medium <= high", ErrInvalidInput)
	case r.RuleSpikePercent <= 0 || r.IncreasePercent <= 0:
		return fmt.Errorf("%w: rule and increase percentages must be positive", ErrInvalidInput)
	case r.HighValueThreshold.IsNegative():
		return fmt.Errorf("%w: highValueThreshold must be non-negative", ErrInvalidInput)
	}
	for key := range r.Recommendations {
		if _, _, err := ParseRecommendationKey(key); err != nil {
			return err
		}
	}
	return nil
}

// ParseRecommendationKey splits a "TYPE/SEVERITY" key.
func ParseRecommendationKey(key string) (AnomalyType, Severity, error) {
	for i := 0; i < len(key); i++ {
		if key[i] != '/' {
			continue
		}
		t := AnomalyType(key[:i])
		sev, ok := ParseSeverity(key[i+1:])
		if !ok || t.Order() == len(AllAnomalyTypes()) {
			break
		}
		return t, sev, nil
	}
	return "", "", fmt.Errorf("%w: recommendation key %q must be TYPE/SEVERITY", ErrInvalidInput, key)
}

// SimulationConfig tunes the what-if simulator.
type SimulationConfig struct {
	// DefaultTaxRate applies when no bill exists to take the tax convention from.
	DefaultTaxRate decimal.Decimal `json:"defaultTaxRate" yaml:"defaultTaxRate"`

	// CompareTopN is how many ranked scenarios a comparison returns.
	CompareTopN int `json:"compareTopN" yaml:"compareTopN"`

	// CompareWorkers bounds concurrent scenario simulations.
	CompareWorkers int `json:"compareWorkers" yaml:"compareWorkers"`

	// SignificantSavingPercent marks a saving as a significant opportunity.
	SignificantSavingPercent decimal.Decimal `json:"significantSavingPercent" yaml:"significantSavingPercent"`
}

// DefaultSimulationConfig returns the stock simulator settings.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		DefaultTaxRate:           decimal.Zero,
		CompareTopN:              5,
		CompareWorkers:           4,
		SignificantSavingPercent: decimal.NewFromInt(20),
	}
}

// AlertingConfig decides when a detection run raises an alert.
// Zero values take the alerting defaults; a negative MaxFindings disables the count threshold.
type AlertingConfig struct {
	MinSeverity Severity `json:"minSeverity" yaml:"minSeverity"`
	MaxFindings int      `json:"maxFindings" yaml:"maxFindings"`
}
