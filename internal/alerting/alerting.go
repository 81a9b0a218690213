// Package alerting aggregates the findings of a detection run into an outcome.
package alerting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/billscope/internal/domain"
)

// DefaultMaxFindings is the finding count that alerts when none is configured.
const DefaultMaxFindings = 3

// Processor decides whether a detection run raises an alert.
type Processor struct {
	// MinSeverity is the finding severity that alerts on its own.
	MinSeverity domain.Severity

	// MaxFindings alerts when a run reaches this many findings. Negative disables it.
	MaxFindings int
}

// NewProcessor creates a processor from config. Unset fields default to HIGH
// and DefaultMaxFindings; a negative MaxFindings disables the count threshold.
func NewProcessor(cfg domain.AlertingConfig) *Processor {
	p := &Processor{MinSeverity: cfg.MinSeverity, MaxFindings: cfg.MaxFindings}
	if p.MinSeverity.Rank() == 0 {
		p.MinSeverity = domain.SeverityHigh
	}
	if p.MaxFindings == 0 {
		p.MaxFindings = DefaultMaxFindings
	}
	return p
}

// RunInput is one finished detection run.
type RunInput struct {
	UserID    string
	BillID    string
	Period    domain.Period
	TraceID   string
	Findings  []*domain.AnomalyFinding
	StartTime time.Time
}

// Process builds the run's audit record.
func (p *Processor) Process(input *RunInput) *domain.DetectionRun {
	now := time.Now().UTC()
	run := &domain.DetectionRun{
		ID:           uuid.New().String(),
		UserID:       input.UserID,
		BillID:       input.BillID,
		Period:       input.Period,
		Status:       domain.RunStatusClear,
		FindingCount: len(input.Findings),
		TraceID:      input.TraceID,
		CreatedAt:    now,
	}
	if !input.StartTime.IsZero() {
		run.ProcessMs = now.Sub(input.StartTime).Milliseconds()
	}

	for _, f := range input.Findings {
		if f.Severity.Rank() > run.HighestSeverity.Rank() {
			run.HighestSeverity = f.Severity
		}
		if f.Severity.Rank() >= p.MinSeverity.Rank() {
			run.Reasons = append(run.Reasons, fmt.Sprintf("%s %s on %s", f.Severity, f.Type, f.Category))
		}
	}
	if p.MaxFindings > 0 && len(input.Findings) >= p.MaxFindings {
		run.Reasons = append(run.Reasons, fmt.Sprintf("%d findings on one bill", len(input.Findings)))
	}

	if len(run.Reasons) > 0 {
		run.Status = domain.RunStatusAlert
	}
	return run
}

// ShouldAlert reports whether the run raised an alert.
func ShouldAlert(run *domain.DetectionRun) bool {
	return run.Status == domain.RunStatusAlert
}
