package anomaly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/opensource-finance/billscope/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("billscope-anomaly")

// FindingRules post-processes the findings of a run.
type FindingRules interface {
	Apply(ctx context.Context, findings []*domain.AnomalyFinding) ([]*domain.AnomalyFinding, error)
}

// Service loads bills, runs the detector and persists the findings.
type Service struct {
	bills    domain.BillingStore
	store    domain.FindingStore
	detector *Detector
	rules    FindingRules
	now      func() time.Time
}

// NewService creates a detection service. store and rules may be nil.
func NewService(bills domain.BillingStore, store domain.FindingStore, detector *Detector, rules FindingRules) *Service {
	return &Service{
		bills:    bills,
		store:    store,
		detector: detector,
		rules:    rules,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DetectAnomalies detects anomalies on the user's bill for the period.
// Returns ErrNotFound when no bill was issued for it.
func (s *Service) DetectAnomalies(ctx context.Context, userID string, period domain.Period) ([]*domain.AnomalyFinding, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "anomaly.detect",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("period", period.String()),
		),
	)
	defer span.End()

	findings, err := s.detect(ctx, userID, period)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		outcome := metrics.OutcomeFailed
		if errors.Is(err, domain.ErrNotFound) {
			outcome = metrics.OutcomeNoData
		}
		metrics.ObserveDetection(outcome, started)
		return nil, err
	}

	span.SetAttributes(attribute.Int("anomalies", len(findings)))
	metrics.ObserveDetection(metrics.OutcomeSuccess, started)
	for _, f := range findings {
		metrics.CountFinding(string(f.Type), string(f.Severity))
	}
	return findings, nil
}

func (s *Service) detect(ctx context.Context, userID string, period domain.Period) ([]*domain.AnomalyFinding, error) {
	if userID == "" || period.IsZero() {
		return nil, fmt.Errorf("%w: userId and period are required", domain.ErrInvalidInput)
	}
	bill, err := s.bills.GetBill(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	return s.detectBill(ctx, bill)
}

func (s *Service) detectBill(ctx context.Context, bill *domain.BillingPeriodRecord) ([]*domain.AnomalyFinding, error) {
	history, err := s.bills.GetBillHistory(ctx, bill.UserID, bill.Period, s.detector.rules.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load bill history: %w", err)
	}

	in := Input{
		Bill:       bill,
		History:    history,
		DetectedAt: s.now(),
	}

	records, err := s.bills.GetUsage(ctx, bill.UserID, bill.Period)
	if err != nil {
		slog.Warn("usage unavailable, detecting from charges only",
			"user_id", bill.UserID,
			"period", bill.Period.String(),
			"error", err,
		)
	} else if len(records) > 0 {
		profile := domain.AggregateUsage(records)
		in.Usage = &profile
	}

	findings, err := s.detector.Detect(ctx, in)
	if err != nil {
		return nil, err
	}

	if s.rules != nil && len(findings) > 0 {
		findings, err = s.applyRules(ctx, findings)
		if err != nil {
			return nil, err
		}
	}

	if s.store != nil && len(findings) > 0 {
		if err := s.store.SaveFindings(ctx, findings); err != nil {
			slog.Error("failed to save findings",
				"user_id", bill.UserID,
				"bill_id", bill.ID,
				"error", err,
			)
		}
	}

	slog.Debug("anomaly detection complete",
		"user_id", bill.UserID,
		"period", bill.Period.String(),
		"history_periods", len(history),
		"anomalies", len(findings),
	)
	return findings, nil
}

// applyRules runs operator rules and refreshes recommendations of escalated findings.
func (s *Service) applyRules(ctx context.Context, findings []*domain.AnomalyFinding) ([]*domain.AnomalyFinding, error) {
	before := make(map[string]domain.Severity, len(findings))
	for _, f := range findings {
		before[f.ID] = f.Severity
	}

	out, err := s.rules.Apply(ctx, findings)
	if err != nil {
		return nil, fmt.Errorf("apply finding rules: %w", err)
	}
	for _, f := range out {
		if before[f.ID] != f.Severity {
			f.Recommendations = s.detector.Recommend(f.Type, f.Severity)
		}
	}
	return out, nil
}

// History runs detection over the user's most recent bills, newest first.
func (s *Service) History(ctx context.Context, userID string, periods int) ([]domain.PeriodFindings, error) {
	ctx, span := tracer.Start(ctx, "anomaly.history",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("periods", periods),
		),
	)
	defer span.End()

	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrInvalidInput)
	}
	if periods <= 0 {
		periods = s.detector.rules.HistoryWindow
	}

	bills, err := s.bills.GetBillHistory(ctx, userID, domain.PeriodOf(s.now()).AddMonths(1), periods)
	if err != nil {
		return nil, fmt.Errorf("load bill history: %w", err)
	}
	if len(bills) == 0 {
		return nil, fmt.Errorf("%w: no bills for user %s", domain.ErrNotFound, userID)
	}

	out := make([]domain.PeriodFindings, 0, len(bills))
	for i := len(bills) - 1; i >= 0; i-- {
		findings, err := s.detectBill(ctx, bills[i])
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if findings == nil {
			findings = []*domain.AnomalyFinding{}
		}
		out = append(out, domain.PeriodFindings{
			Period:   bills[i].Period,
			BillID:   bills[i].ID,
			Findings: findings,
		})
	}
	return out, nil
}

// Summary aggregates History into counts by type and severity.
func (s *Service) Summary(ctx context.Context, userID string, periods int) (*domain.AnomalySummary, error) {
	history, err := s.History(ctx, userID, periods)
	if err != nil {
		return nil, err
	}

	summary := &domain.AnomalySummary{
		UserID:       userID,
		Periods:      len(history),
		ByType:       make(map[domain.AnomalyType]int),
		BySeverity:   make(map[domain.Severity]int),
		LatestPeriod: history[0].Period,
		Latest:       history[0].Findings,
	}
	for _, pf := range history {
		for _, f := range pf.Findings {
			summary.TotalFindings++
			summary.ByType[f.Type]++
			summary.BySeverity[f.Severity]++
		}
	}
	return summary, nil
}
