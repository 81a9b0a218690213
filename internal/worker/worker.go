// Package worker runs anomaly detection asynchronously on bill.issued events.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/billscope/internal/alerting"
	"github.com/opensource-finance/billscope/internal/bus"
	"github.com/opensource-finance/billscope/internal/domain"
)

// AnomalyDetector detects, rule-filters and persists the findings of one bill.
type AnomalyDetector interface {
	DetectAnomalies(ctx context.Context, userID string, period domain.Period) ([]*domain.AnomalyFinding, error)
}

// RunStore persists detection run audit records.
type RunStore interface {
	SaveDetectionRun(ctx context.Context, run *domain.DetectionRun) error
}

// Pipeline turns one detection request into a recorded, published run.
// It is shared by the worker and the synchronous API path.
type Pipeline struct {
	detector  AnomalyDetector
	runs      RunStore
	processor *alerting.Processor
	bus       domain.EventBus
}

// NewPipeline creates a detection pipeline. runs and eventBus may be nil.
func NewPipeline(detector AnomalyDetector, runs RunStore, processor *alerting.Processor, eventBus domain.EventBus) *Pipeline {
	return &Pipeline{
		detector:  detector,
		runs:      runs,
		processor: processor,
		bus:       eventBus,
	}
}

// Request identifies the bill to run detection on.
type Request struct {
	UserID  string
	Period  domain.Period
	BillID  string
	TraceID string
}

// Run detects anomalies, records the run and publishes the outcome.
// Persistence and publish failures are logged; detection errors are returned.
func (p *Pipeline) Run(ctx context.Context, req Request) (*domain.DetectionRun, []*domain.AnomalyFinding, error) {
	start := time.Now()

	findings, err := p.detector.DetectAnomalies(ctx, req.UserID, req.Period)
	if err != nil {
		return nil, nil, err
	}
	if findings == nil {
		findings = []*domain.AnomalyFinding{}
	}

	billID := req.BillID
	if billID == "" && len(findings) > 0 {
		billID = findings[0].BillID
	}

	run := p.processor.Process(&alerting.RunInput{
		UserID:    req.UserID,
		BillID:    billID,
		Period:    req.Period,
		TraceID:   req.TraceID,
		Findings:  findings,
		StartTime: start,
	})

	if p.runs != nil {
		if err := p.runs.SaveDetectionRun(ctx, run); err != nil {
			slog.Error("failed to save detection run",
				"run_id", run.ID,
				"user_id", req.UserID,
				"error", err,
			)
		}
	}

	if p.bus != nil {
		event := domain.AnomalyDetectedEvent{Run: run, Findings: findings}
		if err := bus.PublishJSON(ctx, p.bus, domain.TopicAnomalyDetected, event); err != nil {
			slog.Error("failed to publish detection result",
				"run_id", run.ID,
				"error", err,
			)
		}
		if alerting.ShouldAlert(run) {
			if err := bus.PublishJSON(ctx, p.bus, domain.TopicAlert, event); err != nil {
				slog.Error("failed to publish alert",
					"run_id", run.ID,
					"error", err,
				)
			}
		}
	}

	slog.Info("detection run complete",
		"run_id", run.ID,
		"user_id", req.UserID,
		"period", req.Period.String(),
		"status", run.Status,
		"anomalies", run.FindingCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return run, findings, nil
}

// Worker consumes bill.issued events from the EventBus.
type Worker struct {
	bus      domain.EventBus
	pipeline *Pipeline

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, pipeline *Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to bill.issued.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBillIssued, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", domain.TopicBillIssued, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicBillIssued,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var event domain.BillIssuedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Error("failed to parse bill.issued message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	traceID := event.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing issued bill",
		"user_id", event.UserID,
		"period", event.Period.String(),
		"bill_id", event.BillID,
		"trace_id", traceID,
	)

	_, _, err := w.pipeline.Run(ctx, Request{
		UserID:  event.UserID,
		Period:  event.Period,
		BillID:  event.BillID,
		TraceID: traceID,
	})
	if err != nil {
		slog.Error("detection failed",
			"user_id", event.UserID,
			"period", event.Period.String(),
			"error", err,
		)
		return err
	}
	return nil
}

// Stop cancels the worker and unsubscribes.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
