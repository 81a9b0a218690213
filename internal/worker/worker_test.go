package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/billscope/internal/alerting"
	"github.com/opensource-finance/billscope/internal/bus"
	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

type fakeDetector struct {
	findings []*domain.AnomalyFinding
	err      error
}

func (f *fakeDetector) DetectAnomalies(ctx context.Context, userID string, period domain.Period) ([]*domain.AnomalyFinding, error) {
	return f.findings, f.err
}

type runRecorder struct {
	mu   sync.Mutex
	runs []*domain.DetectionRun
}

func (r *runRecorder) SaveDetectionRun(ctx context.Context, run *domain.DetectionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func finding(sev domain.Severity) *domain.AnomalyFinding {
	period, _ := domain.ParsePeriod("2025-04")
	return &domain.AnomalyFinding{
		ID:       "f-" + string(sev),
		UserID:   "user-1",
		BillID:   "bill-1",
		Period:   period,
		Type:     domain.AnomalySpike,
		Category: domain.CategoryData,
		Severity: sev,
		Amount:   decimal.NewFromInt(108),
		Baseline: decimal.NewFromInt(100),
	}
}

func subscribe(t *testing.T, b domain.EventBus, topic string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 4)
	sub, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })
	return ch
}

func receive(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func publishBill(t *testing.T, b domain.EventBus) {
	t.Helper()
	period, _ := domain.ParsePeriod("2025-04")
	event := domain.BillIssuedEvent{UserID: "user-1", Period: period, BillID: "bill-1", TraceID: "trace-1"}
	if err := bus.PublishJSON(context.Background(), b, domain.TopicBillIssued, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		pipeline := NewPipeline(&fakeDetector{}, nil, alerting.NewProcessor(domain.AlertingConfig{}), eventBus)
		w := NewWorker(eventBus, pipeline)

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicBillIssued {
			t.Errorf("unexpected stats %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("PublishesDetectionResult", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		runs := &runRecorder{}
		detector := &fakeDetector{findings: []*domain.AnomalyFinding{finding(domain.SeverityLow)}}
		w := NewWorker(eventBus, NewPipeline(detector, runs, alerting.NewProcessor(domain.AlertingConfig{}), eventBus))
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		detected := subscribe(t, eventBus, domain.TopicAnomalyDetected)
		alerts := subscribe(t, eventBus, domain.TopicAlert)
		publishBill(t, eventBus)

		msg := receive(t, detected)
		var event domain.AnomalyDetectedEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("failed to parse event: %v", err)
		}
		if event.Run.Status != domain.RunStatusClear || event.Run.TraceID != "trace-1" || event.Run.BillID != "bill-1" {
			t.Errorf("unexpected run %+v", event.Run)
		}
		if len(event.Findings) != 1 {
			t.Errorf("expected 1 finding, got %d", len(event.Findings))
		}
		if runs.count() != 1 {
			t.Errorf("expected the run to be saved, got %d runs", runs.count())
		}

		select {
		case <-alerts:
			t.Error("expected no alert for a LOW finding")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("AlertPublished", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		detector := &fakeDetector{findings: []*domain.AnomalyFinding{finding(domain.SeverityHigh)}}
		w := NewWorker(eventBus, NewPipeline(detector, nil, alerting.NewProcessor(domain.AlertingConfig{}), eventBus))
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		alerts := subscribe(t, eventBus, domain.TopicAlert)
		publishBill(t, eventBus)

		msg := receive(t, alerts)
		var event domain.AnomalyDetectedEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.Fatalf("failed to parse alert: %v", err)
		}
		if event.Run.Status != domain.RunStatusAlert || event.Run.HighestSeverity != domain.SeverityHigh {
			t.Errorf("unexpected alert run %+v", event.Run)
		}
	})
}

func TestPipelineRun(t *testing.T) {
	period, _ := domain.ParsePeriod("2025-04")
	processor := alerting.NewProcessor(domain.AlertingConfig{})

	tests := []struct {
		name       string
		detector   *fakeDetector
		wantStatus string
		wantBillID string
		wantErr    error
	}{
		{"NoFindings", &fakeDetector{}, domain.RunStatusClear, "", nil},
		{"BillIDFromFindings", &fakeDetector{findings: []*domain.AnomalyFinding{finding(domain.SeverityMedium)}}, domain.RunStatusClear, "bill-1", nil},
		{"HighFinding", &fakeDetector{findings: []*domain.AnomalyFinding{finding(domain.SeverityHigh)}}, domain.RunStatusAlert, "bill-1", nil},
		{"DetectionError", &fakeDetector{err: domain.ErrNotFound}, "", "", domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := &runRecorder{}
			p := NewPipeline(tt.detector, runs, processor, nil)

			run, findings, err := p.Run(context.Background(), Request{UserID: "user-1", Period: period})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if runs.count() != 0 {
					t.Error("expected no run saved on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if findings == nil {
				t.Error("expected a non-nil findings slice")
			}
			if run.Status != tt.wantStatus || run.BillID != tt.wantBillID {
				t.Errorf("expected %s/%q, got %s/%q", tt.wantStatus, tt.wantBillID, run.Status, run.BillID)
			}
			if runs.count() != 1 {
				t.Errorf("expected 1 saved run, got %d", runs.count())
			}
		})
	}
}
