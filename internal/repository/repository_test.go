package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func p(s string) domain.Period {
	period, err := domain.ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return period
}

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "billscope-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func bill(userID, period, planFee string) *domain.BillingPeriodRecord {
	return &domain.BillingPeriodRecord{
		UserID:   userID,
		Period:   p(period),
		Currency: "TRY",
		LineItems: []domain.LineItem{
			{Category: domain.CategoryPlan, Subtype: domain.SubtypeMonthlyFee, Ref: "basic", Amount: d(planFee), TaxRate: d("0.2")},
			{Category: domain.CategoryVAS, Subtype: domain.SubtypeMonthlyFee, Ref: "music", Amount: d("9.99")},
		},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetBill", func(t *testing.T) {
		b := bill("user-1", "2025-04", "20")
		if err := repo.SaveBill(ctx, b); err != nil {
			t.Fatalf("SaveBill failed: %v", err)
		}
		if b.ID == "" {
			t.Error("expected a generated bill id")
		}

		got, err := repo.GetBill(ctx, "user-1", p("2025-04"))
		if err != nil {
			t.Fatalf("GetBill failed: %v", err)
		}
		if got.ID != b.ID || got.Period != p("2025-04") || got.Currency != "TRY" {
			t.Errorf("unexpected bill %+v", got)
		}
		// 20 + 4 tax + 9.99
		if !got.TotalAmount.Equal(d("33.99")) {
			t.Errorf("expected total 33.99, got %s", got.TotalAmount)
		}
		if len(got.LineItems) != 2 || !got.LineItems[0].TaxRate.Equal(d("0.2")) || got.LineItems[1].Ref != "music" {
			t.Errorf("line items did not round-trip: %+v", got.LineItems)
		}
	})

	t.Run("GetBillNotFound", func(t *testing.T) {
		if _, err := repo.GetBill(ctx, "user-1", p("1999-01")); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveBillRejectsInvalid", func(t *testing.T) {
		b := bill("user-1", "2025-05", "20")
		b.TotalAmount = d("1")
		if err := repo.SaveBill(ctx, b); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for mismatched total, got %v", err)
		}
	})

	t.Run("BillHistory", func(t *testing.T) {
		for _, period := range []string{"2025-01", "2025-02", "2025-03"} {
			if err := repo.SaveBill(ctx, bill("user-1", period, "20")); err != nil {
				t.Fatalf("SaveBill failed: %v", err)
			}
		}

		tests := []struct {
			name   string
			before string
			limit  int
			want   []string
		}{
			{"All", "2025-04", 0, []string{"2025-01", "2025-02", "2025-03"}},
			{"Limited", "2025-04", 2, []string{"2025-02", "2025-03"}},
			{"Exclusive", "2025-03", 0, []string{"2025-01", "2025-02"}},
			{"None", "2025-01", 0, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				bills, err := repo.GetBillHistory(ctx, "user-1", p(tt.before), tt.limit)
				if err != nil {
					t.Fatalf("GetBillHistory failed: %v", err)
				}
				if len(bills) != len(tt.want) {
					t.Fatalf("expected %d bills, got %d", len(tt.want), len(bills))
				}
				for i, want := range tt.want {
					if bills[i].Period.String() != want {
						t.Errorf("expected %s at %d, got %s", want, i, bills[i].Period)
					}
				}
			})
		}
	})

	t.Run("Usage", func(t *testing.T) {
		records := []domain.UsageRecord{
			{UserID: "user-1", Date: time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC), DataMB: d("512"), VoiceMinutes: 10},
			{UserID: "user-1", Date: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), DataMB: d("256.5"), SMSCount: 3},
			{UserID: "user-1", Date: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), DataMB: d("1")},
		}
		if err := repo.SaveUsage(ctx, records); err != nil {
			t.Fatalf("SaveUsage failed: %v", err)
		}
		// Re-sending a day replaces it.
		if err := repo.SaveUsage(ctx, []domain.UsageRecord{
			{UserID: "user-1", Date: time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC), DataMB: d("1024"), RoamingMB: d("5")},
		}); err != nil {
			t.Fatalf("SaveUsage failed: %v", err)
		}

		got, err := repo.GetUsage(ctx, "user-1", p("2025-04"))
		if err != nil {
			t.Fatalf("GetUsage failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 April records, got %d", len(got))
		}
		if got[0].Date.Day() != 1 || !got[0].DataMB.Equal(d("256.5")) || got[0].SMSCount != 3 {
			t.Errorf("unexpected first record %+v", got[0])
		}
		if !got[1].DataMB.Equal(d("1024")) || !got[1].RoamingMB.Equal(d("5")) || got[1].VoiceMinutes != 0 {
			t.Errorf("expected replaced second record, got %+v", got[1])
		}

		if err := repo.SaveUsage(ctx, []domain.UsageRecord{{UserID: "user-1"}}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing date, got %v", err)
		}
	})

	t.Run("UserConfiguration", func(t *testing.T) {
		if _, err := repo.GetUserConfiguration(ctx, "user-1"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		cfg := &domain.UserConfiguration{UserID: "user-1", PlanID: "basic", ActiveVASIDs: []string{"music"}}
		if err := repo.SaveUserConfiguration(ctx, cfg); err != nil {
			t.Fatalf("SaveUserConfiguration failed: %v", err)
		}
		cfg.ActiveAddOnIDs = []string{"data-5"}
		cfg.PremiumSMSBlocked = true
		if err := repo.SaveUserConfiguration(ctx, cfg); err != nil {
			t.Fatalf("SaveUserConfiguration failed: %v", err)
		}

		got, err := repo.GetUserConfiguration(ctx, "user-1")
		if err != nil {
			t.Fatalf("GetUserConfiguration failed: %v", err)
		}
		if got.PlanID != "basic" || len(got.ActiveAddOnIDs) != 1 || got.ActiveVASIDs[0] != "music" || !got.PremiumSMSBlocked {
			t.Errorf("unexpected configuration %+v", got)
		}

		other := &domain.UserConfiguration{UserID: "user-0", PlanID: "basic"}
		if err := repo.SaveUserConfiguration(ctx, other); err != nil {
			t.Fatalf("SaveUserConfiguration failed: %v", err)
		}
		users, err := repo.ListUsersByPlan(ctx, "basic")
		if err != nil {
			t.Fatalf("ListUsersByPlan failed: %v", err)
		}
		if len(users) != 2 || users[0] != "user-0" || users[1] != "user-1" {
			t.Errorf("expected [user-0 user-1], got %v", users)
		}
		if users, _ := repo.ListUsersByPlan(ctx, "max"); len(users) != 0 {
			t.Errorf("expected no users on max, got %v", users)
		}
	})

	t.Run("Catalog", func(t *testing.T) {
		entries := []*domain.CatalogEntry{
			{Kind: domain.KindPlan, Plan: &domain.Plan{
				ID:         "max",
				Name:       "Max",
				MonthlyFee: d("30"),
				Quota:      domain.Quota{DataGB: d("20")},
				Overage:    domain.OverageRates{PerGB: d("1")},
			}},
			{Kind: domain.KindPlan, Plan: &domain.Plan{
				ID:         "basic",
				Name:       "Basic",
				MonthlyFee: d("20"),
			}},
			{Kind: domain.KindAddOn, AddOn: &domain.AddOn{
				ID:    "data-5",
				Name:  "Data 5GB",
				Type:  domain.CategoryData,
				Price: d("4"),
				Extra: domain.Quota{DataGB: d("5")},
			}},
		}
		for _, e := range entries {
			if err := repo.SaveCatalogEntry(ctx, e); err != nil {
				t.Fatalf("SaveCatalogEntry failed: %v", err)
			}
		}

		plan, err := repo.ResolveCatalogEntry(ctx, domain.KindPlan, "max")
		if err != nil {
			t.Fatalf("ResolveCatalogEntry failed: %v", err)
		}
		if plan.Plan == nil || !plan.Plan.Quota.DataGB.Equal(d("20")) || !plan.Plan.Overage.PerGB.Equal(d("1")) {
			t.Errorf("plan did not round-trip: %+v", plan.Plan)
		}

		if _, err := repo.ResolveCatalogEntry(ctx, domain.KindAddOn, "max"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound across kinds, got %v", err)
		}

		plans, err := repo.ListCatalog(ctx, domain.KindPlan)
		if err != nil {
			t.Fatalf("ListCatalog failed: %v", err)
		}
		if len(plans) != 2 || plans[0].ID() != "basic" || plans[1].ID() != "max" {
			t.Errorf("expected plans ordered by id, got %d", len(plans))
		}

		if err := repo.SaveCatalogEntry(ctx, &domain.CatalogEntry{Kind: domain.KindVAS}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for missing payload, got %v", err)
		}
	})
}

func TestFindingStore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	newFinding := func(typ domain.AnomalyType, c domain.Category, sev domain.Severity) *domain.AnomalyFinding {
		f := &domain.AnomalyFinding{
			UserID:               "user-1",
			BillID:               "bill-1",
			Period:               p("2025-04"),
			Type:                 typ,
			Category:             c,
			Severity:             sev,
			Description:          "Data charges are above normal",
			DetectedAt:           first,
			Status:               domain.StatusActive,
			ZScore:               4,
			PercentageDifference: 8,
			Amount:               d("108"),
			Baseline:             d("100"),
			Recommendations:      []string{"Review data package"},
		}
		f.ID = domain.FindingID(f.DedupKey())
		return f
	}

	spike := newFinding(domain.AnomalySpike, domain.CategoryData, domain.SeverityHigh)
	roaming := newFinding(domain.AnomalyRoamingActivation, domain.CategoryRoaming, domain.SeverityLow)
	if err := repo.SaveFindings(ctx, []*domain.AnomalyFinding{roaming, spike}); err != nil {
		t.Fatalf("SaveFindings failed: %v", err)
	}

	t.Run("ListInCategoryOrder", func(t *testing.T) {
		got, err := repo.ListFindings(ctx, "user-1", p("2025-04"))
		if err != nil {
			t.Fatalf("ListFindings failed: %v", err)
		}
		if len(got) != 2 || got[0].Category != domain.CategoryData || got[1].Category != domain.CategoryRoaming {
			t.Fatalf("unexpected findings %+v", got)
		}
		if got[0].ZScore != 4 || !got[0].Amount.Equal(d("108")) || got[0].Recommendations[0] != "Review data package" {
			t.Errorf("finding did not round-trip: %+v", got[0])
		}
	})

	t.Run("StatusWorkflow", func(t *testing.T) {
		updated, err := repo.UpdateFindingStatus(ctx, spike.ID, domain.StatusInvestigating)
		if err != nil {
			t.Fatalf("UpdateFindingStatus failed: %v", err)
		}
		if updated.Status != domain.StatusInvestigating {
			t.Errorf("expected INVESTIGATING, got %s", updated.Status)
		}

		if _, err := repo.UpdateFindingStatus(ctx, spike.ID, "CLOSED"); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.UpdateFindingStatus(ctx, "missing", domain.StatusResolved); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RedetectionKeepsStatusAndDetectedAt", func(t *testing.T) {
		again := newFinding(domain.AnomalySpike, domain.CategoryData, domain.SeverityMedium)
		again.DetectedAt = first.Add(48 * time.Hour)
		again.Status = domain.StatusActive

		if err := repo.SaveFindings(ctx, []*domain.AnomalyFinding{again}); err != nil {
			t.Fatalf("SaveFindings failed: %v", err)
		}
		if again.Status != domain.StatusInvestigating {
			t.Errorf("expected stored status written back, got %s", again.Status)
		}
		if !again.DetectedAt.Equal(first) {
			t.Errorf("expected first detectedAt %s, got %s", first, again.DetectedAt)
		}

		got, _ := repo.ListFindings(ctx, "user-1", p("2025-04"))
		if len(got) != 2 {
			t.Fatalf("expected no duplicate rows, got %d", len(got))
		}
		if got[0].Severity != domain.SeverityMedium || got[0].Status != domain.StatusInvestigating {
			t.Errorf("expected refreshed severity with kept status, got %s/%s", got[0].Severity, got[0].Status)
		}
	})

	t.Run("DetectionRun", func(t *testing.T) {
		run := &domain.DetectionRun{
			ID:              "run-1",
			UserID:          "user-1",
			BillID:          "bill-1",
			Period:          p("2025-04"),
			Status:          domain.RunStatusAlert,
			HighestSeverity: domain.SeverityHigh,
			FindingCount:    2,
			Reasons:         []string{"HIGH SPIKE on DATA"},
			ProcessMs:       3,
			CreatedAt:       first,
		}
		if err := repo.SaveDetectionRun(ctx, run); err != nil {
			t.Fatalf("SaveDetectionRun failed: %v", err)
		}

		got, err := repo.GetDetectionRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetDetectionRun failed: %v", err)
		}
		if got.Status != domain.RunStatusAlert || got.HighestSeverity != domain.SeverityHigh || got.FindingCount != 2 || len(got.Reasons) != 1 {
			t.Errorf("unexpected run %+v", got)
		}

		if _, err := repo.GetDetectionRun(ctx, "run-2"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestRuleStore(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.RuleConfig{
		ID:         "suppress-small-roaming",
		Name:       "Small roaming",
		Expression: "category == 'ROAMING' && amount < 20.0",
		Action:     "suppress",
		Enabled:    true,
	}
	if err := repo.SaveRuleConfig(ctx, rule); err != nil {
		t.Fatalf("SaveRuleConfig failed: %v", err)
	}
	rule.Enabled = false
	if err := repo.SaveRuleConfig(ctx, rule); err != nil {
		t.Fatalf("SaveRuleConfig update failed: %v", err)
	}
	if err := repo.SaveRuleConfig(ctx, &domain.RuleConfig{ID: "a", Name: "A", Expression: "true", Action: domain.ActionEscalate, Enabled: true}); err != nil {
		t.Fatalf("SaveRuleConfig failed: %v", err)
	}

	got, err := repo.GetRuleConfig(ctx, "suppress-small-roaming")
	if err != nil {
		t.Fatalf("GetRuleConfig failed: %v", err)
	}
	if got.Enabled || got.Action != domain.ActionSuppress || got.Version != "1.0.0" {
		t.Errorf("unexpected rule %+v", got)
	}

	all, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		t.Fatalf("ListRuleConfigs failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" {
		t.Errorf("expected 2 rules ordered by id, got %d", len(all))
	}

	if _, err := repo.GetRuleConfig(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.SaveRuleConfig(ctx, &domain.RuleConfig{ID: "bad"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
