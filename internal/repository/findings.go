package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
)

// SaveFindings upserts findings by id. The stored status and first detectedAt
// survive re-detection and are copied back into the findings.
func (r *SQLRepository) SaveFindings(ctx context.Context, findings []*domain.AnomalyFinding) error {
	if len(findings) == 0 {
		return nil
	}

	selectQuery := r.rebind(`SELECT status, detected_at FROM anomaly_findings WHERE id = ?`)
	upsertQuery := r.rebind(`
		INSERT INTO anomaly_findings (
			id, user_id, bill_id, period, type, category, severity, description,
			detected_at, status, z_score, pct_diff, amount, baseline, recommendations
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			description = excluded.description,
			z_score = excluded.z_score,
			pct_diff = excluded.pct_diff,
			amount = excluded.amount,
			baseline = excluded.baseline,
			recommendations = excluded.recommendations
	`)

	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, f := range findings {
			var status string
			var detectedAt time.Time
			err := tx.QueryRowContext(ctx, selectQuery, f.ID).Scan(&status, &detectedAt)
			switch {
			case err == nil:
				f.Status = domain.FindingStatus(status)
				f.DetectedAt = detectedAt
			case errors.Is(err, sql.ErrNoRows):
				if f.Status == "" {
					f.Status = domain.StatusActive
				}
				if f.DetectedAt.IsZero() {
					f.DetectedAt = time.Now().UTC()
				}
			default:
				return fmt.Errorf("load finding %s: %w", f.ID, err)
			}

			recs, err := encodeJSON(nonNil(f.Recommendations))
			if err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, upsertQuery,
				f.ID, f.UserID, f.BillID, f.Period.String(), string(f.Type), string(f.Category),
				string(f.Severity), f.Description, f.DetectedAt.UTC(), string(f.Status),
				f.ZScore, f.PercentageDifference, f.Amount, f.Baseline, recs,
			); err != nil {
				return fmt.Errorf("save finding %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

const findingColumns = `
	id, user_id, bill_id, period, type, category, severity, description,
	detected_at, status, z_score, pct_diff, amount, baseline, recommendations
`

func scanFinding(row rowScanner) (*domain.AnomalyFinding, error) {
	var f domain.AnomalyFinding
	var period, recs string

	if err := row.Scan(
		&f.ID, &f.UserID, &f.BillID, &period, &f.Type, &f.Category, &f.Severity, &f.Description,
		&f.DetectedAt, &f.Status, &f.ZScore, &f.PercentageDifference, &f.Amount, &f.Baseline, &recs,
	); err != nil {
		return nil, err
	}

	p, err := domain.ParsePeriod(period)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", f.ID, err)
	}
	f.Period = p
	if err := json.Unmarshal([]byte(recs), &f.Recommendations); err != nil {
		return nil, fmt.Errorf("finding %s: failed to parse recommendations: %w", f.ID, err)
	}
	return &f, nil
}

// ListFindings returns a bill's findings in category then type order.
func (r *SQLRepository) ListFindings(ctx context.Context, userID string, period domain.Period) ([]*domain.AnomalyFinding, error) {
	query := `SELECT ` + findingColumns + ` FROM anomaly_findings WHERE user_id = ? AND period = ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, period.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*domain.AnomalyFinding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Category != b.Category {
			return a.Category.Order() < b.Category.Order()
		}
		return a.Type.Order() < b.Type.Order()
	})
	return findings, nil
}

// UpdateFindingStatus moves a finding to a new status.
func (r *SQLRepository) UpdateFindingStatus(ctx context.Context, findingID string, status domain.FindingStatus) (*domain.AnomalyFinding, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`UPDATE anomaly_findings SET status = ? WHERE id = ?`), string(status), findingID)
	if err != nil {
		return nil, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: finding %s", domain.ErrNotFound, findingID)
	}

	query := `SELECT ` + findingColumns + ` FROM anomaly_findings WHERE id = ?`
	f, err := scanFinding(r.db.QueryRowContext(ctx, r.rebind(query), findingID))
	if err != nil {
		return nil, notFound(err, "finding %s", findingID)
	}
	return f, nil
}

// SaveDetectionRun stores the audit record of a detection run.
func (r *SQLRepository) SaveDetectionRun(ctx context.Context, run *domain.DetectionRun) error {
	reasons, err := encodeJSON(nonNil(run.Reasons))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO detection_runs (
			id, user_id, bill_id, period, status, highest_severity,
			finding_count, reasons, trace_id, process_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.UserID, run.BillID, run.Period.String(), run.Status, string(run.HighestSeverity),
		run.FindingCount, reasons, run.TraceID, run.ProcessMs, run.CreatedAt.UTC(),
	)
	return err
}

// GetDetectionRun returns a detection run by id.
func (r *SQLRepository) GetDetectionRun(ctx context.Context, runID string) (*domain.DetectionRun, error) {
	query := `
		SELECT id, user_id, bill_id, period, status, highest_severity,
			   finding_count, reasons, trace_id, process_ms, created_at
		FROM detection_runs
		WHERE id = ?
	`

	var run domain.DetectionRun
	var period, reasons string
	err := r.db.QueryRowContext(ctx, r.rebind(query), runID).Scan(
		&run.ID, &run.UserID, &run.BillID, &period, &run.Status, &run.HighestSeverity,
		&run.FindingCount, &reasons, &run.TraceID, &run.ProcessMs, &run.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "detection run %s", runID)
	}

	if run.Period, err = domain.ParsePeriod(period); err != nil {
		return nil, fmt.Errorf("detection run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(reasons), &run.Reasons); err != nil {
		return nil, fmt.Errorf("failed to parse run reasons: %w", err)
	}
	return &run, nil
}
