package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/billscope/internal/domain"
)

const usageDateLayout = "2006-01-02"

// SaveBill stores an issued bill. A second bill for the same user and period replaces the first.
func (r *SQLRepository) SaveBill(ctx context.Context, bill *domain.BillingPeriodRecord) error {
	if err := bill.Validate(); err != nil {
		return err
	}
	if bill.ID == "" {
		bill.ID = uuid.New().String()
	}
	if bill.IssuedAt.IsZero() {
		bill.IssuedAt = time.Now().UTC()
	}

	items, err := encodeJSON(bill.LineItems)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}

	query := `
		INSERT INTO bills (id, user_id, period, issued_at, currency, total_amount, line_items)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, period) DO UPDATE SET
			id = excluded.id,
			issued_at = excluded.issued_at,
			currency = excluded.currency,
			total_amount = excluded.total_amount,
			line_items = excluded.line_items
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		bill.ID, bill.UserID, bill.Period.String(), bill.IssuedAt.UTC(),
		bill.Currency, bill.TotalAmount, items,
	)
	return err
}

const billColumns = `id, user_id, period, issued_at, currency, total_amount, line_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBill(row rowScanner) (*domain.BillingPeriodRecord, error) {
	var b domain.BillingPeriodRecord
	var period, items string

	if err := row.Scan(&b.ID, &b.UserID, &period, &b.IssuedAt, &b.Currency, &b.TotalAmount, &items); err != nil {
		return nil, err
	}

	p, err := domain.ParsePeriod(period)
	if err != nil {
		return nil, fmt.Errorf("bill %s: %w", b.ID, err)
	}
	b.Period = p
	if err := json.Unmarshal([]byte(items), &b.LineItems); err != nil {
		return nil, fmt.Errorf("bill %s: failed to parse line items: %w", b.ID, err)
	}
	return &b, nil
}

// GetBill returns the issued bill for a period.
func (r *SQLRepository) GetBill(ctx context.Context, userID string, period domain.Period) (*domain.BillingPeriodRecord, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE user_id = ? AND period = ?`

	bill, err := scanBill(r.db.QueryRowContext(ctx, r.rebind(query), userID, period.String()))
	if err != nil {
		return nil, notFound(err, "bill for %s in %s", userID, period)
	}
	return bill, nil
}

// GetBillHistory returns up to limit bills issued before the period, oldest first.
func (r *SQLRepository) GetBillHistory(ctx context.Context, userID string, before domain.Period, limit int) ([]*domain.BillingPeriodRecord, error) {
	query := `SELECT ` + billColumns + ` FROM bills WHERE user_id = ? AND period < ? ORDER BY period DESC`
	args := []any{userID, before.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []*domain.BillingPeriodRecord
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest first from the query; callers want oldest first.
	for i, j := 0, len(bills)-1; i < j; i, j = i+1, j-1 {
		bills[i], bills[j] = bills[j], bills[i]
	}
	return bills, nil
}

// SaveUsage upserts daily usage records by user and date.
func (r *SQLRepository) SaveUsage(ctx context.Context, records []domain.UsageRecord) error {
	for _, rec := range records {
		if rec.UserID == "" || rec.Date.IsZero() {
			return fmt.Errorf("%w: usage records need userId and date", domain.ErrInvalidInput)
		}
		if rec.DataMB.IsNegative() || rec.RoamingMB.IsNegative() || rec.VoiceMinutes < 0 || rec.SMSCount < 0 {
			return fmt.Errorf("%w: usage counters must be non-negative", domain.ErrInvalidInput)
		}
	}

	query := r.rebind(`
		INSERT INTO usage_records (user_id, usage_date, period, data_mb, voice_minutes, sms_count, roaming_mb)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, usage_date) DO UPDATE SET
			data_mb = excluded.data_mb,
			voice_minutes = excluded.voice_minutes,
			sms_count = excluded.sms_count,
			roaming_mb = excluded.roaming_mb
	`)

	return r.inTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range records {
			date := rec.Date.UTC()
			if _, err := tx.ExecContext(ctx, query,
				rec.UserID, date.Format(usageDateLayout), domain.PeriodOf(date).String(),
				rec.DataMB, rec.VoiceMinutes, rec.SMSCount, rec.RoamingMB,
			); err != nil {
				return fmt.Errorf("save usage for %s on %s: %w", rec.UserID, date.Format(usageDateLayout), err)
			}
		}
		return nil
	})
}

// GetUsage returns the period's usage records ordered by date.
func (r *SQLRepository) GetUsage(ctx context.Context, userID string, period domain.Period) ([]domain.UsageRecord, error) {
	query := `
		SELECT user_id, usage_date, data_mb, voice_minutes, sms_count, roaming_mb
		FROM usage_records
		WHERE user_id = ? AND period = ?
		ORDER BY usage_date
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, period.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.UsageRecord
	for rows.Next() {
		var rec domain.UsageRecord
		var date string
		if err := rows.Scan(&rec.UserID, &date, &rec.DataMB, &rec.VoiceMinutes, &rec.SMSCount, &rec.RoamingMB); err != nil {
			return nil, err
		}
		if rec.Date, err = time.Parse(usageDateLayout, date); err != nil {
			return nil, fmt.Errorf("usage date %q: %w", date, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveUserConfiguration replaces a user's live configuration.
func (r *SQLRepository) SaveUserConfiguration(ctx context.Context, cfg *domain.UserConfiguration) error {
	if cfg.UserID == "" || cfg.PlanID == "" {
		return fmt.Errorf("%w: userId and planId are required", domain.ErrInvalidInput)
	}

	addOns, err := encodeJSON(nonNil(cfg.ActiveAddOnIDs))
	if err != nil {
		return err
	}
	vas, err := encodeJSON(nonNil(cfg.ActiveVASIDs))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO user_configurations (user_id, plan_id, active_addon_ids, active_vas_ids, premium_sms_blocked, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			active_addon_ids = excluded.active_addon_ids,
			active_vas_ids = excluded.active_vas_ids,
			premium_sms_blocked = excluded.premium_sms_blocked,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), cfg.UserID, cfg.PlanID, addOns, vas, cfg.PremiumSMSBlocked, time.Now().UTC())
	return err
}

// GetUserConfiguration returns the live configuration.
func (r *SQLRepository) GetUserConfiguration(ctx context.Context, userID string) (*domain.UserConfiguration, error) {
	query := `SELECT user_id, plan_id, active_addon_ids, active_vas_ids, premium_sms_blocked FROM user_configurations WHERE user_id = ?`

	var cfg domain.UserConfiguration
	var addOns, vas string
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(&cfg.UserID, &cfg.PlanID, &addOns, &vas, &cfg.PremiumSMSBlocked)
	if err != nil {
		return nil, notFound(err, "configuration for %s", userID)
	}

	if err := json.Unmarshal([]byte(addOns), &cfg.ActiveAddOnIDs); err != nil {
		return nil, fmt.Errorf("failed to parse add-on ids: %w", err)
	}
	if err := json.Unmarshal([]byte(vas), &cfg.ActiveVASIDs); err != nil {
		return nil, fmt.Errorf("failed to parse vas ids: %w", err)
	}
	return &cfg, nil
}

// ListUsersByPlan returns the users on a live plan.
func (r *SQLRepository) ListUsersByPlan(ctx context.Context, planID string) ([]string, error) {
	query := `SELECT user_id FROM user_configurations WHERE plan_id = ? ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list users on plan %s: %w", planID, err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
