package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/billscope/internal/domain"
)

// SaveCatalogEntry upserts a catalog entry by kind and id.
func (r *SQLRepository) SaveCatalogEntry(ctx context.Context, entry *domain.CatalogEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	payload, err := encodeJSON(entry)
	if err != nil {
		return fmt.Errorf("encode catalog entry: %w", err)
	}

	query := `
		INSERT INTO catalog_entries (kind, id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), string(entry.Kind), entry.ID(), payload, time.Now().UTC())
	return err
}

// ResolveCatalogEntry returns one catalog entry.
func (r *SQLRepository) ResolveCatalogEntry(ctx context.Context, kind domain.CatalogKind, id string) (*domain.CatalogEntry, error) {
	query := `SELECT payload FROM catalog_entries WHERE kind = ? AND id = ?`

	var payload string
	if err := r.db.QueryRowContext(ctx, r.rebind(query), string(kind), id).Scan(&payload); err != nil {
		return nil, notFound(err, "%s %q", kind, id)
	}
	return decodeEntry(payload)
}

// ListCatalog returns every entry of a kind ordered by id.
func (r *SQLRepository) ListCatalog(ctx context.Context, kind domain.CatalogKind) ([]*domain.CatalogEntry, error) {
	query := `SELECT payload FROM catalog_entries WHERE kind = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.CatalogEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		entry, err := decodeEntry(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func decodeEntry(payload string) (*domain.CatalogEntry, error) {
	var entry domain.CatalogEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return nil, fmt.Errorf("failed to parse catalog entry: %w", err)
	}
	return &entry, nil
}
