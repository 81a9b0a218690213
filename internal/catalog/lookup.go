// Package catalog resolves plan, add-on, VAS and premium SMS pricing.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opensource-finance/billscope/internal/domain"
)

type entryKey struct {
	kind domain.CatalogKind
	id   string
}

// Lookup is a read-through view of the catalog for a single run.
// Entries are memoised for the lifetime of the Lookup only; create one per run.
// Safe for concurrent use.
type Lookup struct {
	store domain.CatalogStore

	mu   sync.Mutex
	memo map[entryKey]*domain.CatalogEntry
}

// NewLookup creates a run-scoped lookup over the catalog store.
func NewLookup(store domain.CatalogStore) *Lookup {
	return &Lookup{
		store: store,
		memo:  make(map[entryKey]*domain.CatalogEntry),
	}
}

// Resolve returns the entry for kind and id, or an error wrapping ErrNotFound.
func (l *Lookup) Resolve(ctx context.Context, kind domain.CatalogKind, id string) (*domain.CatalogEntry, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty %s id", domain.ErrNotFound, kind)
	}
	key := entryKey{kind, id}

	l.mu.Lock()
	entry, ok := l.memo[key]
	l.mu.Unlock()
	if ok {
		return entry, nil
	}

	entry, err := l.store.ResolveCatalogEntry(ctx, kind, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
		}
		return nil, fmt.Errorf("resolve %s %s: %w", kind, id, err)
	}
	if entry == nil || entry.Kind != kind {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: catalog %s %s is malformed: %v", domain.ErrComputation, kind, id, err)
	}

	l.mu.Lock()
	l.memo[key] = entry
	l.mu.Unlock()
	return entry, nil
}

// Plan resolves a tariff plan.
func (l *Lookup) Plan(ctx context.Context, id string) (*domain.Plan, error) {
	e, err := l.Resolve(ctx, domain.KindPlan, id)
	if err != nil {
		return nil, err
	}
	return e.Plan, nil
}

// AddOn resolves an add-on pack.
func (l *Lookup) AddOn(ctx context.Context, id string) (*domain.AddOn, error) {
	e, err := l.Resolve(ctx, domain.KindAddOn, id)
	if err != nil {
		return nil, err
	}
	return e.AddOn, nil
}

// VAS resolves a value-added service.
func (l *Lookup) VAS(ctx context.Context, id string) (*domain.VAS, error) {
	e, err := l.Resolve(ctx, domain.KindVAS, id)
	if err != nil {
		return nil, err
	}
	return e.VAS, nil
}

// PremiumSMS resolves a premium short code.
func (l *Lookup) PremiumSMS(ctx context.Context, shortcode string) (*domain.PremiumSMS, error) {
	e, err := l.Resolve(ctx, domain.KindPremiumSMS, shortcode)
	if err != nil {
		return nil, err
	}
	return e.PremiumSMS, nil
}

// AddOns resolves add-ons in order, failing on the first unresolvable id.
func (l *Lookup) AddOns(ctx context.Context, ids []string) ([]domain.AddOn, error) {
	out := make([]domain.AddOn, 0, len(ids))
	for _, id := range ids {
		a, err := l.AddOn(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// VASList resolves value-added services in order, failing on the first unresolvable id.
func (l *Lookup) VASList(ctx context.Context, ids []string) ([]domain.VAS, error) {
	out := make([]domain.VAS, 0, len(ids))
	for _, id := range ids {
		v, err := l.VAS(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
