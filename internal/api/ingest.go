package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/billscope/internal/bus"
	"github.com/opensource-finance/billscope/internal/domain"
)

// IngestBill handles POST /bills. The stored bill is announced on bill.issued.
func (h *Handler) IngestBill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var bill domain.BillingPeriodRecord
	if !decode(w, r, &bill) {
		return
	}
	if err := h.Repo.SaveBill(ctx, &bill); err != nil {
		writeError(w, err)
		return
	}

	if h.Bus != nil {
		event := domain.BillIssuedEvent{
			UserID:  bill.UserID,
			Period:  bill.Period,
			BillID:  bill.ID,
			TraceID: GetTraceID(ctx),
		}
		if err := bus.PublishJSON(ctx, h.Bus, domain.TopicBillIssued, event); err != nil {
			slog.Error("failed to publish bill.issued",
				"bill_id", bill.ID,
				"error", err,
			)
		}
	}

	slog.Info("bill ingested",
		"bill_id", bill.ID,
		"user_id", bill.UserID,
		"period", bill.Period.String(),
		"total", bill.TotalAmount.StringFixed(2),
	)
	writeJSON(w, http.StatusCreated, &bill)
}

// IngestUsage handles POST /usage with a JSON array of usage records.
func (h *Handler) IngestUsage(w http.ResponseWriter, r *http.Request) {
	var records []domain.UsageRecord
	if !decode(w, r, &records) {
		return
	}
	if err := h.Repo.SaveUsage(r.Context(), records); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"saved": len(records),
	})
}

// PutCatalogEntry handles PUT /catalog/{kind}/{id}. The body is the kind's payload.
func (h *Handler) PutCatalogEntry(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseCatalogKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")

	var raw json.RawMessage
	if !decode(w, r, &raw) {
		return
	}

	entry, err := catalogEntry(kind, id, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Repo.SaveCatalogEntry(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// catalogEntry decodes a kind payload. An empty payload id takes the path id.
func catalogEntry(kind domain.CatalogKind, id string, raw json.RawMessage) (*domain.CatalogEntry, error) {
	entry := &domain.CatalogEntry{Kind: kind}
	var payload any
	switch kind {
	case domain.KindPlan:
		entry.Plan = &domain.Plan{ID: id}
		payload = entry.Plan
	case domain.KindAddOn:
		entry.AddOn = &domain.AddOn{ID: id}
		payload = entry.AddOn
	case domain.KindVAS:
		entry.VAS = &domain.VAS{ID: id}
		payload = entry.VAS
	case domain.KindPremiumSMS:
		entry.PremiumSMS = &domain.PremiumSMS{Shortcode: id}
		payload = entry.PremiumSMS
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", domain.ErrInvalidInput, kind, err)
	}
	if entry.ID() != id {
		return nil, fmt.Errorf("%w: payload id %q does not match path id %q", domain.ErrInvalidInput, entry.ID(), id)
	}
	return entry, nil
}

// ListCatalog handles GET /catalog/{kind}.
func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseCatalogKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.Repo.ListCatalog(r.Context(), kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    kind,
		"entries": entries,
		"count":   len(entries),
	})
}

// PutUserConfiguration handles PUT /users/{userId}/configuration.
func (h *Handler) PutUserConfiguration(w http.ResponseWriter, r *http.Request) {
	var cfg domain.UserConfiguration
	if !decode(w, r, &cfg) {
		return
	}
	userID := chi.URLParam(r, "userId")
	if cfg.UserID != "" && cfg.UserID != userID {
		writeError(w, fmt.Errorf("%w: body userId %q does not match path", domain.ErrInvalidInput, cfg.UserID))
		return
	}
	cfg.UserID = userID

	if err := h.Repo.SaveUserConfiguration(r.Context(), &cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &cfg)
}

// GetUserConfiguration handles GET /users/{userId}/configuration.
func (h *Handler) GetUserConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Repo.GetUserConfiguration(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
