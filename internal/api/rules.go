package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/billscope/internal/domain"
)

// ListRules returns the stored rules and how many are loaded in the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.Repo.ListRuleConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if stored == nil {
		stored = []*domain.RuleConfig{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"loaded": h.Rules.RulesCount(),
	})
}

// GetRule returns a stored rule by id.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Repo.GetRuleConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule validates and stores a rule. POST /rules/reload applies it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RuleConfig
	if !decode(w, r, &rule) {
		return
	}

	if err := h.Rules.ValidateRule(&rule); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Repo.SaveRuleConfig(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("rule saved", "id", rule.ID, "action", rule.Action, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    &rule,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules swaps the engine's rule set for the enabled stored rules.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	stored, err := h.Repo.ListRuleConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Rules.ReloadRules(stored); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, err)
		return
	}

	slog.Info("rules reloaded from database", "loaded", h.Rules.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.Rules.RulesCount(),
	})
}
