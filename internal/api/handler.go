package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/billscope/internal/anomaly"
	"github.com/opensource-finance/billscope/internal/bus"
	"github.com/opensource-finance/billscope/internal/cache"
	"github.com/opensource-finance/billscope/internal/cohort"
	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/opensource-finance/billscope/internal/explain"
	"github.com/opensource-finance/billscope/internal/metrics"
	"github.com/opensource-finance/billscope/internal/rules"
	"github.com/opensource-finance/billscope/internal/simulation"
	"github.com/opensource-finance/billscope/internal/velocity"
	"github.com/opensource-finance/billscope/internal/worker"
)

// Velocity scopes.
const (
	scopeDetect = "detect"
	scopeWhatIf = "whatif"
)

const (
	cacheHeader   = "X-Cache"
	comparePrefix = "compare:"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Anomalies *anomaly.Service
	Pipeline  *worker.Pipeline
	Simulator *simulation.Simulator
	Applier   *simulation.Applier
	Summaries *explain.Service
	Cohorts   *cohort.Service
	Rules     *rules.Engine

	// Limiter is nil when rate limiting is disabled.
	Limiter *velocity.Limiter

	// CompareCacheTTL of zero disables comparison caching.
	CompareCacheTTL time.Duration

	Version string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.Cache != nil {
		if err := h.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.Bus != nil {
		if err := h.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.Version,
	})
}

// Ready reports whether the store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// DetectRequest is the request body for POST /anomalies.
type DetectRequest struct {
	UserID string        `json:"userId"`
	Period domain.Period `json:"period"`
}

// DetectResponse is the response for POST /anomalies.
type DetectResponse struct {
	Anomalies      []*domain.AnomalyFinding `json:"anomalies"`
	TotalAnomalies int                      `json:"totalAnomalies"`
	Run            *domain.DetectionRun     `json:"run"`
}

// DetectAnomalies handles POST /anomalies.
func (h *Handler) DetectAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DetectRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Period.IsZero() {
		writeError(w, fmt.Errorf("%w: userId and period are required", domain.ErrInvalidInput))
		return
	}
	if !h.allow(w, r, scopeDetect, req.UserID) {
		return
	}

	run, findings, err := h.Pipeline.Run(ctx, worker.Request{
		UserID:  req.UserID,
		Period:  req.Period,
		TraceID: GetTraceID(ctx),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DetectResponse{
		Anomalies:      findings,
		TotalAnomalies: len(findings),
		Run:            run,
	})
}

// AnomalyHistory handles GET /anomalies/{id}/history, where id is the user.
func (h *Handler) AnomalyHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	periods, ok := periodsParam(w, r)
	if !ok {
		return
	}

	history, err := h.Anomalies.History(r.Context(), userID, periods)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  userID,
		"history": history,
	})
}

// AnomalySummary handles GET /anomalies/{id}/summary, where id is the user.
func (h *Handler) AnomalySummary(w http.ResponseWriter, r *http.Request) {
	periods, ok := periodsParam(w, r)
	if !ok {
		return
	}

	summary, err := h.Anomalies.Summary(r.Context(), chi.URLParam(r, "id"), periods)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// StatusRequest is the request body for PUT /anomalies/{id}/status.
type StatusRequest struct {
	Status domain.FindingStatus `json:"status"`
}

// UpdateAnomalyStatus handles PUT /anomalies/{id}/status.
func (h *Handler) UpdateAnomalyStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	req.Status = domain.FindingStatus(strings.ToUpper(string(req.Status)))

	finding, err := h.Repo.UpdateFindingStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("anomaly status updated",
		"anomaly_id", finding.ID,
		"status", finding.Status,
	)
	writeJSON(w, http.StatusOK, finding)
}

// WhatIfRequest is the request body for POST /whatif.
type WhatIfRequest struct {
	UserID   string          `json:"userId"`
	Period   domain.Period   `json:"period"`
	Scenario domain.Scenario `json:"scenario"`
}

// RunSimulation handles POST /whatif.
func (h *Handler) RunSimulation(w http.ResponseWriter, r *http.Request) {
	var req WhatIfRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Period.IsZero() {
		writeError(w, fmt.Errorf("%w: userId and period are required", domain.ErrInvalidInput))
		return
	}
	if !h.allow(w, r, scopeWhatIf, req.UserID) {
		return
	}

	result, err := h.Simulator.RunSimulation(r.Context(), req.UserID, req.Period, req.Scenario)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApplyScenario handles POST /whatif/apply. The applied configuration is
// announced on configuration.applied.
func (h *Handler) ApplyScenario(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req WhatIfRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Period.IsZero() {
		writeError(w, fmt.Errorf("%w: userId and period are required", domain.ErrInvalidInput))
		return
	}
	if !h.allow(w, r, scopeWhatIf, req.UserID) {
		return
	}

	res, err := h.Applier.Apply(ctx, req.UserID, req.Period, req.Scenario)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Bus != nil {
		if err := bus.PublishJSON(ctx, h.Bus, domain.TopicConfigurationApplied, res); err != nil {
			slog.Error("failed to publish configuration.applied",
				"order_id", res.OrderID,
				"error", err,
			)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

// CohortAnalysis handles GET /users/{userId}/cohort/{period}?months=N.
func (h *Handler) CohortAnalysis(w http.ResponseWriter, r *http.Request) {
	period, err := domain.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, err)
		return
	}

	months := 0
	if raw := r.URL.Query().Get("months"); raw != "" {
		months, err = strconv.Atoi(raw)
		if err != nil || months <= 0 {
			writeError(w, fmt.Errorf("%w: months must be a positive integer", domain.ErrInvalidInput))
			return
		}
	}

	analysis, err := h.Cohorts.Analyze(r.Context(), chi.URLParam(r, "userId"), period, months)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// CompareRequest is the request body for POST /whatif/compare.
type CompareRequest struct {
	UserID    string                 `json:"userId"`
	Period    domain.Period          `json:"period"`
	Scenarios []domain.NamedScenario `json:"scenarios,omitempty"`
}

func (req CompareRequest) cacheKey() string {
	var b strings.Builder
	b.WriteString(comparePrefix + req.UserID + ":" + req.Period.String())
	for _, ns := range req.Scenarios {
		b.WriteString(":" + ns.Name + "=" + ns.Scenario.Fingerprint())
	}
	return b.String()
}

// CompareScenarios handles POST /whatif/compare. Responses are cached for CompareCacheTTL.
func (h *Handler) CompareScenarios(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CompareRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Period.IsZero() {
		writeError(w, fmt.Errorf("%w: userId and period are required", domain.ErrInvalidInput))
		return
	}
	if !h.allow(w, r, scopeWhatIf, req.UserID) {
		return
	}

	caching := h.Cache != nil && h.CompareCacheTTL > 0
	key := req.cacheKey()
	if caching {
		var cached domain.ScenarioComparison
		hit, err := cache.GetJSON(ctx, h.Cache, key, &cached)
		if err != nil {
			slog.Warn("comparison cache read failed", "key", key, "error", err)
		}
		if hit {
			w.Header().Set(cacheHeader, "HIT")
			writeJSON(w, http.StatusOK, &cached)
			return
		}
	}

	cmp, err := h.Simulator.Compare(ctx, req.UserID, req.Period, req.Scenarios)
	if err != nil {
		writeError(w, err)
		return
	}

	if caching {
		if err := cache.SetJSON(ctx, h.Cache, key, cmp, h.CompareCacheTTL); err != nil {
			slog.Warn("comparison cache write failed", "key", key, "error", err)
		}
		w.Header().Set(cacheHeader, "MISS")
	}
	writeJSON(w, http.StatusOK, cmp)
}

// BillSummary handles GET /bills/{userId}/{period}/summary.
func (h *Handler) BillSummary(w http.ResponseWriter, r *http.Request) {
	period, err := domain.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, err)
		return
	}

	summary, err := h.Summaries.Summary(r.Context(), chi.URLParam(r, "userId"), period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// periodsParam reads the optional ?periods= query parameter.
func periodsParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("periods")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, fmt.Errorf("%w: periods must be a positive integer", domain.ErrInvalidInput))
		return 0, false
	}
	return n, true
}

// allow applies the per-user velocity limit. It writes 429 and returns false when exceeded.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, scope, userID string) bool {
	if h.Limiter == nil {
		return true
	}

	d, err := h.Limiter.Allow(r.Context(), scope, userID)
	if err != nil {
		// Fail open when the counter store is unreachable.
		slog.Warn("rate limiter unavailable", "scope", scope, "user_id", userID, "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if d.Allowed {
		return true
	}

	metrics.RateLimitedTotal.Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(h.Limiter.Window().Seconds())))
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error": fmt.Sprintf("rate limit of %d requests exceeded", d.Limit),
	})
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body: " + err.Error(),
		})
		return false
	}
	return true
}

// statusFor maps the domain error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidScenario), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
