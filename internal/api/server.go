package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and metrics
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// Anomaly detection
	router.Post("/anomalies", handler.DetectAnomalies)
	router.Route("/anomalies/{id}", func(r chi.Router) {
		r.Get("/history", handler.AnomalyHistory)
		r.Get("/summary", handler.AnomalySummary)
		r.Put("/status", handler.UpdateAnomalyStatus)
	})

	// What-if simulation
	router.Post("/whatif", handler.RunSimulation)
	router.Post("/whatif/compare", handler.CompareScenarios)
	router.Post("/whatif/apply", handler.ApplyScenario)

	// Ingestion
	router.Post("/bills", handler.IngestBill)
	router.Get("/bills/{userId}/{period}/summary", handler.BillSummary)
	router.Post("/usage", handler.IngestUsage)
	router.Get("/catalog/{kind}", handler.ListCatalog)
	router.Put("/catalog/{kind}/{id}", handler.PutCatalogEntry)
	router.Get("/users/{userId}/configuration", handler.GetUserConfiguration)
	router.Put("/users/{userId}/configuration", handler.PutUserConfiguration)
	router.Get("/users/{userId}/cohort/{period}", handler.CohortAnalysis)

	// Rule management
	router.Get("/rules", handler.ListRules)
	router.Get("/rules/{id}", handler.GetRule)
	router.Post("/rules", handler.CreateRule)
	router.Post("/rules/reload", handler.ReloadRules)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
