// Billscope - Bill anomaly detection and what-if simulation for telecom subscribers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/billscope/internal/alerting"
	"github.com/opensource-finance/billscope/internal/anomaly"
	"github.com/opensource-finance/billscope/internal/api"
	"github.com/opensource-finance/billscope/internal/bus"
	"github.com/opensource-finance/billscope/internal/cache"
	"github.com/opensource-finance/billscope/internal/cohort"
	"github.com/opensource-finance/billscope/internal/config"
	"github.com/opensource-finance/billscope/internal/domain"
	"github.com/opensource-finance/billscope/internal/explain"
	"github.com/opensource-finance/billscope/internal/repository"
	"github.com/opensource-finance/billscope/internal/rules"
	"github.com/opensource-finance/billscope/internal/simulation"
	"github.com/opensource-finance/billscope/internal/velocity"
	"github.com/opensource-finance/billscope/internal/worker"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	// Money goes out as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	slog.Info("starting billscope",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine and load operator rules (configure via POST /rules)
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Detection and simulation engines
	detector := anomaly.NewDetector(cfg.Detection)
	anomalies := anomaly.NewService(repo, repo, detector, engine)
	processor := alerting.NewProcessor(cfg.Alerting)
	pipeline := worker.NewPipeline(anomalies, repo, processor, busImpl)
	simulator := simulation.NewSimulator(repo, repo, cfg.Simulation)
	slog.Info("engines initialized",
		"min_history", cfg.Detection.MinHistory,
		"alert_severity", processor.MinSeverity,
		"compare_top_n", cfg.Simulation.CompareTopN,
	)

	// Consume bill.issued when the async worker is enabled
	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, pipeline)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	deps := api.Deps{
		Repo:            repo,
		Cache:           cacheImpl,
		Bus:             busImpl,
		Anomalies:       anomalies,
		Pipeline:        pipeline,
		Simulator:       simulator,
		Applier:         simulation.NewApplier(simulator, repo),
		Summaries:       explain.NewService(repo),
		Cohorts:         cohort.NewService(repo, repo, cfg.Simulation.CompareWorkers),
		Rules:           engine,
		CompareCacheTTL: cfg.Server.CompareCacheTTL,
		Version:         Version,
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = velocity.NewLimiter(cacheImpl, cfg.RateLimit)
		slog.Info("rate limiting enabled",
			"requests", cfg.RateLimit.Requests,
			"window", cfg.RateLimit.Window.String(),
		)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, deps)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("billscope is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("billscope shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRulesFromDatabase loads the enabled stored rules into the engine.
// Rules are configured via the POST /rules API; there are no built-in defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.ReloadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                   BILLSCOPE")
	fmt.Println("      Bill anomaly detection and what-if")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /anomalies                      - Detect anomalies on a bill")
	fmt.Println("    GET  /anomalies/{userId}/history     - Anomalies over recent bills")
	fmt.Println("    GET  /anomalies/{userId}/summary     - Anomaly counts by type and severity")
	fmt.Println("    PUT  /anomalies/{id}/status          - Update an anomaly's status")
	fmt.Println("    POST /whatif                         - Simulate a scenario")
	fmt.Println("    POST /whatif/compare                 - Rank scenarios by saving")
	fmt.Println("    GET  /bills/{userId}/{period}/summary - Bill summary")
	fmt.Println("    POST /bills, POST /usage             - Ingest bills and usage")
	fmt.Println("    PUT  /catalog/{kind}/{id}            - Maintain the catalog")
	fmt.Println("    POST /rules, POST /rules/reload      - Manage finding rules")
	fmt.Println("    GET  /health, /ready, /metrics       - Health and metrics")
	fmt.Println()
}
