// Provenance - Anomaly scoring for tracked supply-chain items.
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
	"syscall"
	"time"

	"github.com/opensource-finance/provenance/internal/analyzer"
	"github.com/opensource-finance/provenance/internal/api"
	"github.com/opensource-finance/provenance/internal/bus"
	"github.com/opensource-finance/provenance/internal/cache"
	"github.com/opensource-finance/provenance/internal/config"
	"github.com/opensource-finance/provenance/internal/decision"
	"github.com/opensource-finance/provenance/internal/domain"
	"github.com/opensource-finance/provenance/internal/ledger"
	"github.com/opensource-finance/provenance/internal/metrics"
	"github.com/opensource-finance/provenance/internal/repository"
	"github.com/opensource-finance/provenance/internal/rules"
	"github.com/opensource-finance/provenance/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting provenance",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"risk_threshold", cfg.Engine.RiskThreshold,
		"time_gap_warning", cfg.Engine.TimeGapWarning,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine(rules.Options{
		TimeGapWarning: cfg.Engine.TimeGapWarning,
	})
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized",
		"detectors", engine.DetectorCount(),
		"custom_rules", engine.RulesCount(),
	)

	processor := decision.NewProcessor()
	processor.RiskThreshold = cfg.Engine.RiskThreshold

	riskAnalyzer := analyzer.New(engine, processor, ledger.New(),
		analyzer.WithRepository(repo),
		analyzer.WithCache(cacheImpl),
	)

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, riskAnalyzer)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, riskAnalyzer, repo, cacheImpl, Version)
	if asyncWorker != nil {
		srv.SetWorker(asyncWorker)
	}

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("provenance is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

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

	slog.Info("provenance shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRulesFromDatabase loads stored expression rules into the engine.
// A listing failure starts the engine with the builtin detectors only.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(stored) > 0 {
		slog.Info("loading rules from database", "count", len(stored))
		return engine.LoadRules(stored)
	}

	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  PROVENANCE - anomaly detection for tracked items")
	fmt.Println()
	fmt.Printf("  Version:         %s\n", version)
	fmt.Printf("  Tier:            %s\n", cfg.Tier)
	fmt.Printf("  Server:          http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Risk threshold:  %d\n", cfg.Engine.RiskThreshold)
	fmt.Printf("  Time gap warning: %ds\n", cfg.Engine.TimeGapWarning)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /api/analyze-risk                 - Score an item history")
	fmt.Println("    GET  /api/flagged-products             - List flagged items")
	fmt.Println("    GET  /api/supplier-analytics/{address} - Participant analytics")
	fmt.Println("    POST /api/clear-cache                  - Reset analytics and flags")
	fmt.Println("    GET  /api/evaluations/{id}             - Get evaluation by ID")
	fmt.Println("    GET  /api/products/{id}/evaluations    - Evaluation history of an item")
	fmt.Println("    GET  /api/rules                        - List custom rules")
	fmt.Println("    POST /api/rules                        - Create a custom rule")
	fmt.Println("    POST /api/rules/reload                 - Hot-reload rules from database")
	fmt.Println("    GET  /health                           - Health check")
	fmt.Println("    GET  /metrics                          - Prometheus metrics")
	fmt.Println()
}
