// Harrier - Portfolio risk and urgency scoring for field officers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/push"
	"github.com/opensource-finance/harrier/internal/recalc"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/weights"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default: ./harrier.yaml if present)")
	flag.Parse()

	// .env is optional; real environment variables win.
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		slog.Warn("failed to read .env file", "error", envErr)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"recalc_workers", cfg.Recalc.Workers,
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

	// Weights, progress tracking and the batch job
	store := weights.NewStore(repo, cacheImpl, busImpl, cfg.Cache.WeightsTTL)
	tracker := recalc.NewTracker(cache.Shared(cacheImpl), cfg.Recalc.StatusTTL)
	job := recalc.NewJob(repo, store, busImpl, tracker, cfg.Recalc)

	validator, err := rules.NewValidator()
	if err != nil {
		slog.Error("failed to initialize weight validator", "error", err)
		os.Exit(1)
	}
	slog.Info("weight validator initialized", "rules_count", validator.RulesCount())

	// Push channel for connected observers
	hub := push.NewHub(cfg.Push)
	relay := push.NewRelay(hub, busImpl)
	for _, scope := range cfg.Recalc.Scopes {
		if err := store.Watch(ctx, scope); err != nil {
			slog.Error("failed to watch weight changes", "scope", scope, "error", err)
		}
		if err := relay.Watch(ctx, scope); err != nil {
			slog.Error("failed to relay weight updates", "scope", scope, "error", err)
		}
	}

	deps := api.Dependencies{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Weights:   store,
		Job:       job,
		Validator: validator,
		Hub:       hub,
		Relay:     relay,
	}

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Recalc.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, job)
		if err := asyncWorker.Start(cfg.Recalc.Scopes); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			deps.Worker = asyncWorker
			slog.Info("async worker started", "scope_count", len(cfg.Recalc.Scopes))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, deps, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop triggering new runs before stopping the running one
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	if job.Cancel() {
		slog.Info("cancelled running recalculation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	relay.Close()
	hub.Close()
	store.Close()

	slog.Info("harrier shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("HARRIER_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               HARRIER                     ║")
	fmt.Println("  ║     Portfolio Risk & Urgency Scoring      ║")
	fmt.Println("  ║      Visit the right client first.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints (X-Portfolio-Scope header required):")
	fmt.Println("    GET  /weights                   - Current weight configuration")
	fmt.Println("    PUT  /weights                   - Replace weights and recalculate")
	fmt.Println("    POST /weights/validate          - Check weights without saving")
	fmt.Println("    POST /recalculate               - Start a batch recalculation")
	fmt.Println("    GET  /recalculate/status        - Recalculation progress")
	fmt.Println("    POST /recalculate/cancel        - Stop the running recalculation")
	fmt.Println("    GET  /clients                   - Clients with stored scores")
	fmt.Println("    PUT  /clients/{id}              - Store and score a client")
	fmt.Println("    GET  /clients/{id}/assessment   - Score a client on demand")
	fmt.Println("    POST /assess                    - Preview an assessment")
	fmt.Println("    GET  /ws                        - Live weight updates")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println("    GET  /metrics                   - Prometheus metrics")
	fmt.Println()
}
