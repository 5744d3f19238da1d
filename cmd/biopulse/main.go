// Command biopulse runs the biometric estimation pipeline: it reads audio
// from the configured source, publishes samples over websocket, records them
// to the history store, and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/biopulse/internal/app"
	"github.com/MrWong99/biopulse/internal/config"
	"github.com/MrWong99/biopulse/internal/health"
	"github.com/MrWong99/biopulse/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", 5*time.Second, "config file poll interval (0 disables hot reload)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "biopulse: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "biopulse: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levels := new(slog.LevelVar)
	levels.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels})))

	slog.Info("biopulse starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.Meters)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg,
		app.WithLevelVar(levels),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })

	if *watchInterval > 0 {
		watcher, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithInterval(*watchInterval))
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			application.AddCheck(health.Checker{Name: "config", Check: watcher.Check, Optional: true})
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

func printStartupSummary(cfg *config.Config) {
	history := "memory"
	if cfg.History.PostgresDSN != "" {
		history = "postgres"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        biopulse startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Source          : %-19s ║\n", cfg.Source.Name)
	fmt.Printf("║  Sample rate     : %-19d ║\n", cfg.Source.SampleRate)
	fmt.Printf("║  Frame size      : %-19d ║\n", cfg.Source.FrameSize)
	fmt.Printf("║  Tick interval   : %-19s ║\n", cfg.Loop.Interval)
	fmt.Printf("║  History         : %-19s ║\n", history)
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}
