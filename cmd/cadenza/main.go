// Command cadenza runs the voice-agent worker. The same binary serves two
// roles: started normally it registers with the dispatch server and keeps a
// pool of warmed children; re-executed with the IPC child marker it runs a
// single supervised job over stdio.
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

	"github.com/joho/godotenv"

	"github.com/cadenza-ai/cadenza/internal/app"
	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/ipc"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "cadenza.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", "", "path to an optional .env file")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "cadenza: load env file %q: %v\n", *envPath, err)
			return 1
		}
	} else {
		// Best effort: a .env in the working directory, if present.
		_ = godotenv.Load()
	}

	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Worker.LogLevel)
	slog.SetDefault(logger)

	// ── Child role ────────────────────────────────────────────────────────────
	// A child process talks the supervised IPC protocol on stdio; its logs go
	// to stderr so stdout stays a clean message pipe.
	if os.Getenv(ipc.ChildEnvVar) != "" {
		return runChild(cfg)
	}

	slog.Info("cadenza worker starting",
		"config", *configPath,
		"agent", cfg.Worker.AgentName,
		"dispatch_url", cfg.Worker.URL,
		"idle_processes", cfg.Worker.NumIdleProcesses,
	)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("worker ready — press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout+15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, draining…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func runChild(cfg *config.Config) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if err := app.RunChild(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("child exited with error", "err", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger; children always log to stderr.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
