// Package app wires configuration into the two process roles: the parent
// worker (dispatch registration, proc pool, health and metrics endpoints)
// and the child job runtime (providers, room transport, voice session).
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/cadenza-ai/cadenza/internal/config"
	"github.com/cadenza-ai/cadenza/internal/health"
	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/internal/worker"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// App is the parent worker process.
type App struct {
	cfg     *config.Config
	worker  *worker.Worker
	metrics *observe.Metrics

	httpServer  *http.Server
	otelCleanup func(context.Context) error
}

// New builds the worker application from cfg.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	otelCleanup, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadenza",
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, err
	}
	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, err
	}

	w := worker.New(worker.Options{
		URL:       cfg.Worker.URL,
		APIKey:    os.Getenv("LIVEKIT_API_KEY"),
		APISecret: os.Getenv("LIVEKIT_API_SECRET"),
		AgentName: cfg.Worker.AgentName,
		Version:   Version,
		MaxJobs:   cfg.Worker.MaxJobs,
		Pool: worker.PoolOptions{
			NumIdleProcesses: cfg.Worker.NumIdleProcesses,
		},
	})

	a := &App{cfg: cfg, worker: w, metrics: met, otelCleanup: otelCleanup}

	if addr := cfg.Worker.HealthAddr; addr != "" {
		h := health.New(
			health.Checker{Name: "dispatch", Check: func(context.Context) error {
				if w.State() == worker.StateRegistering {
					return errors.New("not registered with dispatch server")
				}
				return nil
			}},
			health.Checker{Name: "pool", Check: func(context.Context) error {
				if w.WarmProcesses() == 0 {
					return errors.New("no warmed process available")
				}
				return nil
			}},
		)
		mux := http.NewServeMux()
		h.Register(mux)
		a.httpServer = &http.Server{Addr: addr, Handler: mux}
	}
	return a, nil
}

// Run serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.httpServer != nil {
		go func() {
			if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health endpoint failed", "err", err)
			}
		}()
	}
	go a.reportWorkerGauges(ctx)
	return a.worker.Run(ctx)
}

// reportWorkerGauges keeps the pool gauges current by applying deltas
// against the last reported values.
func (a *App) reportWorkerGauges(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var prevActive, prevWarm int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := a.worker.ActiveJobs()
			warm := a.worker.WarmProcesses()
			if d := active - prevActive; d != 0 {
				a.metrics.ActiveJobs.Add(ctx, int64(d))
			}
			if d := warm - prevWarm; d != 0 {
				a.metrics.WarmProcesses.Add(ctx, int64(d))
			}
			prevActive, prevWarm = active, warm
		}
	}
}

// Shutdown drains running jobs, then closes the worker and endpoints.
func (a *App) Shutdown(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.Worker.DrainTimeout)
	defer cancel()
	if err := a.worker.Drain(drainCtx); err != nil {
		slog.Warn("drain incomplete", "err", err)
	}

	var errs []error
	if err := a.worker.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.otelCleanup != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelCleanup(flushCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
