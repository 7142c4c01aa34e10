// coordinator is a long-running process exposing only /healthz and
// /metrics — ambient operability, never the excluded business API
// (spec.md §1 places the HTTP/SSE job-management surface on an external
// Gateway). It keeps its own connection to the Catalog registry warm so
// the health check has real propagator state to ping; cmd/propagate is
// the process that actually submits jobs against that same catalog.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schemafleet/propagator/config"
	"github.com/schemafleet/propagator/internal/catalog"
	"github.com/schemafleet/propagator/internal/health"
	"github.com/schemafleet/propagator/internal/logctx"
	"github.com/schemafleet/propagator/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	registry, err := catalog.NewRegistry(ctx, cfg.CatalogDSN, cfg.DefaultMaxConcurrency)
	if err != nil {
		stop()
		log.Fatalf("catalog: %v", err)
	}
	defer registry.Close()

	metrics.Register()
	metrics.ProcessStartTime.SetToCurrentTime()
	checker := health.NewChecker(registry, registry, logger, prometheus.DefaultRegisterer)

	srv := metrics.NewServer(":"+cfg.MetricsPort, func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	go func() {
		logger.Info("coordinator listening", "port", cfg.MetricsPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("coordinator server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown", "error", err)
	}
	logger.Info("coordinator shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(logctx.NewContextHandler(inner))
}
