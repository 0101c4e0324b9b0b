package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/bulk-mail/config"
	"github.com/jwalitptl/bulk-mail/internal/app"
	"github.com/jwalitptl/bulk-mail/internal/handler/health"
	"github.com/jwalitptl/bulk-mail/internal/handler/prometheus"
	"github.com/jwalitptl/bulk-mail/internal/router"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

// setupHealthCheck serves liveness, readiness and metrics for the worker.
func setupHealthCheck(a *app.App, addr string, l *logger.Logger) (*http.Server, error) {
	handlers := router.Handlers{Health: health.NewHandler(a.Checks())}
	if a.Config.Monitoring.PrometheusEnabled {
		h, err := prometheus.New(a.Metrics)
		if err != nil {
			return nil, err
		}
		handlers.Metrics = h
	}

	rc := a.Config.ToRouterConfig()
	rc.RateLimit = 0
	r, err := router.NewRouter(handlers, rc, l)
	if err != nil {
		return nil, err
	}
	r.Setup()
	return &http.Server{Addr: addr, Handler: r.Engine()}, nil
}

func main() {
	configFile := flag.String("config", "", "path to config.yaml")
	healthAddr := flag.String("health-addr", ":8081", "listen address for health checks and metrics")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	l := logger.NewLogger(cfg.Logging.ToLoggerConfig()).WithFields(map[string]interface{}{"component": "worker"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		l.Fatal(err, "failed to initialize")
	}
	defer a.Close()

	srv, err := setupHealthCheck(a, *healthAddr, l)
	if err != nil {
		l.Fatal(err, "failed to set up health server")
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error(err, "health check server failed")
		}
	}()

	l.Info("worker started", "dispatch", cfg.Dispatch.Enabled, "scheduler", cfg.Scheduler.Enabled, "consume", cfg.Broker.Consume)
	if err := a.RunBackground(ctx); err != nil {
		l.Error(err, "background work failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "health server forced to shutdown")
	}
	l.Info("worker stopped")
}
