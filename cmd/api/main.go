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
	"github.com/sourcegraph/conc"

	"github.com/jwalitptl/bulk-mail/config"
	"github.com/jwalitptl/bulk-mail/internal/app"
	audienceHandler "github.com/jwalitptl/bulk-mail/internal/handler/audience"
	campaignHandler "github.com/jwalitptl/bulk-mail/internal/handler/campaign"
	eventHandler "github.com/jwalitptl/bulk-mail/internal/handler/event"
	"github.com/jwalitptl/bulk-mail/internal/handler/health"
	"github.com/jwalitptl/bulk-mail/internal/handler/prometheus"
	"github.com/jwalitptl/bulk-mail/internal/handler/tracking"
	"github.com/jwalitptl/bulk-mail/internal/router"
	audienceService "github.com/jwalitptl/bulk-mail/internal/service/audience"
	campaignService "github.com/jwalitptl/bulk-mail/internal/service/campaign"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to config.yaml")
	withWorkers := flag.Bool("workers", true, "also run the dispatch poller, scheduler and event consumer")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	l := logger.NewLogger(cfg.Logging.ToLoggerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		l.Fatal(err, "failed to initialize")
	}
	defer a.Close()

	// Services
	campaignSvc := campaignService.NewService(a.Repos.Campaigns, a.Repos.Recipients, a.Repos.Templates, a.Engine, l)
	audienceSvc := audienceService.NewService(a.Repos.Recipients, a.Repos.Groups, a.Repos.Templates, l)

	// Handlers
	handlers := router.Handlers{
		Health: health.NewHandler(a.Checks()),
		Public: []router.Handler{
			eventHandler.NewHandler(a.Engine, l),
			tracking.NewHandler(a.Signer, audienceSvc, a.Engine, cfg.Unsubscribe.ToTrackingConfig(), l),
		},
		Protected: []router.Handler{
			campaignHandler.NewHandler(campaignSvc),
			audienceHandler.NewHandler(audienceSvc, a.Renderer),
		},
	}
	if cfg.Monitoring.PrometheusEnabled {
		if handlers.Metrics, err = prometheus.New(a.Metrics); err != nil {
			l.Fatal(err, "failed to register metrics")
		}
	}

	r, err := router.NewRouter(handlers, cfg.ToRouterConfig(), l)
	if err != nil {
		l.Fatal(err, "failed to build router")
	}
	r.Setup()

	srv := &http.Server{
		Addr:           cfg.Server.Addr(),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	var wg conc.WaitGroup
	if *withWorkers {
		wg.Go(func() {
			if err := a.RunBackground(ctx); err != nil {
				l.Error(err, "background work failed")
			}
		})
	}

	go func() {
		l.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error(err, "server failed")
			stop()
		}
	}()

	<-ctx.Done()
	l.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error(err, "server forced to shutdown")
	}
	wg.Wait()

	l.Info("server exited properly")
}
