// Package app wires infrastructure from configuration. Both binaries build
// one App and decide which background loops to run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sourcegraph/conc"

	"github.com/jwalitptl/bulk-mail/config"
	"github.com/jwalitptl/bulk-mail/internal/dispatch"
	"github.com/jwalitptl/bulk-mail/internal/handler/health"
	"github.com/jwalitptl/bulk-mail/internal/repository"
	"github.com/jwalitptl/bulk-mail/internal/repository/memory"
	"github.com/jwalitptl/bulk-mail/internal/repository/postgres"
	"github.com/jwalitptl/bulk-mail/internal/template"
	"github.com/jwalitptl/bulk-mail/internal/unsubscribe"
	"github.com/jwalitptl/bulk-mail/internal/worker"
	"github.com/jwalitptl/bulk-mail/pkg/kvstore"
	"github.com/jwalitptl/bulk-mail/pkg/logger"
	"github.com/jwalitptl/bulk-mail/pkg/mailer"
	"github.com/jwalitptl/bulk-mail/pkg/messaging"
	amqpbroker "github.com/jwalitptl/bulk-mail/pkg/messaging/amqp"
	redisbroker "github.com/jwalitptl/bulk-mail/pkg/messaging/redis"
	"github.com/jwalitptl/bulk-mail/pkg/metrics"
)

const templateCacheTTL = 5 * time.Minute

type Repositories struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Groups     repository.GroupRepository
	Events     repository.MailEventRepository
	Templates  repository.TemplateRepository
}

type App struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	// DB is nil with the memory driver.
	DB        *sqlx.DB
	Repos     Repositories
	KV        kvstore.Store
	Broker    messaging.Broker
	Transport mailer.Transport
	Signer    *unsubscribe.Signer
	Renderer  *template.Renderer
	Engine    *dispatch.Engine

	closers []io.Closer
}

// New connects every configured backend. On error anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (a *App, err error) {
	a = &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(cfg.Monitoring.Namespace),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if err = a.openRepositories(ctx); err != nil {
		return
	}
	if err = a.openKV(ctx); err != nil {
		return
	}
	if err = a.openBroker(ctx); err != nil {
		return
	}

	switch cfg.Mail.Driver {
	case config.DriverSMTP:
		a.Transport = mailer.NewSMTPTransport(cfg.Mail.ToSMTPConfig())
	default:
		a.Transport = mailer.NewLogTransport(log)
	}

	if a.Signer, err = unsubscribe.NewSigner(cfg.Unsubscribe.ToSignerConfig()); err != nil {
		return
	}
	a.Renderer = template.NewRenderer(a.Repos.Templates, templateCacheTTL)

	deps := dispatch.Deps{
		Campaigns:  a.Repos.Campaigns,
		Recipients: a.Repos.Recipients,
		Events:     a.Repos.Events,
		KV:         a.KV,
		Transport:  a.Transport,
		Renderer:   a.Renderer,
		Links:      a.Signer,
		Logger:     log,
		Metrics:    a.Metrics,
	}
	// Assigning a nil Broker would leave a non-nil Publisher interface.
	if a.Broker != nil {
		deps.Publisher = a.Broker
	}
	a.Engine = dispatch.NewEngine(cfg.ToEngineConfig(), deps)
	return a, nil
}

func (a *App) openRepositories(ctx context.Context) error {
	if a.Config.Database.Driver == config.DriverMemory {
		store := memory.NewStore()
		a.Repos = Repositories{
			Campaigns:  store.Campaigns(),
			Recipients: store.Recipients(),
			Groups:     store.Groups(),
			Events:     store.MailEvents(),
			Templates:  store.Templates(),
		}
		a.Logger.Warn("using in-memory repositories; data is lost on restart")
		return nil
	}

	db, err := postgres.NewDB(ctx, a.Config.Database.ToDBConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db)
	if a.Config.Database.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	base := postgres.NewBaseRepository(db)
	a.Repos = Repositories{
		Campaigns:  postgres.NewCampaignRepository(base),
		Recipients: postgres.NewRecipientRepository(base),
		Groups:     postgres.NewGroupRepository(base),
		Events:     postgres.NewMailEventRepository(base),
		Templates:  postgres.NewTemplateRepository(base),
	}
	return nil
}

func (a *App) openKV(ctx context.Context) error {
	if a.Config.KV.Driver == config.DriverMemory {
		store := kvstore.NewMemoryStore(a.Config.KV.CleanupInterval)
		a.KV = store
		a.closers = append(a.closers, store)
		return nil
	}
	store, err := kvstore.NewRedisStore(ctx, a.Config.Redis.ToKVConfig(), a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.KV = store
	a.closers = append(a.closers, store)
	return nil
}

func (a *App) openBroker(ctx context.Context) error {
	var (
		broker messaging.Broker
		err    error
	)
	switch a.Config.Broker.Driver {
	case config.DriverRedis:
		broker, err = redisbroker.NewRedisBroker(ctx, a.Config.ToBrokerConfig(), a.Logger)
	case config.DriverAMQP:
		broker, err = amqpbroker.NewBroker(a.Config.Broker.ToAMQPConfig(), a.Logger)
	case config.DriverMemory:
		broker = messaging.NewMemoryBroker(0)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s broker: %w", a.Config.Broker.Driver, err)
	}
	a.Broker = broker
	a.closers = append(a.closers, broker)
	return nil
}

// Checks are the readiness probes for the configured backends.
func (a *App) Checks() map[string]health.Check {
	checks := map[string]health.Check{
		"kv": health.KVCheck(a.KV),
	}
	if a.DB != nil {
		checks["database"] = health.DBCheck(a.DB)
	}
	return checks
}

// RunBackground starts the dispatch poller, the cron scheduler and the
// delivery event consumer, as enabled, and blocks until ctx is done and
// all of them have stopped.
func (a *App) RunBackground(ctx context.Context) error {
	var wg conc.WaitGroup

	if a.Config.Dispatch.Enabled {
		a.Engine.Start(ctx)
	}

	var scheduler *worker.Scheduler
	if a.Config.Scheduler.Enabled {
		scheduler = worker.NewScheduler(
			a.Config.Scheduler.ToWorkerConfig(a.Config.Dispatch.LockTTL),
			a.Repos.Campaigns,
			a.Engine,
			a.KV,
			a.Engine.Keys(),
			a.Logger,
			a.Metrics,
		)
		if err := scheduler.Start(ctx); err != nil {
			a.Engine.Stop()
			return err
		}
	}

	var consumeErr error
	if a.Config.Broker.Consume && a.Broker != nil {
		consumer := worker.NewEventConsumer(a.Broker, a.Engine, a.Config.Broker.ToConsumerConfig(), a.Logger, a.Metrics)
		wg.Go(func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error(err, "event consumer stopped")
				consumeErr = err
			}
		})
	}

	<-ctx.Done()
	if scheduler != nil {
		scheduler.Stop()
	}
	a.Engine.Stop()
	wg.Wait()
	return consumeErr
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Error(err, "failed to close resource")
		}
	}
	a.closers = nil
}
