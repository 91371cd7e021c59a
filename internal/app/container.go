// Package app wires configuration, infrastructure and services together.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/internal/config"
	"github.com/acme/lead-call-orchestrator/internal/domain"
	"github.com/acme/lead-call-orchestrator/internal/infra/db"
	"github.com/acme/lead-call-orchestrator/internal/infra/redis"
	"github.com/acme/lead-call-orchestrator/internal/queue"
	"github.com/acme/lead-call-orchestrator/internal/repository"
	scyllarepo "github.com/acme/lead-call-orchestrator/internal/repository/scylla"
	"github.com/acme/lead-call-orchestrator/internal/repository/sqlstore"
	"github.com/acme/lead-call-orchestrator/internal/scheduler"
	"github.com/acme/lead-call-orchestrator/internal/service/concurrency"
	credsvc "github.com/acme/lead-call-orchestrator/internal/service/credentials"
	leadsvc "github.com/acme/lead-call-orchestrator/internal/service/lead"
	"github.com/acme/lead-call-orchestrator/internal/service/orchestrator"
	scrapesvc "github.com/acme/lead-call-orchestrator/internal/service/scrape"
	"github.com/acme/lead-call-orchestrator/internal/telephony"
	scrapeworker "github.com/acme/lead-call-orchestrator/internal/worker/scrape"
	apperrors "github.com/acme/lead-call-orchestrator/pkg/errors"
	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// Container wires together shared infrastructure dependencies. Scylla,
// Redis and Kafka are optional and nil when not configured.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	SQL    *db.SQL
	Scylla *db.Scylla
	Redis  *redis.Client
	Kafka  *queue.Kafka

	Registry *telephony.Registry
	Pool     *ants.Pool

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *Repositories
		services     *Services
		publishers   *publishers
		providers    *ProviderFactory
	}
}

// Repositories are the storage adapters.
type Repositories struct {
	Leads       repository.LeadRepository
	Attempts    repository.AttemptRepository
	Transcripts repository.TranscriptStore
	Credentials repository.CredentialRepository
}

// Services are the application services.
type Services struct {
	Credentials  *credsvc.Service
	Orchestrator *orchestrator.Service
	Leads        *leadsvc.Service
	Scrape       *scrapesvc.Coordinator
}

type publishers struct {
	Events *queue.EventPublisher
	Scrape *queue.ScrapeDispatcher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := sqlstore.Migrate(ctx, sqlDB.DB()); err != nil {
			_ = sqlDB.Close(ctx)
			return nil, fmt.Errorf("bootstrap database: %w", err)
		}
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		SQL:      sqlDB,
		Registry: telephony.NewRegistry(),
	}

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
		container.Scylla = scylla
	}

	if cfg.Redis.Address != "" {
		redisClient, err := redis.NewClient(ctx, cfg.Redis, cfg.App.Name)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		container.Redis = redisClient
	}

	if cfg.Kafka.Enabled() {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap kafka: %w", err)
		}
		container.Kafka = kafka
	}

	poolLogger := lg.Named("pool")
	pool, err := ants.NewPool(cfg.Orchestrator.WorkerPoolSize,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			poolLogger.Error("task panicked", zap.Any("panic", p), zap.Stack("stack"))
		}))
	if err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap worker pool: %w", err)
	}
	container.Pool = pool

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		zl := c.Logger.Logger
		sqlDB := c.SQL.DB()

		repos := &Repositories{
			Leads:       sqlstore.NewLeadRepository(sqlDB),
			Attempts:    sqlstore.NewAttemptRepository(sqlDB),
			Transcripts: sqlstore.NewTranscriptRepository(sqlDB),
			Credentials: sqlstore.NewCredentialRepository(sqlDB),
		}
		if c.Scylla != nil {
			repos.Transcripts = scyllarepo.NewTranscriptStore(c.Scylla.Session())
		}

		pubs := &publishers{}
		var events orchestrator.EventPublisher = queue.NopPublisher{}
		var scrapeDispatcher scrapesvc.Dispatcher
		if c.Kafka != nil {
			pubs.Events = queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventTopic)
			pubs.Scrape = queue.NewScrapeDispatcher(c.Kafka, c.Config.Kafka.ScrapeTopic)
			events = pubs.Events
			scrapeDispatcher = pubs.Scrape
		}

		var limiter orchestrator.SlotLimiter
		if c.Redis != nil {
			limiter = concurrency.NewLimiter(c.Redis.Redis(), c.Config.App.Name, c.Config.Throttle.SlotTTL)
		}

		providers := NewProviderFactory(c.Config, c.Registry, zl)
		creds := credsvc.NewService(repos.Credentials, c.Config.Providers.Credentials, c.Config.HTTP.ExposeSecrets, zl)

		orch := orchestrator.NewService(orchestrator.Dependencies{
			Leads:       repos.Leads,
			Attempts:    repos.Attempts,
			Transcripts: repos.Transcripts,
			Credentials: creds,
			Providers:   providers,
			Pool:        c.Pool,
			Registry:    c.Registry,
			Limiter:     limiter,
			Events:      events,
			Logger:      zl,
		}, orchestrator.Options{
			ScriptTimeout: c.Config.Orchestrator.ScriptTimeout,
			RingTimeout:   c.Config.Orchestrator.RingTimeout,
			WrapTimeout:   c.Config.Orchestrator.WrapTimeout,
			DefaultScript: c.Config.Orchestrator.DefaultScript,
			Retry:         retryPolicy(c.Config.Retry),
			MaxInFlight:   c.Config.Throttle.MaxInFlightCalls,
			SlotWait:      c.Config.Throttle.SlotWait,
			SlotKey:       concurrency.InFlightKey,
		})

		svcs := &Services{
			Credentials:  creds,
			Orchestrator: orch,
			Leads:        leadsvc.NewService(repos.Leads, orch),
			Scrape: scrapesvc.NewCoordinator(scrapesvc.Options{
				Leads:        repos.Leads,
				Sources:      providers.ScrapeSources(),
				Dispatcher:   scrapeDispatcher,
				Pool:         c.Pool,
				DefaultLimit: c.Config.Scrape.DefaultLimit,
				Logger:       zl,
			}),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.providers = providers
		c.components.services = svcs
	})
}

func retryPolicy(cfg config.RetryConfig) domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
	}
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *Repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *Services {
	c.initComponents()
	return c.components.services
}

// Providers exposes the provider factory.
func (c *Container) Providers() *ProviderFactory {
	c.initComponents()
	return c.components.providers
}

// Scheduler builds the lead dialing scheduler.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	opts, err := scheduler.OptionsFromConfig(c.Config.Scheduler)
	if err != nil {
		return nil, err
	}
	repos := c.Repositories()
	return scheduler.New(repos.Leads, repos.Attempts, c.Services().Orchestrator, opts, c.Logger.Logger), nil
}

// ScrapeWorker builds the Kafka consumer that runs queued scrape jobs.
func (c *Container) ScrapeWorker() (*scrapeworker.Worker, error) {
	if c.Kafka == nil {
		return nil, fmt.Errorf("scrape worker: kafka is not configured: %w", apperrors.ErrUnavailable)
	}
	reader := c.Kafka.NewReader(c.Config.Kafka.ScrapeTopic, c.Config.Kafka.ConsumerGroupID)
	return scrapeworker.New(reader, c.Services().Scrape, c.Logger.Logger), nil
}

// EnsureSchema creates optional stores' schema where configured.
func (c *Container) EnsureSchema(ctx context.Context) error {
	c.initComponents()
	if store, ok := c.components.repositories.Transcripts.(*scyllarepo.TranscriptStore); ok && c.Config.Scylla.InitSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist. A no-op without brokers.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	return c.Kafka.EnsureTopics(ctx, 1)
}

// Health pings every configured dependency. Missing optional dependencies
// are reported as "disabled".
func (c *Container) Health(ctx context.Context) (map[string]string, bool) {
	status := map[string]string{}
	healthy := true
	check := func(name string, err error) {
		if err != nil {
			status[name] = err.Error()
			healthy = false
			return
		}
		status[name] = "ok"
	}

	check("database", c.SQL.DB().PingContext(ctx))
	if c.Scylla != nil {
		check("scylla", c.Scylla.Ping(ctx))
	} else {
		status["scylla"] = "disabled"
	}
	if c.Redis != nil {
		check("redis", c.Redis.Ping(ctx))
	} else {
		status["redis"] = "disabled"
	}
	if c.Kafka != nil {
		check("kafka", c.Kafka.Ping(ctx))
	} else {
		status["kafka"] = "disabled"
	}
	return status, healthy
}

// Shutdown stops running calls and waits for them to commit.
func (c *Container) Shutdown(ctx context.Context) error {
	if c.components.services == nil {
		return nil
	}
	return c.components.services.Orchestrator.Shutdown(ctx)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Events != nil {
			if err := p.Events.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event publisher close: %w", err))
			}
		}
		if p.Scrape != nil {
			if err := p.Scrape.Close(); err != nil {
				errs = append(errs, fmt.Errorf("scrape dispatcher close: %w", err))
			}
		}
	}
	if c.Pool != nil {
		c.Pool.Release()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.SQL != nil {
		if err := c.SQL.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
