package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/audit-relay/config"
	"github.com/upb/audit-relay/internal/clock"
	"github.com/upb/audit-relay/internal/observability"
	"github.com/upb/audit-relay/internal/scheduler"
	"github.com/upb/audit-relay/repositories"
	"github.com/upb/audit-relay/repositories/postgres"
	"github.com/upb/audit-relay/repositories/postgres/migrate"
	"github.com/upb/audit-relay/services/poller"
	"github.com/upb/audit-relay/services/relay"
	"github.com/upb/audit-relay/services/session"
	"github.com/upb/audit-relay/services/sink"
	"github.com/upb/audit-relay/services/sink/discord"
	"github.com/upb/audit-relay/services/sink/kafka"
	"github.com/upb/audit-relay/services/upstream/vrchat"
	"go.uber.org/zap"
)

// snapshotName keys the credential row in session_snapshots
const snapshotName = "vrchat"

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	DB      *postgres.DB
	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	AuditEvents repositories.AuditEventRepository
	Credentials repositories.CredentialRepository
	TxManager   repositories.TransactionManager

	// Pipeline services
	Upstream *vrchat.Client
	Session  *session.Manager
	Sink     sink.Sink
	Poller   *poller.Service
	Relay    *relay.Worker

	pollLoop    *scheduler.Loop
	relayLoop   *scheduler.Loop
	refreshLoop *scheduler.Loop
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		Clock:  clock.Real(),
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initRepositories(cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := deps.initMetrics(ctx, cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	deps.initUpstream(cfg)

	if err := deps.initSink(cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize sink: %w", err)
	}

	deps.initServices(cfg)

	if err := deps.initLoops(cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize loops: %w", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("sink", deps.Sink.Name()),
		zap.String("group_id", cfg.Upstream.GroupID))
	return deps, nil
}

// initDatabase opens the pool and, when enabled, applies pending migrations
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.AutoMigrate {
		if err := migrate.Run(cfg.Database.MigrationURL(), migrate.DirectionUp); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		d.Logger.Info("database migrations applied")
	}

	factory, err := postgres.NewRepositoryFactory(cfg.Database, d.Logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.HealthCheck(ctx); err != nil {
		return err
	}
	return nil
}

// initRepositories initializes the ledger and the credential snapshot store
func (d *Dependencies) initRepositories(cfg *config.Config) error {
	repos := d.RepoFactory.NewRepositories(snapshotName)

	d.AuditEvents = repos.AuditEvents
	d.TxManager = d.RepoFactory.GetTransactionManager()

	switch cfg.Session.SnapshotStore {
	case "postgres":
		d.Credentials = repos.Credentials
	case "file":
		store, err := session.NewFileStore(cfg.Session.SnapshotPath, cfg.Session.SnapshotPassphrase)
		if err != nil {
			return err
		}
		d.Credentials = store
	case "none":
		d.Credentials = nil
	default:
		return fmt.Errorf("unknown snapshot store %q", cfg.Session.SnapshotStore)
	}

	d.Logger.Info("repositories initialized",
		zap.String("snapshot_store", cfg.Session.SnapshotStore))
	return nil
}

// initMetrics builds the meter and exposes the ledger backlog as a gauge
func (d *Dependencies) initMetrics(ctx context.Context, cfg *config.Config) error {
	metrics, err := observability.NewMetrics(ctx, observability.MetricsConfig{
		Enabled:     cfg.Observability.MetricsEnabled,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return err
	}
	d.Metrics = metrics

	events := d.AuditEvents
	return metrics.RegisterPendingGauge(func(ctx context.Context) (int64, *time.Time, error) {
		stats, err := events.Stats(ctx)
		if err != nil {
			return 0, nil, err
		}
		return stats.Pending, stats.OldestPendingAt, nil
	})
}

func (d *Dependencies) initUpstream(cfg *config.Config) {
	d.Upstream = vrchat.NewClient(vrchat.Config{
		BaseURL:           cfg.Upstream.BaseURL,
		Username:          cfg.Upstream.Username,
		Password:          cfg.Upstream.Password,
		UserAgent:         cfg.Upstream.UserAgent,
		Timeout:           cfg.Upstream.Timeout,
		RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
		Burst:             cfg.Upstream.Burst,
	}, d.Logger.Named("vrchat"))
}

// initSink selects the notification sink
func (d *Dependencies) initSink(cfg *config.Config) error {
	switch cfg.Sink.Kind {
	case "discord":
		d.Sink = discord.NewClient(discord.Config{
			BotToken: cfg.Sink.Discord.BotToken,
			BaseURL:  cfg.Sink.Discord.BaseURL,
			Timeout:  cfg.Relay.SendTimeout,
		}, d.Logger.Named("discord"))
	case "kafka":
		producer, err := kafka.NewProducer(kafka.Config{
			Brokers:      cfg.Sink.Kafka.Brokers,
			Topic:        cfg.Sink.Kafka.Topic,
			WriteTimeout: cfg.Relay.SendTimeout,
		}, d.Logger.Named("kafka"))
		if err != nil {
			return err
		}
		d.Sink = producer
	default:
		return fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
	return nil
}

func (d *Dependencies) initServices(cfg *config.Config) {
	d.Session = session.NewManager(d.Upstream, d.Credentials, d.Clock, session.Config{
		Username:        cfg.Upstream.Username,
		TOTPSecret:      cfg.Upstream.TOTPSecret,
		Cooldown:        cfg.Session.Cooldown,
		RefreshInterval: cfg.Session.RefreshInterval,
	}, d.Logger.Named("session"))

	d.Poller = poller.NewService(d.Upstream, d.Session, d.AuditEvents, d.TxManager, d.Clock, d.Metrics,
		poller.Config{
			GroupID:  cfg.Upstream.GroupID,
			PageSize: cfg.Poller.PageSize,
		}, d.Logger.Named("poller"))

	d.Relay = relay.NewWorker(d.AuditEvents, d.TxManager, d.Sink, d.Clock, d.Metrics,
		relay.Config{
			DestinationID:  destinationID(cfg),
			EventTypes:     cfg.Relay.EventTypes,
			SendTimeout:    cfg.Relay.SendTimeout,
			ThumbnailURL:   cfg.Sink.Discord.ThumbnailURL,
			BackoffInitial: cfg.Relay.BackoffInitial,
			BackoffMax:     cfg.Relay.BackoffMax,
		}, d.Logger.Named("relay"))
}

// initLoops builds the scheduler loops. The poll loop ticks once at start;
// the relay loop waits one interval.
func (d *Dependencies) initLoops(cfg *config.Config) error {
	var err error
	d.pollLoop, err = scheduler.New(scheduler.Config{
		Name:           "poll",
		Interval:       cfg.Poller.Interval,
		RunImmediately: true,
	}, d.Poller.Tick, d.Logger.Named("scheduler"))
	if err != nil {
		return err
	}

	d.relayLoop, err = scheduler.New(scheduler.Config{
		Name:     "relay",
		Interval: cfg.Relay.Interval,
	}, d.Relay.RunTick, d.Logger.Named("scheduler"))
	if err != nil {
		return err
	}

	if d.Session != nil {
		d.refreshLoop, err = d.Session.NewRefreshLoop()
		if err != nil {
			return err
		}
	}
	return nil
}

// Loops returns the configured scheduler loops
func (d *Dependencies) Loops() []*scheduler.Loop {
	loops := make([]*scheduler.Loop, 0, 3)
	for _, l := range []*scheduler.Loop{d.pollLoop, d.relayLoop, d.refreshLoop} {
		if l != nil {
			loops = append(loops, l)
		}
	}
	return loops
}

func destinationID(cfg *config.Config) string {
	if cfg.Sink.Kind == "kafka" {
		return cfg.Sink.Kafka.Topic
	}
	return cfg.Sink.Discord.ChannelID
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Sink != nil {
		if err := d.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
		}
	}

	if d.Metrics != nil {
		if err := d.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush metrics: %w", err))
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

func (d *Dependencies) closeQuietly(ctx context.Context) {
	if err := d.Close(ctx); err != nil {
		d.Logger.Warn("cleanup after failed initialization", zap.Error(err))
	}
}
