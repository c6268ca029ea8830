package bootstrap

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"toolflow/internal/adapters/ai"
	chclient "toolflow/internal/adapters/clickhouse"
	"toolflow/internal/adapters/config"
	errnoop "toolflow/internal/adapters/errors/noop"
	"toolflow/internal/adapters/errors/sentry"
	"toolflow/internal/adapters/kafka"
	pgclient "toolflow/internal/adapters/postgres"
	redisclient "toolflow/internal/adapters/redis"
	"toolflow/internal/agents"
	"toolflow/internal/agents/callbacks"
	"toolflow/internal/agents/functions"
	"toolflow/internal/api"
	"toolflow/internal/api/health"
	"toolflow/internal/consumers"
	"toolflow/internal/domain/session"
	"toolflow/internal/events"
	"toolflow/internal/metrics"
	chrepo "toolflow/internal/repository/clickhouse"
	"toolflow/internal/repository/memory"
	pgrepo "toolflow/internal/repository/postgres"
	redisrepo "toolflow/internal/repository/redis"
	"toolflow/internal/tools"
	"toolflow/internal/tools/builtin"
	"toolflow/internal/tools/middleware"
	"toolflow/internal/workers"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

const connectTimeout = 30 * time.Second

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects the stores the configuration asks for
func (c *Container) MustInitInfrastructure() {
	ctx, cancel := context.WithTimeout(c.Context, connectTimeout)
	defer cancel()

	var err error

	switch c.Config.Store.Backend {
	case "postgres":
		c.Log.Info("Connecting to PostgreSQL...")
		c.PG, err = pgclient.NewClient(ctx, c.Config.Postgres)
		if err != nil {
			c.Log.Fatalf("failed to connect postgres: %v", err)
		}
		if err := pgrepo.Migrate(ctx, c.PG.DB()); err != nil {
			c.Log.Fatalf("failed to migrate postgres: %v", err)
		}
		c.Log.Info("✓ PostgreSQL connected")
	case "redis":
		c.Log.Info("Connecting to Redis...")
		c.Redis, err = redisclient.NewClient(ctx, c.Config.Redis)
		if err != nil {
			c.Log.Fatalf("failed to connect redis: %v", err)
		}
		c.Log.Info("✓ Redis connected")
	}

	if c.Config.ClickHouse.Enabled {
		c.Log.Info("Connecting to ClickHouse...")
		c.CH, err = chclient.NewClient(ctx, c.Config.ClickHouse)
		if err != nil {
			c.Log.Fatalf("failed to connect clickhouse: %v", err)
		}
		if err := c.CH.Migrate(ctx); err != nil {
			c.Log.Fatalf("failed to migrate clickhouse: %v", err)
		}
		c.Log.Info("✓ ClickHouse connected")
	}
}

// ========================================
// Phase 3: Domain Layer - Repositories
// ========================================

// MustInitRepositories initializes the conversation store and stats store
func (c *Container) MustInitRepositories() {
	c.Repos.Session = provideSessionRepository(c)

	if c.CH != nil {
		c.Repos.Stats = chrepo.NewStatsRepository(c.CH.Conn())
	}

	c.Log.Infow("✓ Repositories initialized", "store", c.Config.Store.Backend, "stats", c.Repos.Stats != nil)
}

// ========================================
// Phase 4: External Adapters
// ========================================

// MustInitAdapters initializes Kafka and the model
func (c *Container) MustInitAdapters() {
	if c.Config.Kafka.Enabled {
		c.Adapters.KafkaProducer = provideKafkaProducer(c.Config, c.Log)
		c.Adapters.Publisher = events.NewPublisher(c.Adapters.KafkaProducer, c.Log)
		if c.Config.Kafka.ConsumeResponses {
			c.Adapters.ResponseConsumer = provideKafkaConsumer(c.Config, events.TopicFunctionResponses, c.Log)
		}
		if c.Config.Kafka.ConsumeToolCalls && c.Repos.Stats != nil {
			c.Adapters.ToolCallConsumer = provideKafkaConsumer(c.Config, events.TopicToolCalls, c.Log)
		}
	}

	c.Adapters.Model = provideModel(c.Context, c.Config, c.Log)
}

// ========================================
// Phase 5: Domain Services
// ========================================

// MustInitServices initializes domain services
func (c *Container) MustInitServices() {
	c.Services.Session = session.NewService(c.Repos.Session)
	c.Log.Info("✓ Services initialized")
}

// ========================================
// Phase 6: Business Logic
// ========================================

// MustInitBusiness builds the tool registry, dispatcher, flow and agent
func (c *Container) MustInitBusiness() {
	c.Business.ToolRegistry = provideToolRegistry(c.Config)
	c.Business.StartTimes = callbacks.NewStartTimes()
	c.Business.Dispatcher = provideDispatcher(c)
	c.Business.Flow = agents.NewFlow(c.Services.Session, c.Business.ToolRegistry, c.Business.Dispatcher).
		WithMaxSteps(c.Config.Agent.MaxSteps)
	c.Business.DefaultAgent = &agents.Agent{
		Name:        c.Config.Agent.Name,
		Instruction: c.Config.Agent.Instruction,
		Model:       c.Adapters.Model,
	}

	c.Log.Infow("✓ Business logic initialized",
		"agent", c.Business.DefaultAgent.Name,
		"tools", c.Business.ToolRegistry.List(),
	)
}

// ========================================
// Phase 7: Background Processing
// ========================================

// MustInitBackground builds the event consumers and the workers
func (c *Container) MustInitBackground() {
	c.Background.WorkerScheduler = workers.NewScheduler()
	c.Background.WorkerScheduler.RegisterWorker(workers.NewUsageReportWorker(
		c.Repos.Stats,
		c.Config.App.Name,
		c.Config.Workers.UsageReportInterval,
		c.Config.Workers.UsageReportWindow,
		c.Config.Workers.UsageReportTopN,
	))

	if c.Adapters.ToolCallConsumer != nil {
		c.Background.ToolStatsSvc = consumers.NewToolStatsConsumer(
			c.Adapters.ToolCallConsumer,
			c.Repos.Stats,
			c.Config.App.Name,
			c.Config.Kafka.StatsBatchSize,
			c.Config.Kafka.StatsFlushInterval,
		)
	}

	c.Background.ResponseSvc = consumers.NewResponseConsumer(
		c.Adapters.ResponseConsumer,
		c.Services.Session,
		c.Business.Flow,
		c.Business.DefaultAgent,
	)
	c.Log.Info("✓ Background processing initialized")
}

// ========================================
// Phase 8: Application Layer
// ========================================

// MustInitApplication initializes metrics and the HTTP server
func (c *Container) MustInitApplication() {
	metrics.Init()
	prometheus.MustRegister(provideStoreCollector(c))

	c.Application.HealthHandler = health.New(c.Log, c.Config.App.Name, c.Config.HTTP.Version, healthChecks(c))
	c.Application.SessionHandler = api.NewSessionHandler(
		c.Services.Session,
		c.Business.Flow,
		c.Business.DefaultAgent,
		c.Background.ResponseSvc,
	)
	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Addr:        c.Config.HTTP.Addr,
		ServiceName: c.Config.App.Name,
		Version:     c.Config.HTTP.Version,
	}, c.Application.HealthHandler, c.Application.SessionHandler, c.Log)

	c.Log.Info("✓ Application layer initialized")
}

// ========================================
// Helper Provider Functions
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment, cfg.HTTP.Version)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}

func provideSessionRepository(c *Container) session.Repository {
	switch c.Config.Store.Backend {
	case "postgres":
		return pgrepo.NewSessionRepository(c.PG.DB())
	case "redis":
		return redisrepo.NewSessionRepository(c.Redis.Client(), c.Config.Store.RedisTTL)
	default:
		c.Log.Warn("Using in-memory conversation store; sessions are lost on restart")
		return memory.NewSessionRepository()
	}
}

func provideKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	log.Info("Initializing Kafka producer...")
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("Kafka brokers not configured, using default localhost:9092")
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Async:   true,
	})
	log.Info("✓ Kafka producer initialized")
	return producer
}

func provideKafkaConsumer(cfg *config.Config, topic string, log *logger.Logger) *kafka.Consumer {
	log.Infow("Initializing Kafka consumer", "topic", topic)
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		GroupID: cfg.Kafka.GroupID,
		Topic:   topic,
	})
	log.Infow("✓ Kafka consumer initialized", "topic", topic)
	return consumer
}

// provideModel returns nil without an API key. The service still serves
// sessions and late responses; runs fail until a key is configured.
func provideModel(ctx context.Context, cfg *config.Config, log *logger.Logger) agents.Model {
	if cfg.AI.GeminiKey == "" {
		log.Warn("GEMINI_API_KEY not set, agent runs are disabled")
		return nil
	}

	model, err := ai.NewGeminiModel(ctx, cfg.AI)
	if err != nil {
		log.Fatalf("failed to create model: %v", err)
	}
	log.Infow("✓ Model initialized", "model", cfg.AI.Model)
	return model
}

func provideToolRegistry(cfg *config.Config) *tools.Registry {
	registry := tools.NewRegistry()
	builtin.RegisterAll(registry, middleware.FromConfig(cfg.Dispatcher)...)
	return registry
}

func provideDispatcher(c *Container) *functions.Dispatcher {
	deps := functions.Deps{
		After: []tools.AfterCallback{callbacks.AuditLogAfterToolCallback()},
	}
	// With the tool call consumer running, stats arrive through Kafka.
	if c.Repos.Stats != nil && c.Adapters.ToolCallConsumer == nil {
		deps.Before = append(deps.Before, c.Business.StartTimes.RecordToolStartTimeBeforeToolCallback())
		deps.After = append(deps.After, callbacks.StatsTrackingAfterToolCallback(c.Repos.Stats, c.Business.StartTimes))
	}
	deps.After = append(deps.After, callbacks.ErrorHandlingCallback())

	// A nil *Publisher must not reach the interface field.
	if c.Adapters.Publisher != nil {
		deps.Publisher = c.Adapters.Publisher
	}

	return functions.NewDispatcher(c.Config.Dispatcher, deps)
}

func provideStoreCollector(c *Container) *metrics.StoreCollector {
	var (
		pg  *sqlx.DB
		ch  driver.Conn
		rdb *goredis.Client
	)
	if c.PG != nil {
		pg = c.PG.DB()
	}
	if c.CH != nil {
		ch = c.CH.Conn()
	}
	if c.Redis != nil {
		rdb = c.Redis.Client()
	}
	return metrics.NewStoreCollector(c.Log, pg, ch, rdb)
}

func healthChecks(c *Container) map[string]health.Check {
	checks := make(map[string]health.Check)
	if c.PG != nil {
		checks["postgres"] = c.PG.Health
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Health
	}
	if c.CH != nil {
		checks["clickhouse"] = c.CH.Health
	}
	return checks
}
