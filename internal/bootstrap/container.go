package bootstrap

import (
	"context"
	"sync"

	chclient "toolflow/internal/adapters/clickhouse"
	"toolflow/internal/adapters/config"
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
	"toolflow/internal/domain/stats"
	"toolflow/internal/events"
	"toolflow/internal/tools"
	"toolflow/internal/workers"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure Layer (Data stores). Only the configured ones are set.
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	Repos       *Repositories
	Services    *Services
	Adapters    *Adapters
	Business    *Business
	Application *Application
	Background  *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Repositories groups all domain repositories
type Repositories struct {
	Session session.Repository
	Stats   stats.Repository // nil when ClickHouse is disabled
}

// Services groups all domain services
type Services struct {
	Session *session.Service
}

// Adapters groups all external adapters
type Adapters struct {
	KafkaProducer    *kafka.Producer
	ResponseConsumer *kafka.Consumer
	ToolCallConsumer *kafka.Consumer // set only when stats are batched from Kafka
	Publisher        *events.Publisher
	Model            agents.Model
}

// Business groups the function-call pipeline
type Business struct {
	ToolRegistry *tools.Registry
	StartTimes   *callbacks.StartTimes
	Dispatcher   *functions.Dispatcher
	Flow         *agents.Flow
	DefaultAgent *agents.Agent
}

// Application groups application layer components
type Application struct {
	HTTPServer     *api.Server
	HealthHandler  *health.Handler
	SessionHandler *api.SessionHandler
}

// Background groups all background processing components
type Background struct {
	WorkerScheduler *workers.Scheduler

	// Always built: the HTTP API delivers late responses through it too.
	ResponseSvc  *consumers.ResponseConsumer
	ToolStatsSvc *consumers.ToolStatsConsumer
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Repos:       &Repositories{},
		Services:    &Services{},
		Adapters:    &Adapters{},
		Business:    &Business{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes all components in the correct order
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitRepositories()
	c.MustInitAdapters()
	c.MustInitServices()
	c.MustInitBusiness()
	c.MustInitBackground()
	c.MustInitApplication()
}

// Start starts all background components
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	if err := c.startConsumers(); err != nil {
		return err
	}

	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Infow("✓ All systems operational",
		"store", c.Config.Store.Backend,
		"tools", len(c.Business.ToolRegistry.List()),
	)
	return nil
}

// startConsumers starts the Kafka consumers in background goroutines
func (c *Container) startConsumers() error {
	started := 0

	if c.Adapters.ResponseConsumer != nil {
		svc := c.Background.ResponseSvc
		c.WG.Add(1)
		go func() {
			defer c.WG.Done()
			if err := svc.Start(c.Context); err != nil && c.Context.Err() == nil {
				c.Log.Errorw("function_responses consumer failed", "error", err)
			}
		}()
		started++
	} else {
		c.Log.Info("Late response consumer disabled")
	}

	if svc := c.Background.ToolStatsSvc; svc != nil {
		c.WG.Add(1)
		go func() {
			defer c.WG.Done()
			if err := svc.Start(c.Context); err != nil && c.Context.Err() == nil {
				c.Log.Errorw("tool_calls consumer failed", "error", err)
			}
		}()
		started++
	}

	c.Log.Infow("✓ Event consumers started", "count", started)
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	// Cancel application context to signal all other components to stop
	c.Cancel()

	c.Lifecycle.Shutdown(
		c.WG,
		c.Application.HTTPServer,
		c.Background.WorkerScheduler,
		c.Adapters.KafkaProducer,
		map[string]*kafka.Consumer{
			"function_responses": c.Adapters.ResponseConsumer,
		},
		c.PG,
		c.CH,
		c.Redis,
		c.ErrorTracker,
		c.Log,
	)
}
