package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"toolflow/pkg/errors"
)

type Config struct {
	App           AppConfig
	Agent         AgentConfig
	AI            AIConfig
	Dispatcher    DispatcherConfig
	Store         StoreConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	HTTP          HTTPConfig
	ErrorTracking ErrorTrackingConfig
	Workers       WorkersConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"toolflow"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// AgentConfig describes the default agent served by the process.
type AgentConfig struct {
	Name        string `envconfig:"AGENT_NAME" default:"assistant"`
	Instruction string `envconfig:"AGENT_INSTRUCTION" default:"You are a helpful assistant. Use the available tools when they help."`
	MaxSteps    int    `envconfig:"AGENT_MAX_STEPS" default:"10"`
}

type AIConfig struct {
	GeminiKey string        `envconfig:"GEMINI_API_KEY"`
	Model     string        `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	Timeout   time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
	// Model requests per minute; zero disables the limiter.
	RequestsPerMinute float64 `envconfig:"AI_REQUESTS_PER_MINUTE" default:"0"`
}

// DispatcherConfig controls how the calls of one model turn are executed.
type DispatcherConfig struct {
	// Upper bound on asynchronous tool invocations running at once per turn.
	MaxConcurrency int `envconfig:"DISPATCH_MAX_CONCURRENCY" default:"8"`
	// Run synchronous tools on the coordinating goroutine, in call order.
	SyncInline bool `envconfig:"DISPATCH_SYNC_INLINE" default:"true"`

	ToolTimeout   time.Duration `envconfig:"DISPATCH_TOOL_TIMEOUT" default:"30s"`
	RetryAttempts int           `envconfig:"DISPATCH_RETRY_ATTEMPTS" default:"1"`
	RetryBackoff  time.Duration `envconfig:"DISPATCH_RETRY_BACKOFF" default:"500ms"`

	// Per-tool token bucket; zero disables rate limiting.
	RateLimitPerSecond float64 `envconfig:"DISPATCH_RATE_LIMIT_PER_SECOND" default:"0"`
	RateLimitBurst     int     `envconfig:"DISPATCH_RATE_LIMIT_BURST" default:"1"`
}

// StoreConfig selects the conversation store backend: memory, redis or postgres.
type StoreConfig struct {
	Backend  string        `envconfig:"STORE_BACKEND" default:"memory"`
	RedisTTL time.Duration `envconfig:"STORE_REDIS_TTL" default:"24h"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"postgres"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DB" default:"toolflow"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"toolflow"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"false"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"toolflow"`
	// Consume late function responses and resume the sessions they answer.
	ConsumeResponses bool `envconfig:"KAFKA_CONSUME_RESPONSES" default:"true"`
	// Batch tool call events into ClickHouse instead of inserting per call.
	ConsumeToolCalls   bool          `envconfig:"KAFKA_CONSUME_TOOL_CALLS" default:"true"`
	StatsBatchSize     int           `envconfig:"KAFKA_STATS_BATCH_SIZE" default:"500"`
	StatsFlushInterval time.Duration `envconfig:"KAFKA_STATS_FLUSH_INTERVAL" default:"5s"`
}

// HTTPConfig is the listener for the session API, health probes and /metrics.
type HTTPConfig struct {
	Addr    string `envconfig:"HTTP_ADDR" default:":8080"`
	Version string `envconfig:"APP_VERSION" default:"dev"`
}

// WorkersConfig schedules background jobs. A zero interval disables a job.
type WorkersConfig struct {
	UsageReportInterval time.Duration `envconfig:"WORKER_USAGE_REPORT_INTERVAL" default:"1h"`
	UsageReportWindow   time.Duration `envconfig:"WORKER_USAGE_REPORT_WINDOW" default:"24h"`
	UsageReportTopN     int           `envconfig:"WORKER_USAGE_REPORT_TOP_N" default:"10"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// Load reads configuration from environment variables.
// A .env file (or .env.<ENV>, e.g. .env.test) is loaded first when present.
func Load() (*Config, error) {
	if env := os.Getenv("ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return errors.Wrapf(errors.ErrInvalidInput, "unknown STORE_BACKEND %q", c.Store.Backend)
	}

	if c.Agent.MaxSteps <= 0 {
		return errors.Wrap(errors.ErrInvalidInput, "AGENT_MAX_STEPS must be positive")
	}

	if c.Dispatcher.MaxConcurrency <= 0 {
		return errors.Wrap(errors.ErrInvalidInput, "DISPATCH_MAX_CONCURRENCY must be positive")
	}

	return nil
}
