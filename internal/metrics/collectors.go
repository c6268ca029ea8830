package metrics

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"toolflow/pkg/logger"
)

// StoreCollector reports conversation store and tool usage gauges.
// Every backend is optional; a nil backend is skipped.
type StoreCollector struct {
	log        *logger.Logger
	postgres   *sqlx.DB
	clickhouse driver.Conn
	redis      *redis.Client

	// Descriptors
	totalSessions *prometheus.Desc
	totalEvents   *prometheus.Desc
	toolCalls24h  *prometheus.Desc
	redisKeys     *prometheus.Desc
}

// NewStoreCollector creates a new store metrics collector
func NewStoreCollector(log *logger.Logger, postgres *sqlx.DB, clickhouse driver.Conn, redis *redis.Client) *StoreCollector {
	return &StoreCollector{
		log:        log,
		postgres:   postgres,
		clickhouse: clickhouse,
		redis:      redis,

		totalSessions: prometheus.NewDesc(
			"toolflow_sessions",
			"Number of stored sessions by app",
			[]string{"app"}, nil,
		),
		totalEvents: prometheus.NewDesc(
			"toolflow_session_events",
			"Number of stored session events",
			nil, nil,
		),
		toolCalls24h: prometheus.NewDesc(
			"toolflow_tool_calls_24h",
			"Tool calls recorded in the last 24h by tool",
			[]string{"tool"}, nil,
		),
		redisKeys: prometheus.NewDesc(
			"toolflow_redis_keys",
			"Keys in the redis conversation store database",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalSessions
	ch <- c.totalEvents
	ch <- c.toolCalls24h
	ch <- c.redisKeys
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.postgres != nil {
		c.collectSessionCounts(ctx, ch)
	}
	if c.clickhouse != nil {
		c.collectToolCalls(ctx, ch)
	}
	if c.redis != nil {
		c.collectRedisKeys(ctx, ch)
	}
}

func (c *StoreCollector) collectSessionCounts(ctx context.Context, ch chan<- prometheus.Metric) {
	type sessionStat struct {
		AppName string `db:"app_name"`
		Count   int    `db:"count"`
	}

	var stats []sessionStat
	err := c.postgres.SelectContext(ctx, &stats, `
		SELECT app_name, COUNT(*) as count
		FROM sessions
		GROUP BY app_name
	`)
	if err != nil {
		c.log.Errorf("Failed to collect session stats: %v", err)
		return
	}

	for _, stat := range stats {
		ch <- prometheus.MustNewConstMetric(c.totalSessions, prometheus.GaugeValue, float64(stat.Count), stat.AppName)
	}

	var events int
	if err := c.postgres.GetContext(ctx, &events, "SELECT COUNT(*) FROM session_events"); err != nil {
		c.log.Errorf("Failed to collect event count: %v", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.totalEvents, prometheus.GaugeValue, float64(events))
}

func (c *StoreCollector) collectToolCalls(ctx context.Context, ch chan<- prometheus.Metric) {
	var rows []struct {
		ToolName string `ch:"tool_name"`
		Calls    uint64 `ch:"calls"`
	}

	err := c.clickhouse.Select(ctx, &rows, `
		SELECT tool_name, count() AS calls
		FROM tool_usage_stats
		WHERE timestamp > now() - INTERVAL 24 HOUR
		GROUP BY tool_name
	`)
	if err != nil {
		c.log.Errorf("Failed to collect tool call stats: %v", err)
		return
	}

	for _, row := range rows {
		ch <- prometheus.MustNewConstMetric(c.toolCalls24h, prometheus.GaugeValue, float64(row.Calls), row.ToolName)
	}
}

func (c *StoreCollector) collectRedisKeys(ctx context.Context, ch chan<- prometheus.Metric) {
	size, err := c.redis.DBSize(ctx).Result()
	if err != nil {
		c.log.Errorf("Failed to collect redis key count: %v", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.redisKeys, prometheus.GaugeValue, float64(size))
}
