package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"toolflow/internal/adapters/config"
	"toolflow/pkg/errors"
)

// schema holds the tool usage table and its hourly rollup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tool_usage_stats (
		app_name      LowCardinality(String),
		user_id       String,
		session_id    String,
		invocation_id String,
		agent_name    LowCardinality(String),
		call_id       String,
		tool_name     LowCardinality(String),
		mode          LowCardinality(String),
		timestamp     DateTime64(3),
		duration_ms   Int64,
		success       Bool,
		pending       Bool
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (app_name, tool_name, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 90 DAY`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS tool_usage_hourly_mv
	ENGINE = SummingMergeTree()
	ORDER BY (app_name, agent_name, tool_name, hour)
	AS SELECT
		app_name,
		agent_name,
		tool_name,
		toStartOfHour(timestamp) AS hour,
		count() AS call_count,
		toUInt64(sum(duration_ms)) AS total_duration_ms,
		countIf(success) AS success_count,
		countIf(NOT success) AS error_count,
		avg(duration_ms) AS avg_duration_ms
	FROM tool_usage_stats
	GROUP BY app_name, agent_name, tool_name, hour`,
}

// Client wraps ClickHouse connection
type Client struct {
	conn driver.Conn
}

// NewClient creates a new ClickHouse client
func NewClient(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to clickhouse")
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to ping clickhouse")
	}

	return &Client{conn: conn}, nil
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() driver.Conn {
	return c.conn
}

// Close closes the ClickHouse connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Health checks ClickHouse connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.conn.Exec(ctx, query, args...)
}

// Migrate creates the tool usage tables when missing.
func (c *Client) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "clickhouse migration failed")
		}
	}
	return nil
}
