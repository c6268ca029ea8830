package clickhouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"toolflow/internal/domain/stats"
	"toolflow/internal/metrics"
)

// Compile-time check
var _ stats.Repository = (*StatsRepository)(nil)

const insertToolUsage = `
	INSERT INTO tool_usage_stats (
		app_name, user_id, session_id, invocation_id, agent_name,
		call_id, tool_name, mode, timestamp,
		duration_ms, success, pending
	)`

// StatsRepository implements stats.Repository using ClickHouse
type StatsRepository struct {
	conn driver.Conn
}

// NewStatsRepository creates a new stats repository
func NewStatsRepository(conn driver.Conn) *StatsRepository {
	return &StatsRepository{conn: conn}
}

// InsertToolUsage inserts a single tool usage event
func (r *StatsRepository) InsertToolUsage(ctx context.Context, event *stats.ToolUsageEvent) error {
	start := time.Now()
	err := r.conn.Exec(ctx, insertToolUsage+`
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.AppName, event.UserID, event.SessionID, event.InvocationID, event.AgentName,
		event.CallID, event.ToolName, event.Mode, event.Timestamp,
		event.DurationMs, event.Success, event.Pending,
	)
	metrics.RecordDBQuery("clickhouse", "insert_tool_usage", time.Since(start), err)
	return err
}

// InsertToolUsageBatch inserts multiple tool usage events
func (r *StatsRepository) InsertToolUsageBatch(ctx context.Context, events []stats.ToolUsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	start := time.Now()
	batch, err := r.conn.PrepareBatch(ctx, insertToolUsage)
	if err != nil {
		return err
	}

	for _, event := range events {
		err := batch.Append(
			event.AppName, event.UserID, event.SessionID, event.InvocationID, event.AgentName,
			event.CallID, event.ToolName, event.Mode, event.Timestamp,
			event.DurationMs, event.Success, event.Pending,
		)
		if err != nil {
			return err
		}
	}

	err = batch.Send()
	metrics.RecordDBQuery("clickhouse", "insert_tool_usage_batch", time.Since(start), err)
	return err
}

// GetByApp retrieves aggregated stats for an application
func (r *StatsRepository) GetByApp(ctx context.Context, appName string, since time.Time) ([]stats.ToolUsageAggregated, error) {
	var usage []stats.ToolUsageAggregated

	query := `
		SELECT app_name, agent_name, tool_name, hour,
			call_count, total_duration_ms, success_count, error_count, avg_duration_ms
		FROM tool_usage_hourly_mv
		WHERE app_name = $1 AND hour >= $2
		ORDER BY hour DESC`

	err := r.conn.Select(ctx, &usage, query, appName, since)
	return usage, err
}

// GetByAgent retrieves aggregated stats for an agent
func (r *StatsRepository) GetByAgent(ctx context.Context, appName, agentName string, since time.Time) ([]stats.ToolUsageAggregated, error) {
	var usage []stats.ToolUsageAggregated

	query := `
		SELECT app_name, agent_name, tool_name, hour,
			call_count, total_duration_ms, success_count, error_count, avg_duration_ms
		FROM tool_usage_hourly_mv
		WHERE app_name = $1 AND agent_name = $2 AND hour >= $3
		ORDER BY hour DESC`

	err := r.conn.Select(ctx, &usage, query, appName, agentName, since)
	return usage, err
}

// GetByTool retrieves aggregated stats for a specific tool
func (r *StatsRepository) GetByTool(ctx context.Context, toolName string, since time.Time) ([]stats.ToolUsageAggregated, error) {
	var usage []stats.ToolUsageAggregated

	query := `
		SELECT app_name, agent_name, tool_name, hour,
			call_count, total_duration_ms, success_count, error_count, avg_duration_ms
		FROM tool_usage_hourly_mv
		WHERE tool_name = $1 AND hour >= $2
		ORDER BY hour DESC`

	err := r.conn.Select(ctx, &usage, query, toolName, since)
	return usage, err
}

// GetTopTools retrieves the most used tools of an application
func (r *StatsRepository) GetTopTools(ctx context.Context, appName string, since time.Time, limit int) ([]stats.ToolUsageAggregated, error) {
	var usage []stats.ToolUsageAggregated

	query := `
		SELECT
			app_name,
			agent_name,
			tool_name,
			max(hour) as hour,
			sum(call_count) as call_count,
			sum(total_duration_ms) as total_duration_ms,
			sum(success_count) as success_count,
			sum(error_count) as error_count,
			avg(avg_duration_ms) as avg_duration_ms
		FROM tool_usage_hourly_mv
		WHERE app_name = $1 AND hour >= $2
		GROUP BY app_name, agent_name, tool_name
		ORDER BY call_count DESC
		LIMIT $3`

	err := r.conn.Select(ctx, &usage, query, appName, since, limit)
	return usage, err
}
