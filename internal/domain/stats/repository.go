package stats

import (
	"context"
	"time"
)

// Repository defines the interface for tool usage statistics data access (ClickHouse)
type Repository interface {
	InsertToolUsage(ctx context.Context, event *ToolUsageEvent) error
	InsertToolUsageBatch(ctx context.Context, events []ToolUsageEvent) error

	// Aggregated stats from the hourly materialized view
	GetByApp(ctx context.Context, appName string, since time.Time) ([]ToolUsageAggregated, error)
	GetByAgent(ctx context.Context, appName, agentName string, since time.Time) ([]ToolUsageAggregated, error)
	GetByTool(ctx context.Context, toolName string, since time.Time) ([]ToolUsageAggregated, error)
	GetTopTools(ctx context.Context, appName string, since time.Time, limit int) ([]ToolUsageAggregated, error)
}
