package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"toolflow/internal/domain/stats"
	"toolflow/internal/testsupport"
)

func TestStatsRepository_InsertAndAggregate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	helper := testsupport.NewClickHouseTestHelper(t)
	ctx := context.Background()
	require.NoError(t, helper.Client().Migrate(ctx))

	repo := NewStatsRepository(helper.Client().Conn())
	app := "toolflow_test_" + uuid.NewString()[:8]
	now := time.Now().UTC()

	events := []stats.ToolUsageEvent{
		{AppName: app, UserID: "u1", AgentName: "root_agent", CallID: "adk-1", ToolName: "lookup", Mode: "sync", Timestamp: now, DurationMs: 10, Success: true},
		{AppName: app, UserID: "u1", AgentName: "root_agent", CallID: "adk-2", ToolName: "lookup", Mode: "sync", Timestamp: now, DurationMs: 30, Success: false},
	}
	require.NoError(t, repo.InsertToolUsageBatch(ctx, events))
	require.NoError(t, repo.InsertToolUsage(ctx, &stats.ToolUsageEvent{
		AppName: app, UserID: "u1", AgentName: "root_agent", CallID: "adk-3", ToolName: "request_approval",
		Mode: "sync", Timestamp: now, Success: true, Pending: true,
	}))

	top, err := repo.GetTopTools(ctx, app, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.NotEmpty(t, top)
	assert.Equal(t, "lookup", top[0].ToolName)
	assert.Equal(t, uint64(2), top[0].CallCount)
	assert.InDelta(t, 0.5, top[0].ErrorRate(), 0.001)
}
