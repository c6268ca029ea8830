package callbacks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"toolflow/internal/adapters/config"
	"toolflow/internal/agents/functions"
	"toolflow/internal/agents/state"
	"toolflow/internal/domain/stats"
	"toolflow/internal/tools"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Nop()
	os.Exit(m.Run())
}

type mockStatsRepository struct {
	mock.Mock
}

func (m *mockStatsRepository) InsertToolUsage(ctx context.Context, event *stats.ToolUsageEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockStatsRepository) InsertToolUsageBatch(ctx context.Context, events []stats.ToolUsageEvent) error {
	return m.Called(ctx, events).Error(0)
}

func (m *mockStatsRepository) GetByApp(ctx context.Context, appName string, since time.Time) ([]stats.ToolUsageAggregated, error) {
	args := m.Called(ctx, appName, since)
	return args.Get(0).([]stats.ToolUsageAggregated), args.Error(1)
}

func (m *mockStatsRepository) GetByAgent(ctx context.Context, appName, agentName string, since time.Time) ([]stats.ToolUsageAggregated, error) {
	args := m.Called(ctx, appName, agentName, since)
	return args.Get(0).([]stats.ToolUsageAggregated), args.Error(1)
}

func (m *mockStatsRepository) GetByTool(ctx context.Context, toolName string, since time.Time) ([]stats.ToolUsageAggregated, error) {
	args := m.Called(ctx, toolName, since)
	return args.Get(0).([]stats.ToolUsageAggregated), args.Error(1)
}

func (m *mockStatsRepository) GetTopTools(ctx context.Context, appName string, since time.Time, limit int) ([]stats.ToolUsageAggregated, error) {
	args := m.Called(ctx, appName, since, limit)
	return args.Get(0).([]stats.ToolUsageAggregated), args.Error(1)
}

func newToolContext(callID string) tools.Context {
	ctx := tools.WithInvocationMetadata(context.Background(), tools.InvocationMetadata{
		InvocationID: "e-1",
		AppName:      "app",
		UserID:       "u1",
		SessionID:    "s1",
		AgentName:    "root_agent",
	})
	return tools.NewContext(ctx, callID, state.NewScope(nil).NewCallState(0))
}

func noopTool(name string, longRunning bool) tools.Tool {
	return tools.New(tools.Config{Name: name, LongRunning: longRunning}, func(ctx tools.Context, args map[string]any) (any, error) {
		return nil, nil
	})
}

func TestStatsTracking_RecordsUsage(t *testing.T) {
	repo := new(mockStatsRepository)
	recorded := make(chan *stats.ToolUsageEvent, 1)
	repo.On("InsertToolUsage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { recorded <- args.Get(1).(*stats.ToolUsageEvent) }).
		Return(nil).Once()

	starts := NewStartTimes()
	before := starts.RecordToolStartTimeBeforeToolCallback()
	after := StatsTrackingAfterToolCallback(repo, starts)

	tc := newToolContext("adk-1")
	tool := noopTool("lookup", false)

	res, err := before(tc, tool, nil)
	require.NoError(t, err)
	require.Nil(t, res, "start time hook must not short-circuit the tool")

	result, err := after(tc, tool, nil, map[string]any{"ok": true}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)

	select {
	case usage := <-recorded:
		assert.Equal(t, "app", usage.AppName)
		assert.Equal(t, "u1", usage.UserID)
		assert.Equal(t, "s1", usage.SessionID)
		assert.Equal(t, "e-1", usage.InvocationID)
		assert.Equal(t, "root_agent", usage.AgentName)
		assert.Equal(t, "adk-1", usage.CallID)
		assert.Equal(t, "lookup", usage.ToolName)
		assert.Equal(t, "sync", usage.Mode)
		assert.True(t, usage.Success)
		assert.False(t, usage.Pending)
	case <-time.After(2 * time.Second):
		t.Fatal("tool usage was not recorded")
	}

	_, ok := starts.elapsed("adk-1")
	assert.False(t, ok, "start time must be forgotten once recorded")
}

func TestStatsTracking_PendingAndFailed(t *testing.T) {
	repo := new(mockStatsRepository)
	recorded := make(chan *stats.ToolUsageEvent, 2)
	repo.On("InsertToolUsage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { recorded <- args.Get(1).(*stats.ToolUsageEvent) }).
		Return(errors.New("clickhouse down"))

	starts := NewStartTimes()
	before := starts.RecordToolStartTimeBeforeToolCallback()
	after := StatsTrackingAfterToolCallback(repo, starts)

	approval := noopTool("request_approval", true)
	tc := newToolContext("adk-pending")
	_, _ = before(tc, approval, nil)
	result, err := after(tc, approval, nil, nil, nil)
	require.NoError(t, err, "insert failures are only logged")
	assert.Nil(t, result)

	usage := <-recorded
	assert.True(t, usage.Pending)
	assert.True(t, usage.Success)

	failing := noopTool("fail", false)
	tc = newToolContext("adk-failed")
	_, _ = before(tc, failing, nil)
	boom := errors.New("boom")
	_, err = after(tc, failing, nil, nil, boom)
	assert.Equal(t, boom, err)

	usage = <-recorded
	assert.False(t, usage.Success)
	assert.False(t, usage.Pending)
}

func TestStatsTracking_SkipsWithoutStartTime(t *testing.T) {
	repo := new(mockStatsRepository)
	after := StatsTrackingAfterToolCallback(repo, NewStartTimes())

	result, err := after(newToolContext("adk-2"), noopTool("lookup", false), nil, map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, result)

	repo.AssertNotCalled(t, "InsertToolUsage", mock.Anything, mock.Anything)

	passthrough := StatsTrackingAfterToolCallback(nil, nil)
	_, err = passthrough(newToolContext("adk-3"), noopTool("lookup", false), nil, nil, nil)
	assert.NoError(t, err)
}

func TestErrorHandlingCallback(t *testing.T) {
	cb := ErrorHandlingCallback()
	tool := noopTool("transfer", false)

	result, err := cb(newToolContext("adk-1"), tool, nil, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, result)

	_, err = cb(newToolContext("adk-1"), tool, nil, nil, errors.ErrToolExecution)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool transfer execution failed")
	assert.True(t, errors.Is(err, errors.ErrToolExecution))
}

func TestAuditLogAfterToolCallback_PassesThrough(t *testing.T) {
	cb := AuditLogAfterToolCallback()
	boom := errors.New("boom")

	result, err := cb(newToolContext("adk-1"), noopTool("x", false), nil, map[string]any{"k": "v"}, boom)
	assert.Equal(t, map[string]any{"k": "v"}, result)
	assert.Equal(t, boom, err)
}

func TestStatsTracking_PanickingToolIsRecorded(t *testing.T) {
	repo := new(mockStatsRepository)
	recorded := make(chan *stats.ToolUsageEvent, 1)
	repo.On("InsertToolUsage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { recorded <- args.Get(1).(*stats.ToolUsageEvent) }).
		Return(nil).Once()

	starts := NewStartTimes()
	d := functions.NewDispatcher(config.DispatcherConfig{MaxConcurrency: 1, SyncInline: true}, functions.Deps{
		Before: []tools.BeforeCallback{starts.RecordToolStartTimeBeforeToolCallback()},
		After:  []tools.AfterCallback{StatsTrackingAfterToolCallback(repo, starts)},
	})
	exploding := tools.New(tools.Config{Name: "exploding"}, func(ctx tools.Context, args map[string]any) (any, error) {
		panic("kaboom")
	})
	call := &genai.FunctionCall{ID: functions.GenerateClientFunctionCallID(), Name: "exploding"}

	outcomes, err := d.ExecuteTurnCalls(context.Background(), tools.InvocationMetadata{AppName: "app"}, []*genai.FunctionCall{call}, tools.NewView(exploding), state.NewScope(nil))
	require.NoError(t, err)
	assert.True(t, errors.Is(outcomes[0].Err, errors.ErrToolPanic))

	select {
	case usage := <-recorded:
		assert.Equal(t, "exploding", usage.ToolName)
		assert.False(t, usage.Success)
	case <-time.After(time.Second):
		t.Fatal("panicking call was not recorded")
	}

	_, left := starts.elapsed(call.ID)
	assert.False(t, left, "start time is released")
}
