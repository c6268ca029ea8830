package stats

import (
	"time"
)

// ToolUsageEvent represents a single function call (for insertion)
type ToolUsageEvent struct {
	AppName      string    `ch:"app_name"`
	UserID       string    `ch:"user_id"`
	SessionID    string    `ch:"session_id"`
	InvocationID string    `ch:"invocation_id"`
	AgentName    string    `ch:"agent_name"`
	CallID       string    `ch:"call_id"`
	ToolName     string    `ch:"tool_name"`
	Mode         string    `ch:"mode"`
	Timestamp    time.Time `ch:"timestamp"`

	DurationMs int64 `ch:"duration_ms"`
	Success    bool  `ch:"success"`
	Pending    bool  `ch:"pending"`
}

// ToolUsageAggregated represents aggregated tool usage (from materialized view)
type ToolUsageAggregated struct {
	AppName   string    `ch:"app_name"`
	AgentName string    `ch:"agent_name"`
	ToolName  string    `ch:"tool_name"`
	Hour      time.Time `ch:"hour"`

	CallCount       uint64  `ch:"call_count"`
	TotalDurationMs uint64  `ch:"total_duration_ms"`
	SuccessCount    uint64  `ch:"success_count"`
	ErrorCount      uint64  `ch:"error_count"`
	AvgDurationMs   float64 `ch:"avg_duration_ms"`
}

// ErrorRate returns the share of failed calls in the bucket.
func (a ToolUsageAggregated) ErrorRate() float64 {
	if a.CallCount == 0 {
		return 0
	}
	return float64(a.ErrorCount) / float64(a.CallCount)
}
