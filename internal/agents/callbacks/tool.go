// Package callbacks holds the before/after hooks the dispatcher runs around
// every tool.
package callbacks

import (
	"context"
	"sync"
	"time"

	"toolflow/internal/domain/stats"
	"toolflow/internal/tools"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

const statsInsertTimeout = 5 * time.Second

// StartTimes remembers when each call began, keyed by function call ID.
type StartTimes struct {
	started sync.Map
}

// NewStartTimes creates an empty start time table.
func NewStartTimes() *StartTimes {
	return &StartTimes{}
}

// RecordToolStartTimeBeforeToolCallback records execution start time for stats tracking
func (s *StartTimes) RecordToolStartTimeBeforeToolCallback() tools.BeforeCallback {
	return func(ctx tools.Context, t tools.Tool, args map[string]any) (map[string]any, error) {
		s.started.Store(ctx.FunctionCallID(), time.Now())
		return nil, nil
	}
}

// elapsed returns the time since callID started and forgets it.
func (s *StartTimes) elapsed(callID string) (time.Duration, bool) {
	v, ok := s.started.LoadAndDelete(callID)
	if !ok {
		return 0, false
	}
	return time.Since(v.(time.Time)), true
}

// AuditLogAfterToolCallback logs all tool executions
func AuditLogAfterToolCallback() tools.AfterCallback {
	return func(ctx tools.Context, t tools.Tool, args, result map[string]any, err error) (map[string]any, error) {
		meta := ctx.Metadata()
		log := logger.Get().With(
			"component", "tool_audit",
			"tool", t.Name(),
			"call_id", ctx.FunctionCallID(),
			"user", meta.UserID,
			"session", meta.SessionID,
		)

		switch {
		case err != nil:
			log.Errorf("Tool %s failed: %v", t.Name(), err)
		case result == nil && t.IsLongRunning():
			log.Infof("Tool %s left its call open", t.Name())
		default:
			log.Infof("Tool %s executed successfully", t.Name())
		}

		return result, err
	}
}

// StatsTrackingAfterToolCallback records tool usage to ClickHouse. Inserts
// run in the background so the turn is never held up by the stats store.
func StatsTrackingAfterToolCallback(statsRepo stats.Repository, starts *StartTimes) tools.AfterCallback {
	return func(ctx tools.Context, t tools.Tool, args, result map[string]any, err error) (map[string]any, error) {
		if statsRepo == nil || starts == nil {
			return result, err
		}

		duration, ok := starts.elapsed(ctx.FunctionCallID())
		if !ok {
			return result, err
		}

		meta := ctx.Metadata()
		usage := &stats.ToolUsageEvent{
			AppName:      meta.AppName,
			UserID:       meta.UserID,
			SessionID:    meta.SessionID,
			InvocationID: meta.InvocationID,
			AgentName:    meta.AgentName,
			CallID:       ctx.FunctionCallID(),
			ToolName:     t.Name(),
			Mode:         t.Capability().Mode().String(),
			Timestamp:    time.Now(),
			DurationMs:   duration.Milliseconds(),
			Success:      err == nil,
			Pending:      err == nil && result == nil && t.IsLongRunning(),
		}

		go func() {
			insertCtx, cancel := context.WithTimeout(context.Background(), statsInsertTimeout)
			defer cancel()
			if insertErr := statsRepo.InsertToolUsage(insertCtx, usage); insertErr != nil {
				logger.Get().With("tool", usage.ToolName).
					Warnf("Failed to record tool stats: %v", insertErr)
			}
		}()

		return result, err
	}
}

// ErrorHandlingCallback adds the tool name to failures so the model can
// tell which call went wrong.
func ErrorHandlingCallback() tools.AfterCallback {
	return func(ctx tools.Context, t tools.Tool, args, result map[string]any, err error) (map[string]any, error) {
		if err == nil {
			return result, err
		}

		logger.Get().With("component", "tool_error_handler", "tool", t.Name()).
			Debugf("Tool %s failed with args %v: %v", t.Name(), args, err)

		return result, errors.Wrapf(err, "tool %s execution failed", t.Name())
	}
}
