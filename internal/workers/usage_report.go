package workers

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"toolflow/internal/domain/stats"
	"toolflow/pkg/errors"
)

const (
	// Failure share above which a tool is reported as unhealthy.
	failingToolErrorRate = 0.5
	// Calls needed before the error rate is trusted.
	failingToolMinCalls = 10
)

// UsageReportWorker periodically logs the most used tools of an app and
// flags tools that fail more often than they succeed.
type UsageReportWorker struct {
	*BaseWorker
	stats   stats.Repository
	appName string
	window  time.Duration
	limit   int

	mu      sync.RWMutex
	last    []stats.ToolUsageAggregated
	failing []string
}

// NewUsageReportWorker creates a usage report worker looking back window
// on every run.
func NewUsageReportWorker(repo stats.Repository, appName string, interval, window time.Duration, limit int) *UsageReportWorker {
	if limit <= 0 {
		limit = 10
	}
	return &UsageReportWorker{
		BaseWorker: NewBaseWorker("tool_usage_report", interval, repo != nil),
		stats:      repo,
		appName:    appName,
		window:     window,
		limit:      limit,
	}
}

// Run reports one window.
func (w *UsageReportWorker) Run(ctx context.Context) error {
	top, err := w.stats.GetTopTools(ctx, w.appName, time.Now().Add(-w.window), w.limit)
	if err != nil {
		return errors.Wrap(err, "load top tools")
	}

	var failing []string
	var total uint64
	for _, t := range top {
		total += t.CallCount
		w.Log().Infof("%s: %s call(s), %.1f%% errors, avg %.0fms",
			t.ToolName, humanize.Comma(int64(t.CallCount)), t.ErrorRate()*100, t.AvgDurationMs)

		if t.CallCount >= failingToolMinCalls && t.ErrorRate() > failingToolErrorRate {
			failing = append(failing, t.ToolName)
			w.Log().Warnf("Tool %s fails %.0f%% of its calls", t.ToolName, t.ErrorRate()*100)
		}
	}

	w.Log().Infof("%s tool call(s) in the last %s across %d tool(s)", humanize.Comma(int64(total)), w.window, len(top))

	w.mu.Lock()
	w.last = top
	w.failing = failing
	w.mu.Unlock()
	return nil
}

// Failing returns the tools flagged by the last run.
func (w *UsageReportWorker) Failing() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.failing...)
}

// Last returns the rows of the last run.
func (w *UsageReportWorker) Last() []stats.ToolUsageAggregated {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]stats.ToolUsageAggregated(nil), w.last...)
}
