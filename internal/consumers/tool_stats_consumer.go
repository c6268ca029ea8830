package consumers

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	kafkaadapter "toolflow/internal/adapters/kafka"
	"toolflow/internal/domain/stats"
	"toolflow/internal/events"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

const defaultToolStatsBatchSize = 500

// ToolStatsConsumer reads tool call events from Kafka and writes them to
// the stats store in batches. It replaces the per-call insert callback when
// both Kafka and ClickHouse are enabled.
type ToolStatsConsumer struct {
	consumer  *kafkaadapter.Consumer
	repo      stats.Repository
	appName   string
	batchSize int
	lifecycle *BatchConsumerLifecycle
	log       *logger.Logger

	mu      sync.Mutex
	batch   []stats.ToolUsageEvent
	written uint64
	failed  uint64
	skipped uint64
}

// NewToolStatsConsumer creates the consumer. appName fills events that were
// published without one.
func NewToolStatsConsumer(consumer *kafkaadapter.Consumer, repo stats.Repository, appName string, batchSize int, flushInterval time.Duration) *ToolStatsConsumer {
	if batchSize <= 0 {
		batchSize = defaultToolStatsBatchSize
	}
	c := &ToolStatsConsumer{
		consumer:  consumer,
		repo:      repo,
		appName:   appName,
		batchSize: batchSize,
		log:       logger.Get().With("component", "tool_stats_consumer"),
	}

	var source io.Closer
	if consumer != nil {
		source = consumer
	}
	c.lifecycle = NewBatchConsumerLifecycle(BatchConsumerConfig{
		ConsumerName:  "tool_stats",
		FlushInterval: flushInterval,
		StatsInterval: time.Minute,
		Logger:        c.log,
	}, source, c)
	return c
}

// Start consumes until ctx is done and flushes what is left.
func (c *ToolStatsConsumer) Start(ctx context.Context) error {
	cleanup := c.lifecycle.Start(ctx)
	defer cleanup()

	err := c.consumer.Consume(ctx, c.handle)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *ToolStatsConsumer) handle(ctx context.Context, msg kafkaadapter.Message) error {
	var payload structpb.Struct
	if err := proto.Unmarshal(msg.Value, &payload); err != nil {
		return errors.Wrap(err, "unmarshal tool call event")
	}
	event, err := events.ToolCallEventFromStruct(&payload)
	if err != nil {
		return err
	}
	return c.Add(ctx, event)
}

// Add buffers one event and flushes once the batch is full.
func (c *ToolStatsConsumer) Add(ctx context.Context, event *events.ToolCallEvent) error {
	if event.CallID == "" || event.ToolName == "" {
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		return errors.NewValidationError("call_id", "tool call event without call ID or tool name", nil)
	}

	c.mu.Lock()
	c.batch = append(c.batch, c.row(event))
	full := len(c.batch) >= c.batchSize
	c.mu.Unlock()

	if full {
		return c.FlushBatch(ctx)
	}
	return nil
}

func (c *ToolStatsConsumer) row(e *events.ToolCallEvent) stats.ToolUsageEvent {
	app := e.AppName
	if app == "" {
		app = c.appName
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return stats.ToolUsageEvent{
		AppName:      app,
		UserID:       e.UserID,
		SessionID:    e.SessionID,
		InvocationID: e.InvocationID,
		AgentName:    e.AgentName,
		CallID:       e.CallID,
		ToolName:     e.ToolName,
		Mode:         e.Mode,
		Timestamp:    ts,
		DurationMs:   e.Duration.Milliseconds(),
		Success:      e.Status != events.StatusError,
		Pending:      e.Status == events.StatusPending,
	}
}

// FlushBatch writes the buffered rows. A failed batch is dropped; the
// stats are advisory and the events stay on the topic for replays.
func (c *ToolStatsConsumer) FlushBatch(ctx context.Context) error {
	c.mu.Lock()
	if len(c.batch) == 0 {
		c.mu.Unlock()
		return nil
	}
	rows := c.batch
	c.batch = nil
	c.mu.Unlock()

	if err := c.repo.InsertToolUsageBatch(ctx, rows); err != nil {
		c.mu.Lock()
		c.failed += uint64(len(rows))
		c.mu.Unlock()
		return errors.Wrapf(err, "insert %d tool usage row(s)", len(rows))
	}

	c.mu.Lock()
	c.written += uint64(len(rows))
	c.mu.Unlock()
	return nil
}

// LogStats logs consumer statistics
func (c *ToolStatsConsumer) LogStats(final bool) {
	c.mu.Lock()
	written, failed, skipped, buffered := c.written, c.failed, c.skipped, len(c.batch)
	c.mu.Unlock()

	msg := "Tool stats consumer"
	if final {
		msg = "Tool stats consumer final"
	}
	c.log.Infow(msg,
		"written", humanize.Comma(int64(written)),
		"failed", failed,
		"skipped", skipped,
		"buffered", buffered,
	)
}
