package consumers

import (
	"context"
	"io"
	"time"

	"toolflow/pkg/logger"
)

// BatchConsumer accumulates messages and writes them out in batches.
type BatchConsumer interface {
	// FlushBatch writes the buffered rows. An empty buffer is a no-op.
	FlushBatch(ctx context.Context) error

	// LogStats logs consumer statistics (final is true on shutdown)
	LogStats(final bool)
}

// BatchConsumerConfig holds configuration for batch consumer lifecycle
type BatchConsumerConfig struct {
	ConsumerName  string
	FlushInterval time.Duration
	StatsInterval time.Duration
	Logger        *logger.Logger
}

// BatchConsumerLifecycle drives the periodic flush and stats tickers of a
// batch consumer and performs the final flush on shutdown.
type BatchConsumerLifecycle struct {
	config        BatchConsumerConfig
	source        io.Closer
	batchConsumer BatchConsumer
}

// NewBatchConsumerLifecycle creates a lifecycle manager. source is closed
// after the final flush; it may be nil.
func NewBatchConsumerLifecycle(config BatchConsumerConfig, source io.Closer, batchConsumer BatchConsumer) *BatchConsumerLifecycle {
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = time.Minute
	}
	if config.Logger == nil {
		config.Logger = logger.Get()
	}
	return &BatchConsumerLifecycle{
		config:        config,
		source:        source,
		batchConsumer: batchConsumer,
	}
}

// Start launches the tickers and returns the cleanup to defer:
//
//	cleanup := lifecycle.Start(ctx)
//	defer cleanup()
func (l *BatchConsumerLifecycle) Start(ctx context.Context) func() {
	l.config.Logger.Infow("Starting batch consumer lifecycle",
		"consumer", l.config.ConsumerName,
		"flush_interval", l.config.FlushInterval,
		"stats_interval", l.config.StatsInterval,
	)

	tickCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.tick(tickCtx)
	}()

	return func() {
		l.config.Logger.Infow("Closing batch consumer", "consumer", l.config.ConsumerName)

		stop()
		<-done

		// ctx is already cancelled here.
		if err := l.batchConsumer.FlushBatch(context.Background()); err != nil {
			l.config.Logger.Errorw("Failed to flush final batch",
				"consumer", l.config.ConsumerName,
				"error", err,
			)
		}
		l.batchConsumer.LogStats(true)

		if l.source == nil {
			return
		}
		if err := l.source.Close(); err != nil {
			l.config.Logger.Errorw("Failed to close Kafka consumer",
				"consumer", l.config.ConsumerName,
				"error", err,
			)
			return
		}
		l.config.Logger.Infow("✓ Batch consumer closed", "consumer", l.config.ConsumerName)
	}
}

func (l *BatchConsumerLifecycle) tick(ctx context.Context) {
	flush := time.NewTicker(l.config.FlushInterval)
	defer flush.Stop()
	statsTicker := time.NewTicker(l.config.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			if err := l.batchConsumer.FlushBatch(ctx); err != nil {
				l.config.Logger.Errorw("Periodic flush failed",
					"consumer", l.config.ConsumerName,
					"error", err,
				)
			}
		case <-statsTicker.C:
			l.batchConsumer.LogStats(false)
		}
	}
}
