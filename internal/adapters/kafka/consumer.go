package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"

	"toolflow/pkg/logger"
)

// Message is re-exported so callers do not import kafka-go directly.
type Message = kafka.Message

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic as part of a consumer group
type Consumer struct {
	reader Reader
	log    *logger.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10e6 // 10MB
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		StartOffset: kafka.FirstOffset,
	})

	return NewConsumerWithReader(reader, cfg.Topic)
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(reader Reader, topic string) *Consumer {
	return &Consumer{
		reader: reader,
		log:    logger.Get().With("component", "kafka_consumer", "topic", topic),
	}
}

// MessageHandler processes one message. A handler error is logged and the
// message is still committed; redelivery would only repeat the failure.
type MessageHandler func(ctx context.Context, msg Message) error

// Consume fetches messages until ctx is done, committing each one after
// the handler returns.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.log.Infof("Starting consumer")

	for {
		if ctx.Err() != nil {
			c.log.Infof("Consumer stopped")
			return ctx.Err()
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Infof("Consumer stopped")
				return ctx.Err()
			}
			c.log.Errorf("Failed to read message: %v", err)
			continue
		}

		if err := handler(ctx, msg); err != nil {
			c.log.Errorw("Failed to handle message",
				"offset", msg.Offset,
				"key", string(msg.Key),
				"error", err,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Errorf("Failed to commit offset %d: %v", msg.Offset, err)
		}
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
