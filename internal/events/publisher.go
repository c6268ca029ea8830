package events

import (
	"context"

	"google.golang.org/protobuf/proto"

	"toolflow/internal/metrics"
	"toolflow/pkg/errors"
	"toolflow/pkg/logger"
)

// Sender writes raw messages to a topic. Implemented by kafka.Producer.
type Sender interface {
	PublishBinary(ctx context.Context, topic string, key, data []byte) error
}

// ToolCallPublisher is what the dispatcher needs from a publisher.
type ToolCallPublisher interface {
	PublishToolCall(ctx context.Context, event *ToolCallEvent) error
}

// Publisher publishes events to Kafka
type Publisher struct {
	producer Sender
	log      *logger.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(producer Sender, log *logger.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		log:      log.With("component", "event_publisher"),
	}
}

// PublishToolCall publishes a tool call lifecycle event keyed by call ID
func (p *Publisher) PublishToolCall(ctx context.Context, event *ToolCallEvent) error {
	msg, err := event.ToStruct()
	if err != nil {
		return err
	}
	return p.publish(ctx, TopicToolCalls, []byte(event.CallID), msg)
}

// publish is the generic publish method using protobuf serialization
func (p *Publisher) publish(ctx context.Context, topic string, key []byte, event proto.Message) error {
	data, err := proto.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal protobuf")
	}

	err = p.producer.PublishBinary(ctx, topic, key, data)
	metrics.RecordKafkaMessage(topic, err)
	if err != nil {
		p.log.Errorw("Failed to publish event",
			"topic", topic,
			"error", err,
		)
		return errors.Wrap(err, "send to kafka")
	}

	p.log.Debugw("Event published",
		"topic", topic,
		"size_bytes", len(data),
	)

	return nil
}
