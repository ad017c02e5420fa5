package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"buildplane/internal/store"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultTopic is the topic builds are published on.
const DefaultTopic = "buildplane.builds"

// QueueTransport writes builds to the durable store queue in the same
// transaction that creates them.
type QueueTransport struct {
	queue store.Queue
}

func NewQueueTransport(q store.Queue) *QueueTransport {
	return &QueueTransport{queue: q}
}

func (t *QueueTransport) Send(ctx context.Context, tx store.Tx, build *store.Build) error {
	payload, err := json.Marshal(NewPayload(ctx, build))
	if err != nil {
		return err
	}
	if _, err := t.queue.Enqueue(ctx, tx, build.ID, payload, time.Time{}); err != nil {
		return fmt.Errorf("failed to enqueue build %s: %w", build.ID, err)
	}
	return nil
}

// MessageTransport publishes builds on a watermill publisher, usually Kafka.
// It cannot join the store transaction: a publish failure aborts the build,
// a failed commit after publishing leaves a message whose build never existed.
type MessageTransport struct {
	publisher message.Publisher
	topic     string
}

func NewMessageTransport(publisher message.Publisher, topic string) *MessageTransport {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MessageTransport{publisher: publisher, topic: topic}
}

func (t *MessageTransport) Send(ctx context.Context, _ store.Tx, build *store.Build) error {
	payload, err := json.Marshal(NewPayload(ctx, build))
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("build_id", build.ID.String())
	msg.Metadata.Set("project_id", build.ProjectID.String())
	if err := t.publisher.Publish(t.topic, msg); err != nil {
		return fmt.Errorf("failed to publish build %s: %w", build.ID, err)
	}
	return nil
}

// KafkaConfig holds the Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// NewKafkaPublisher creates a publisher for MessageTransport.
func NewKafkaPublisher(cfg KafkaConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:   cfg.Brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
}

// NewKafkaSubscriber creates the subscriber workers consume builds from.
func NewKafkaSubscriber(cfg KafkaConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	group := cfg.ConsumerGroup
	if group == "" {
		group = "buildplane-workers"
	}
	return kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:       cfg.Brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: group,
		},
		logger,
	)
}
