package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/eddielth/device-comm/model"
)

// ForwarderConfig configures the outbound event forwarder.
type ForwarderConfig struct {
	WriterConfig `mapstructure:",squash"`
	Topic        string `mapstructure:"topic"`
}

// eventMessage is the forwarded form of an event
type eventMessage struct {
	Kind  string      `json:"kind"`
	Event model.Event `json:"event"`
}

// EventForwarder publishes outbound events as JSON keyed by device token.
type EventForwarder struct {
	topic  string
	writer messageWriter
}

// NewEventForwarder creates a forwarder writing to cfg.Topic
func NewEventForwarder(cfg ForwarderConfig) (*EventForwarder, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka forwarder requires brokers and a topic")
	}
	return &EventForwarder{topic: cfg.Topic, writer: newWriter(cfg.WriterConfig)}, nil
}

// Name identifies the forwarder in logs
func (f *EventForwarder) Name() string { return "kafka:" + f.topic }

// Forward writes one event
func (f *EventForwarder) Forward(ctx context.Context, event model.Event) error {
	b, err := json.Marshal(eventMessage{Kind: event.EventKind().String(), Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.EventKind(), err)
	}
	return f.writer.WriteMessages(ctx, kafka.Message{
		Topic: f.topic,
		Key:   []byte(event.Meta().DeviceToken),
		Value: b,
	})
}

// Close flushes and closes the writer
func (f *EventForwarder) Close() error {
	return f.writer.Close()
}
