package mqtt

import (
	"context"
	"fmt"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/source"
)

// Metadata keys set on every received payload
const (
	MetadataTopic    = "topic"
	MetadataQoS      = "qos"
	MetadataRetained = "retained"
)

// Receiver forwards messages from subscribed topics to an event source.
type Receiver struct {
	id     string
	client *Client
	topics []string
	qos    byte

	subscribed []string
}

// NewReceiver creates a receiver subscribing to topics on client.
func NewReceiver(id string, client *Client, topics []string, qos byte) *Receiver {
	return &Receiver{id: id, client: client, topics: topics, qos: qos}
}

func (r *Receiver) ID() string { return r.id }

// Start connects and subscribes. A topic that fails to subscribe is logged
// and skipped; Start fails only when no topic could be subscribed.
func (r *Receiver) Start(ctx context.Context, sink source.Sink) error {
	if len(r.topics) == 0 {
		return fmt.Errorf("receiver %s has no topics", r.id)
	}
	if err := r.client.Acquire(ctx); err != nil {
		return err
	}

	r.subscribed = r.subscribed[:0]
	for _, topic := range r.topics {
		err := r.client.Subscribe(topic, r.qos, func(msg mqtt.Message) {
			r.onMessage(ctx, sink, msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
		})
		if err != nil {
			log.Warn("failed to subscribe to topic %s: %v", topic, err)
			continue
		}
		r.subscribed = append(r.subscribed, topic)
	}
	if len(r.subscribed) == 0 {
		r.client.Release()
		return fmt.Errorf("receiver %s could not subscribe to any topic", r.id)
	}
	return nil
}

func (r *Receiver) onMessage(ctx context.Context, sink source.Sink, topic string, payload []byte, qos byte, retained bool) {
	log.Debug("received message from topic %s", topic)
	md := map[string]string{
		MetadataTopic:    topic,
		MetadataQoS:      strconv.Itoa(int(qos)),
		MetadataRetained: strconv.FormatBool(retained),
	}
	if token := TokenFromTopic(topic); token != "" {
		md[codec.MetadataDeviceToken] = token
	}
	sink.OnPayload(ctx, payload, md)
}

// Stop unsubscribes and releases the connection.
func (r *Receiver) Stop(context.Context) error {
	if len(r.subscribed) == 0 {
		return nil
	}
	err := r.client.Unsubscribe(r.subscribed...)
	r.subscribed = nil
	r.client.Release()
	return err
}
