package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/source"
)

// Metadata keys set on every received payload
const (
	MetadataSubject = "subject"
	MetadataReply   = "reply"
)

// Receiver forwards messages from NATS subjects to an event source. With a
// queue group, each message goes to one member of the group.
type Receiver struct {
	id       string
	conn     conn
	subjects []string
	queue    string

	mu   sync.Mutex
	subs []subscription
}

// NewReceiver creates a receiver on an established connection.
func NewReceiver(id string, nc *nats.Conn, subjects []string, queue string) *Receiver {
	return &Receiver{id: id, conn: natsConn{nc}, subjects: subjects, queue: queue}
}

func (r *Receiver) ID() string { return r.id }

func (r *Receiver) Start(ctx context.Context, sink source.Sink) error {
	if len(r.subjects) == 0 {
		return fmt.Errorf("receiver %s has no subjects", r.id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return fmt.Errorf("nats receiver %s already started", r.id)
	}

	for _, subject := range r.subjects {
		sub, err := r.conn.subscribe(subject, r.queue, func(msg *nats.Msg) {
			r.onMessage(ctx, sink, msg)
		})
		if err != nil {
			r.unsubscribeLocked()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
		log.Info("receiver %s subscribed to %s", r.id, subject)
	}
	return nil
}

func (r *Receiver) onMessage(ctx context.Context, sink source.Sink, msg *nats.Msg) {
	md := map[string]string{MetadataSubject: msg.Subject}
	if msg.Reply != "" {
		md[MetadataReply] = msg.Reply
	}
	if token := TokenFromSubject(msg.Subject); token != "" {
		md[codec.MetadataDeviceToken] = token
	}
	sink.OnPayload(ctx, msg.Data, md)
}

func (r *Receiver) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked()
	return nil
}

func (r *Receiver) unsubscribeLocked() {
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn("receiver %s unsubscribe failed: %v", r.id, err)
		}
	}
	r.subs = nil
}
