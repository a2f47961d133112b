package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/source"
)

// Metadata keys set on every received payload
const (
	MetadataTopic     = "topic"
	MetadataPartition = "partition"
	MetadataOffset    = "offset"
	MetadataKey       = "key"
)

// Receiver consumes one topic as part of a consumer group. A message key,
// when present, is used as the device token.
type Receiver struct {
	id         string
	cfg        ReaderConfig
	newReader  func(ReaderConfig) messageReader
	retryDelay time.Duration

	mu     sync.Mutex
	reader messageReader
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a Kafka receiver
func NewReceiver(id string, cfg ReaderConfig) *Receiver {
	return &Receiver{
		id:         id,
		cfg:        cfg,
		retryDelay: time.Second,
		newReader: func(c ReaderConfig) messageReader {
			return newReader(c)
		},
	}
}

func (r *Receiver) ID() string { return r.id }

// Start launches the read loop
func (r *Receiver) Start(ctx context.Context, sink source.Sink) error {
	if len(r.cfg.Brokers) == 0 || r.cfg.Topic == "" {
		return fmt.Errorf("kafka receiver %s requires brokers and a topic", r.id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		return fmt.Errorf("kafka receiver %s already started", r.id)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.reader = r.newReader(r.cfg)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(loopCtx, r.reader, sink)

	log.Info("receiver %s consuming %s (group %s)", r.id, r.cfg.Topic, r.cfg.GroupID)
	return nil
}

func (r *Receiver) loop(ctx context.Context, reader messageReader, sink source.Sink) {
	defer r.wg.Done()
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Error("receiver %s read failed: %v", r.id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.retryDelay):
				continue
			}
		}

		md := map[string]string{
			MetadataTopic:     msg.Topic,
			MetadataPartition: strconv.Itoa(msg.Partition),
			MetadataOffset:    strconv.FormatInt(msg.Offset, 10),
		}
		if len(msg.Key) > 0 {
			md[MetadataKey] = string(msg.Key)
			md[codec.MetadataDeviceToken] = string(msg.Key)
		}
		sink.OnPayload(ctx, msg.Value, md)
	}
}

// Stop ends the read loop and closes the reader.
func (r *Receiver) Stop(context.Context) error {
	r.mu.Lock()
	reader, cancel := r.reader, r.cancel
	r.reader, r.cancel = nil, nil
	r.mu.Unlock()

	if reader == nil {
		return nil
	}
	cancel()
	err := reader.Close()
	r.wg.Wait()
	return err
}
