// Package kafka receives device payloads from Kafka topics, delivers
// commands to Kafka topics and forwards outbound events.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eddielth/device-comm/logger"
)

var log = logger.Named("kafka")

const (
	readerMinBytes = 1
	readerMaxBytes = 10_000_000
)

// ReaderConfig configures a consumer group reader.
type ReaderConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topic   string   `mapstructure:"topic"`
}

// WriterConfig configures a writer. Topics are chosen per message.
type WriterConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequireAll   bool          `mapstructure:"require_all"`
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           cfg.Topic,
		MinBytes:        readerMinBytes,
		MaxBytes:        readerMaxBytes,
		MaxWait:         250 * time.Millisecond,
		ReadLagInterval: -1,
	})
}

func newWriter(cfg WriterConfig) *kafka.Writer {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Millisecond
	}
	acks := kafka.RequireOne
	if cfg.RequireAll {
		acks = kafka.RequireAll
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: acks,
	}
}
