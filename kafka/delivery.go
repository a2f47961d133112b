package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/eddielth/device-comm/command"
	"github.com/eddielth/device-comm/model"
)

// Parameters addresses one Kafka message
type Parameters struct {
	Topic string
	Key   string
}

// ParameterExtractor renders the topic from a template and keys messages
// by gateway token, so commands for one gateway stay ordered.
type ParameterExtractor struct {
	command.TemplateExtractor
	KeyTemplate string
}

// NewParameterExtractor creates an extractor. An empty system topic uses
// the command topic.
func NewParameterExtractor(commandTopic, systemTopic string) ParameterExtractor {
	return ParameterExtractor{
		TemplateExtractor: command.TemplateExtractor{Command: commandTopic, System: systemTopic},
		KeyTemplate:       "{gateway}",
	}
}

func (e ParameterExtractor) ExtractParameters(nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution) (Parameters, error) {
	topic := e.Render(nesting, assignment, exec)
	if topic == "" {
		return Parameters{}, fmt.Errorf("empty Kafka topic")
	}
	return Parameters{Topic: topic, Key: command.ExpandTemplate(e.KeyTemplate, nesting, assignment)}, nil
}

// DeliveryProvider writes encoded commands to Kafka.
type DeliveryProvider struct {
	cfg       WriterConfig
	newWriter func(WriterConfig) messageWriter

	mu     sync.RWMutex
	writer messageWriter
}

// NewDeliveryProvider creates a Kafka delivery provider
func NewDeliveryProvider(cfg WriterConfig) *DeliveryProvider {
	return &DeliveryProvider{
		cfg: cfg,
		newWriter: func(c WriterConfig) messageWriter {
			return newWriter(c)
		},
	}
}

func (p *DeliveryProvider) Start(context.Context) error {
	if len(p.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka delivery requires brokers")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		p.writer = p.newWriter(p.cfg)
	}
	return nil
}

func (p *DeliveryProvider) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}

func (p *DeliveryProvider) Deliver(ctx context.Context, _ *model.DeviceNestingContext, _ *model.DeviceAssignment, _ *model.CommandExecution, encoded []byte, params Parameters) error {
	p.mu.RLock()
	w := p.writer
	p.mu.RUnlock()
	if w == nil {
		return command.ErrDestinationNotStarted
	}
	msg := kafka.Message{Topic: params.Topic, Value: encoded}
	if params.Key != "" {
		msg.Key = []byte(params.Key)
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to %s: %w", params.Topic, err)
	}
	return nil
}
