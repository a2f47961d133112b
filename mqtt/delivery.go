package mqtt

import (
	"context"
	"fmt"

	"github.com/eddielth/device-comm/command"
	"github.com/eddielth/device-comm/model"
)

// Parameters addresses one publish
type Parameters struct {
	Topic string
}

// ParameterExtractor renders command and system command topics. Templates
// may use {gateway}, {device} and {assignment}.
type ParameterExtractor struct {
	command.TemplateExtractor
}

// DefaultCommandTopic and DefaultSystemTopic are used when no template is configured.
const (
	DefaultCommandTopic = "devices/{gateway}/commands"
	DefaultSystemTopic  = "devices/{gateway}/system"
)

// NewParameterExtractor creates an extractor, applying default templates.
func NewParameterExtractor(commandTopic, systemTopic string) ParameterExtractor {
	if commandTopic == "" {
		commandTopic = DefaultCommandTopic
	}
	if systemTopic == "" {
		systemTopic = DefaultSystemTopic
	}
	return ParameterExtractor{command.TemplateExtractor{Command: commandTopic, System: systemTopic}}
}

func (e ParameterExtractor) ExtractParameters(nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution) (Parameters, error) {
	topic := e.Render(nesting, assignment, exec)
	if topic == "" {
		return Parameters{}, fmt.Errorf("empty MQTT topic")
	}
	return Parameters{Topic: topic}, nil
}

// DeliveryProvider publishes encoded commands.
type DeliveryProvider struct {
	client   *Client
	qos      byte
	retained bool
}

// NewDeliveryProvider creates a provider publishing through client.
func NewDeliveryProvider(client *Client, qos byte, retained bool) *DeliveryProvider {
	return &DeliveryProvider{client: client, qos: qos, retained: retained}
}

func (p *DeliveryProvider) Start(ctx context.Context) error { return p.client.Acquire(ctx) }

func (p *DeliveryProvider) Stop(context.Context) error {
	p.client.Release()
	return nil
}

func (p *DeliveryProvider) Deliver(ctx context.Context, _ *model.DeviceNestingContext, _ *model.DeviceAssignment, _ *model.CommandExecution, encoded []byte, params Parameters) error {
	if err := p.client.Publish(ctx, params.Topic, p.qos, p.retained, encoded); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", params.Topic, err)
	}
	return nil
}
