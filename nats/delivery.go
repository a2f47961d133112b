package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/eddielth/device-comm/command"
	"github.com/eddielth/device-comm/model"
)

const (
	DefaultCommandSubject = "devices.{gateway}.commands"
	DefaultSystemSubject  = "devices.{gateway}.system"
)

// Parameters addresses one publish
type Parameters struct {
	Subject string
}

// ParameterExtractor renders command and system subjects from templates.
type ParameterExtractor struct {
	command.TemplateExtractor
}

func NewParameterExtractor(commandSubject, systemSubject string) ParameterExtractor {
	if commandSubject == "" {
		commandSubject = DefaultCommandSubject
	}
	if systemSubject == "" {
		systemSubject = DefaultSystemSubject
	}
	return ParameterExtractor{command.TemplateExtractor{Command: commandSubject, System: systemSubject}}
}

func (e ParameterExtractor) ExtractParameters(nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution) (Parameters, error) {
	subject := e.Render(nesting, assignment, exec)
	if subject == "" {
		return Parameters{}, fmt.Errorf("empty NATS subject")
	}
	return Parameters{Subject: subject}, nil
}

// DeliveryProvider publishes encoded commands. The connection is owned by
// the caller.
type DeliveryProvider struct {
	conn conn
}

func NewDeliveryProvider(nc *nats.Conn) *DeliveryProvider {
	return &DeliveryProvider{conn: natsConn{nc}}
}

func (p *DeliveryProvider) Start(context.Context) error {
	if p.conn == nil {
		return fmt.Errorf("nats delivery has no connection")
	}
	return nil
}

func (p *DeliveryProvider) Stop(context.Context) error { return nil }

func (p *DeliveryProvider) Deliver(_ context.Context, _ *model.DeviceNestingContext, _ *model.DeviceAssignment, _ *model.CommandExecution, encoded []byte, params Parameters) error {
	if err := p.conn.publish(params.Subject, encoded); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", params.Subject, err)
	}
	return nil
}
