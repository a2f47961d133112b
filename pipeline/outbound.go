package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/outbound"
)

// CommandDeliverer delivers command invocations. command.Strategy
// implements it.
type CommandDeliverer interface {
	DeliverCommand(ctx context.Context, inv *model.CommandInvocation) (*model.CommandExecution, error)
}

// EventForwarder sends events to an external system.
type EventForwarder interface {
	Name() string
	Forward(ctx context.Context, event model.Event) error
}

// OutboundChain is the default outbound.Processor.
type OutboundChain struct {
	commands   CommandDeliverer
	forwarders []EventForwarder
}

var _ outbound.Processor = (*OutboundChain)(nil)

func NewOutboundChain(commands CommandDeliverer, forwarders ...EventForwarder) *OutboundChain {
	return &OutboundChain{commands: commands, forwarders: forwarders}
}

func (c *OutboundChain) OnMeasurements(ctx context.Context, e *model.MeasurementsEvent) error {
	return c.forward(ctx, e)
}

func (c *OutboundChain) OnLocation(ctx context.Context, e *model.LocationEvent) error {
	return c.forward(ctx, e)
}

func (c *OutboundChain) OnAlert(ctx context.Context, e *model.AlertEvent) error {
	return c.forward(ctx, e)
}

// OnCommandInvocation delivers the command, then forwards the event
// whatever the delivery outcome.
func (c *OutboundChain) OnCommandInvocation(ctx context.Context, e *model.CommandInvocationEvent) error {
	var deliverErr error
	if c.commands != nil {
		inv := e.Invocation
		if exec, err := c.commands.DeliverCommand(ctx, &inv); err != nil {
			deliverErr = fmt.Errorf("deliver invocation %s: %w", e.ID, err)
		} else {
			log.Debug("delivered execution %s of command %s", exec.ID, exec.Command.Name)
		}
	}
	return errors.Join(deliverErr, c.forward(ctx, e))
}

func (c *OutboundChain) OnCommandResponse(ctx context.Context, e *model.CommandResponseEvent) error {
	return c.forward(ctx, e)
}

func (c *OutboundChain) OnStateChange(ctx context.Context, e *model.StateChangeEvent) error {
	return c.forward(ctx, e)
}

func (c *OutboundChain) forward(ctx context.Context, event model.Event) error {
	var errs []error
	for _, f := range c.forwarders {
		if err := f.Forward(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("forward %s event %s via %s: %w", event.EventKind(), event.Meta().ID, f.Name(), err))
		}
	}
	return errors.Join(errs...)
}
