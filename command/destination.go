package command

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/eddielth/device-comm/codec"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/model"
)

// Encoder produces the transport payload for a command. ok is false when
// delivery should be skipped.
type Encoder[T any] interface {
	Encode(exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) (encoded T, ok bool, err error)
	EncodeSystemCommand(cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) (encoded T, ok bool, err error)
}

// ParameterExtractor computes transport delivery parameters such as a topic.
// exec is nil for system commands.
type ParameterExtractor[P any] interface {
	ExtractParameters(nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution) (P, error)
}

// DeliveryProvider performs the transport I/O. exec is nil for system commands.
type DeliveryProvider[T, P any] interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Deliver(ctx context.Context, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution, encoded T, params P) error
}

// CommandDestination is a started destination as seen by routers.
type CommandDestination interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Started() bool
	DeliverCommand(ctx context.Context, exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error
	DeliverSystemCommand(ctx context.Context, cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error
}

// BytesEncoder adapts a codec.Encoder; a nil encoding skips delivery.
type BytesEncoder struct {
	Codec codec.Encoder
}

func (e BytesEncoder) Encode(exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]byte, bool, error) {
	b, err := e.Codec.EncodeCommand(exec, nesting, assignment)
	return b, b != nil, err
}

func (e BytesEncoder) EncodeSystemCommand(cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) ([]byte, bool, error) {
	b, err := e.Codec.EncodeSystemCommand(cmd, nesting, assignment)
	return b, b != nil, err
}

// Destination owns an encoder, an extractor and a delivery provider. It is
// read-only after Start.
type Destination[T, P any] struct {
	id        string
	encoder   Encoder[T]
	extractor ParameterExtractor[P]
	provider  DeliveryProvider[T, P]
	started   atomic.Bool
	log       logger.Component
}

// NewDestination creates a destination. Missing collaborators are reported by Start.
func NewDestination[T, P any](id string, encoder Encoder[T], extractor ParameterExtractor[P], provider DeliveryProvider[T, P]) *Destination[T, P] {
	return &Destination[T, P]{
		id:        id,
		encoder:   encoder,
		extractor: extractor,
		provider:  provider,
		log:       logger.Named("destination:" + id),
	}
}

func (d *Destination[T, P]) ID() string { return d.id }

func (d *Destination[T, P]) Started() bool { return d.started.Load() }

// Start starts the delivery provider after checking every collaborator is set.
func (d *Destination[T, P]) Start(ctx context.Context) error {
	component := "command destination " + d.id
	switch {
	case d.encoder == nil:
		return &LifecycleError{Component: component, Missing: "encoder"}
	case d.extractor == nil:
		return &LifecycleError{Component: component, Missing: "parameter extractor"}
	case d.provider == nil:
		return &LifecycleError{Component: component, Missing: "delivery provider"}
	}
	if d.started.Load() {
		return nil
	}
	if err := d.provider.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery provider of %s: %w", d.id, err)
	}
	d.started.Store(true)
	return nil
}

// Stop stops the delivery provider
func (d *Destination[T, P]) Stop(ctx context.Context) error {
	if !d.started.CompareAndSwap(true, false) {
		return nil
	}
	return d.provider.Stop(ctx)
}

func targetToken(nesting *model.DeviceNestingContext) string {
	if t := nesting.Target(); t != nil {
		return t.Token
	}
	return ""
}

// DeliverCommand encodes, extracts parameters and delivers. A skipped
// encoding is logged once and is not an error.
func (d *Destination[T, P]) DeliverCommand(ctx context.Context, exec *model.CommandExecution, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error {
	if !d.started.Load() {
		return fmt.Errorf("%s: %w", d.id, ErrDestinationNotStarted)
	}
	encoded, ok, err := d.encoder.Encode(exec, nesting, assignment)
	if err != nil {
		return fmt.Errorf("failed to encode command %s for %s: %w", exec.Command.Name, targetToken(nesting), err)
	}
	if !ok {
		d.log.Info("no encoding for command %s to device %s, delivery skipped", exec.Command.Name, targetToken(nesting))
		return nil
	}
	params, err := d.extractor.ExtractParameters(nesting, assignment, exec)
	if err != nil {
		return fmt.Errorf("failed to extract delivery parameters for %s: %w", targetToken(nesting), err)
	}
	return d.provider.Deliver(ctx, nesting, assignment, exec, encoded, params)
}

// DeliverSystemCommand runs the same pipeline with a nil execution.
func (d *Destination[T, P]) DeliverSystemCommand(ctx context.Context, cmd model.SystemCommand, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment) error {
	if !d.started.Load() {
		return fmt.Errorf("%s: %w", d.id, ErrDestinationNotStarted)
	}
	encoded, ok, err := d.encoder.EncodeSystemCommand(cmd, nesting, assignment)
	if err != nil {
		return fmt.Errorf("failed to encode system command %s for %s: %w", cmd.SystemCommandType(), targetToken(nesting), err)
	}
	if !ok {
		d.log.Info("no encoding for system command %s to device %s, delivery skipped", cmd.SystemCommandType(), targetToken(nesting))
		return nil
	}
	params, err := d.extractor.ExtractParameters(nesting, assignment, nil)
	if err != nil {
		return fmt.Errorf("failed to extract delivery parameters for %s: %w", targetToken(nesting), err)
	}
	return d.provider.Deliver(ctx, nesting, assignment, nil, encoded, params)
}
