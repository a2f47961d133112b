// Package pipeline holds the default processing chains: the inbound chain
// persists device events and answers control requests, the outbound chain
// delivers command invocations and forwards events.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eddielth/device-comm/inbound"
	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
)

var log = logger.Named("pipeline")

var (
	// ErrUnregisteredDevice is returned for events from devices the
	// management store does not know
	ErrUnregisteredDevice = errors.New("device not registered")

	// ErrNoActiveAssignment is returned for events from devices without an
	// active assignment
	ErrNoActiveAssignment = errors.New("device has no active assignment")
)

// EventStore persists events. storage.Manager implements it.
type EventStore interface {
	StoreEvent(ctx context.Context, event model.Event) error
}

// EventSubmitter hands persisted events to the outbound path.
// outbound.Strategy implements it.
type EventSubmitter interface {
	Submit(ctx context.Context, event model.Event) error
}

// RegistrationHandler runs device registration.
type RegistrationHandler interface {
	HandleRegistration(ctx context.Context, req model.DecodedDeviceRequest, p *model.RegistrationRequest) error
}

// SystemCommandDeliverer sends framework-generated commands to devices.
type SystemCommandDeliverer interface {
	DeliverSystemCommand(ctx context.Context, deviceToken string, cmd model.SystemCommand) error
}

// InboundChain is the default inbound.Processor.
type InboundChain struct {
	provider     management.Provider
	registration RegistrationHandler
	events       EventStore
	outbound     EventSubmitter
	system       SystemCommandDeliverer

	newID func() string
	now   func() time.Time
}

var _ inbound.Processor = (*InboundChain)(nil)

// NewInboundChain wires the chain. outbound may be nil when nothing
// consumes persisted events.
func NewInboundChain(provider management.Provider, registration RegistrationHandler, events EventStore, outbound EventSubmitter, system SystemCommandDeliverer) *InboundChain {
	return &InboundChain{
		provider:     provider,
		registration: registration,
		events:       events,
		outbound:     outbound,
		system:       system,
		newID:        uuid.NewString,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (c *InboundChain) OnRegistration(ctx context.Context, req model.DecodedDeviceRequest, p *model.RegistrationRequest) error {
	return c.registration.HandleRegistration(ctx, req, p)
}

func (c *InboundChain) OnMeasurements(ctx context.Context, req model.DecodedDeviceRequest, p *model.MeasurementsRequest) error {
	meta, err := c.eventMeta(ctx, req, p.EventDate, p.Metadata)
	if err != nil {
		return err
	}
	return c.persist(ctx, &model.MeasurementsEvent{EventMeta: meta, Measurements: p.Measurements})
}

func (c *InboundChain) OnLocation(ctx context.Context, req model.DecodedDeviceRequest, p *model.LocationRequest) error {
	meta, err := c.eventMeta(ctx, req, p.EventDate, p.Metadata)
	if err != nil {
		return err
	}
	return c.persist(ctx, &model.LocationEvent{EventMeta: meta, Latitude: p.Latitude, Longitude: p.Longitude, Elevation: p.Elevation})
}

func (c *InboundChain) OnAlert(ctx context.Context, req model.DecodedDeviceRequest, p *model.AlertRequest) error {
	meta, err := c.eventMeta(ctx, req, p.EventDate, p.Metadata)
	if err != nil {
		return err
	}
	level := p.Level
	if level == "" {
		level = model.AlertInfo
	}
	return c.persist(ctx, &model.AlertEvent{EventMeta: meta, Type: p.Type, Level: level, Message: p.Message})
}

func (c *InboundChain) OnStateChange(ctx context.Context, req model.DecodedDeviceRequest, p *model.StateChangeRequest) error {
	meta, err := c.eventMeta(ctx, req, p.EventDate, p.Metadata)
	if err != nil {
		return err
	}
	return c.persist(ctx, &model.StateChangeEvent{
		EventMeta:     meta,
		Attribute:     p.Attribute,
		Type:          p.Type,
		PreviousState: p.PreviousState,
		NewState:      p.NewState,
	})
}

func (c *InboundChain) OnCommandResponse(ctx context.Context, req model.DecodedDeviceRequest, p *model.CommandResponseRequest) error {
	meta, err := c.eventMeta(ctx, req, p.EventDate, p.Metadata)
	if err != nil {
		return err
	}
	return c.persist(ctx, &model.CommandResponseEvent{
		EventMeta:          meta,
		OriginatingEventID: p.OriginatingEventID,
		ResponseEventID:    p.ResponseEventID,
		Response:           p.Response,
	})
}

func (c *InboundChain) OnStreamCreate(ctx context.Context, req model.DecodedDeviceRequest, p *model.StreamCreateRequest) error {
	_, assignment, err := c.resolve(ctx, req.DeviceToken)
	if err != nil {
		return err
	}
	err = c.provider.CreateStream(ctx, &model.DeviceStream{
		AssignmentToken: assignment.Token,
		StreamID:        p.StreamID,
		ContentType:     p.ContentType,
	})
	if err != nil {
		return fmt.Errorf("create stream %s for device %s: %w", p.StreamID, req.DeviceToken, err)
	}
	log.Info("created stream %s for device %s", p.StreamID, req.DeviceToken)
	return nil
}

func (c *InboundChain) OnStreamData(ctx context.Context, req model.DecodedDeviceRequest, p *model.StreamDataRequest) error {
	_, assignment, err := c.resolve(ctx, req.DeviceToken)
	if err != nil {
		return err
	}
	eventDate := p.EventDate
	if eventDate.IsZero() {
		eventDate = c.now()
	}
	err = c.provider.AddStreamData(ctx, &model.DeviceStreamData{
		AssignmentToken: assignment.Token,
		StreamID:        p.StreamID,
		SequenceNumber:  p.SequenceNumber,
		Data:            p.Data,
		EventDate:       eventDate,
	})
	if err != nil {
		return fmt.Errorf("add chunk %d to stream %s of device %s: %w", p.SequenceNumber, p.StreamID, req.DeviceToken, err)
	}
	return nil
}

// OnSendStreamData answers with the requested chunk. A missing chunk is
// answered with nil data.
func (c *InboundChain) OnSendStreamData(ctx context.Context, req model.DecodedDeviceRequest, p *model.SendStreamDataRequest) error {
	_, assignment, err := c.resolve(ctx, req.DeviceToken)
	if err != nil {
		return err
	}
	resp := &model.SendStreamDataResponse{
		StreamID:       p.StreamID,
		SequenceNumber: p.SequenceNumber,
		Originator:     req.Originator,
	}
	chunk, err := c.provider.GetStreamData(ctx, assignment.Token, p.StreamID, p.SequenceNumber)
	switch {
	case err == nil:
		resp.Data = chunk.Data
	case errors.Is(err, management.ErrNotFound):
		log.Warn("device %s requested missing chunk %d of stream %s", req.DeviceToken, p.SequenceNumber, p.StreamID)
	default:
		return err
	}
	return c.system.DeliverSystemCommand(ctx, req.DeviceToken, resp)
}

// OnDeviceMapping maps another device onto a path of the sender. The
// outcome is always acknowledged to the sender.
func (c *InboundChain) OnDeviceMapping(ctx context.Context, req model.DecodedDeviceRequest, p *model.DeviceMappingRequest) error {
	ack := &model.DeviceMappingAck{MappedDeviceToken: p.MappedDeviceToken, Originator: req.Originator}

	_, err := c.provider.AddElementMapping(ctx, req.DeviceToken, model.DeviceElementMapping{
		Path:        p.MappingPath,
		DeviceToken: p.MappedDeviceToken,
	})
	if err != nil {
		log.Warn("mapping %s onto %s of %s failed: %v", p.MappedDeviceToken, p.MappingPath, req.DeviceToken, err)
		ack.Result = model.MappingFailed
		ack.Message = err.Error()
	} else {
		ack.Result = model.MappingCreated
	}
	return c.system.DeliverSystemCommand(ctx, req.DeviceToken, ack)
}

// InvokeCommand records a command invocation event for the invocation's
// assignment and hands it to the outbound path, which delivers it.
func (c *InboundChain) InvokeCommand(ctx context.Context, inv model.CommandInvocation) (*model.CommandInvocationEvent, error) {
	assignment, err := c.provider.GetAssignment(ctx, inv.AssignmentToken)
	if err != nil {
		return nil, err
	}
	if _, err := c.provider.GetCommand(ctx, inv.CommandToken); err != nil {
		return nil, err
	}
	if inv.ID == "" {
		inv.ID = c.newID()
	}
	now := c.now()
	event := &model.CommandInvocationEvent{
		EventMeta: model.EventMeta{
			ID:              inv.ID,
			DeviceToken:     assignment.DeviceToken,
			AssignmentToken: assignment.Token,
			SiteToken:       assignment.SiteToken,
			EventDate:       now,
			ReceivedDate:    now,
		},
		Invocation: inv,
	}
	if err := c.persist(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (c *InboundChain) resolve(ctx context.Context, deviceToken string) (*model.Device, *model.DeviceAssignment, error) {
	device, err := c.provider.GetDevice(ctx, deviceToken)
	if errors.Is(err, management.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnregisteredDevice, deviceToken)
	}
	if err != nil {
		return nil, nil, err
	}
	assignment, err := c.provider.GetCurrentAssignment(ctx, deviceToken)
	if errors.Is(err, management.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrNoActiveAssignment, deviceToken)
	}
	if err != nil {
		return nil, nil, err
	}
	return device, assignment, nil
}

func (c *InboundChain) eventMeta(ctx context.Context, req model.DecodedDeviceRequest, eventDate time.Time, metadata map[string]string) (model.EventMeta, error) {
	_, assignment, err := c.resolve(ctx, req.DeviceToken)
	if err != nil {
		return model.EventMeta{}, err
	}
	received := c.now()
	if eventDate.IsZero() {
		eventDate = received
	}
	return model.EventMeta{
		ID:              c.newID(),
		DeviceToken:     req.DeviceToken,
		AssignmentToken: assignment.Token,
		SiteToken:       assignment.SiteToken,
		EventDate:       eventDate,
		ReceivedDate:    received,
		Metadata:        metadata,
	}, nil
}

// persist stores event, then submits it to the outbound path. A stored
// event that cannot be submitted is reported, never dropped silently.
func (c *InboundChain) persist(ctx context.Context, event model.Event) error {
	if err := c.events.StoreEvent(ctx, event); err != nil {
		return fmt.Errorf("store %s event from %s: %w", event.EventKind(), event.Meta().DeviceToken, err)
	}
	if c.outbound == nil {
		return nil
	}
	if err := c.outbound.Submit(ctx, event); err != nil {
		return fmt.Errorf("submit %s event %s to outbound: %w", event.EventKind(), event.Meta().ID, err)
	}
	return nil
}
