// Package inbound queues decoded device requests and dispatches them by kind
// to the inbound processing chain.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/pool"
)

var (
	// ErrUnroutableKind is returned for a request whose payload kind has no handler
	ErrUnroutableKind = errors.New("unroutable request kind")

	// ErrMissingProcessor is returned by Start when no processor was configured
	ErrMissingProcessor = errors.New("inbound processor not configured")
)

// Processor is the inbound processing chain. Exactly one method is called
// per request, synchronously, from a worker goroutine.
type Processor interface {
	OnRegistration(ctx context.Context, req model.DecodedDeviceRequest, p *model.RegistrationRequest) error
	OnMeasurements(ctx context.Context, req model.DecodedDeviceRequest, p *model.MeasurementsRequest) error
	OnLocation(ctx context.Context, req model.DecodedDeviceRequest, p *model.LocationRequest) error
	OnAlert(ctx context.Context, req model.DecodedDeviceRequest, p *model.AlertRequest) error
	OnStateChange(ctx context.Context, req model.DecodedDeviceRequest, p *model.StateChangeRequest) error
	OnCommandResponse(ctx context.Context, req model.DecodedDeviceRequest, p *model.CommandResponseRequest) error
	OnStreamCreate(ctx context.Context, req model.DecodedDeviceRequest, p *model.StreamCreateRequest) error
	OnStreamData(ctx context.Context, req model.DecodedDeviceRequest, p *model.StreamDataRequest) error
	OnSendStreamData(ctx context.Context, req model.DecodedDeviceRequest, p *model.SendStreamDataRequest) error
	OnDeviceMapping(ctx context.Context, req model.DecodedDeviceRequest, p *model.DeviceMappingRequest) error
}

// Dispatch calls the processor method matching the request payload.
func Dispatch(ctx context.Context, proc Processor, req model.DecodedDeviceRequest) error {
	switch p := req.Payload.(type) {
	case *model.RegistrationRequest:
		return proc.OnRegistration(ctx, req, p)
	case *model.MeasurementsRequest:
		return proc.OnMeasurements(ctx, req, p)
	case *model.LocationRequest:
		return proc.OnLocation(ctx, req, p)
	case *model.AlertRequest:
		return proc.OnAlert(ctx, req, p)
	case *model.StateChangeRequest:
		return proc.OnStateChange(ctx, req, p)
	case *model.CommandResponseRequest:
		return proc.OnCommandResponse(ctx, req, p)
	case *model.StreamCreateRequest:
		return proc.OnStreamCreate(ctx, req, p)
	case *model.StreamDataRequest:
		return proc.OnStreamData(ctx, req, p)
	case *model.SendStreamDataRequest:
		return proc.OnSendStreamData(ctx, req, p)
	case *model.DeviceMappingRequest:
		return proc.OnDeviceMapping(ctx, req, p)
	default:
		return fmt.Errorf("%w: %T from device %s", ErrUnroutableKind, req.Payload, req.DeviceToken)
	}
}

// Config holds the inbound strategy settings.
type Config struct {
	QueueCapacity      int
	Workers            int
	Monitoring         bool
	MonitoringInterval time.Duration
	Registerer         prometheus.Registerer
}

// Strategy is the ingestion backpressure stage: all event sources submit
// into one bounded queue drained by a fixed worker pool.
type Strategy struct {
	processor Processor
	pool      *pool.Pool[model.DecodedDeviceRequest]
}

// NewStrategy creates an inbound strategy feeding processor.
func NewStrategy(cfg Config, processor Processor) *Strategy {
	s := &Strategy{processor: processor}

	var opts []pool.Option[model.DecodedDeviceRequest]
	if cfg.Monitoring {
		interval := cfg.MonitoringInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		opts = append(opts, pool.WithMonitoring[model.DecodedDeviceRequest](interval))
	}
	if cfg.Registerer != nil {
		opts = append(opts, pool.WithRegisterer[model.DecodedDeviceRequest](cfg.Registerer))
	}

	s.pool = pool.New("inbound", cfg.QueueCapacity, cfg.Workers, s.process, opts...)
	return s
}

func (s *Strategy) process(ctx context.Context, req model.DecodedDeviceRequest) error {
	return Dispatch(ctx, s.processor, req)
}

// Start launches the workers.
func (s *Strategy) Start(ctx context.Context) error {
	if s.processor == nil {
		return ErrMissingProcessor
	}
	return s.pool.Start(ctx)
}

// Stop terminates the workers. Queued requests are abandoned.
func (s *Strategy) Stop() {
	s.pool.Stop()
}

// Submit enqueues req, blocking while the queue is full. This is what
// throttles receivers to the processing rate.
func (s *Strategy) Submit(ctx context.Context, req model.DecodedDeviceRequest) error {
	return s.pool.Submit(ctx, req)
}

// TrySubmit enqueues req only if there is room, returning pool.ErrQueueFull otherwise.
func (s *Strategy) TrySubmit(req model.DecodedDeviceRequest) error {
	return s.pool.TrySubmit(req)
}

// Stats returns queue and worker statistics.
func (s *Strategy) Stats() pool.Stats {
	return s.pool.Stats()
}
