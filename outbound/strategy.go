// Package outbound queues persisted events and dispatches them by kind to the
// outbound processing chain.
package outbound

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
	// ErrUnroutableKind is returned for an event kind with no handler
	ErrUnroutableKind = errors.New("unroutable event kind")

	// ErrMissingProcessor is returned by Start when no processor was configured
	ErrMissingProcessor = errors.New("outbound processor not configured")
)

// Processor is the outbound processing chain.
type Processor interface {
	OnMeasurements(ctx context.Context, e *model.MeasurementsEvent) error
	OnLocation(ctx context.Context, e *model.LocationEvent) error
	OnAlert(ctx context.Context, e *model.AlertEvent) error
	OnCommandInvocation(ctx context.Context, e *model.CommandInvocationEvent) error
	OnCommandResponse(ctx context.Context, e *model.CommandResponseEvent) error
	OnStateChange(ctx context.Context, e *model.StateChangeEvent) error
}

// Dispatch calls the processor method matching the event kind.
func Dispatch(ctx context.Context, proc Processor, event model.Event) error {
	switch e := event.(type) {
	case *model.MeasurementsEvent:
		return proc.OnMeasurements(ctx, e)
	case *model.LocationEvent:
		return proc.OnLocation(ctx, e)
	case *model.AlertEvent:
		return proc.OnAlert(ctx, e)
	case *model.CommandInvocationEvent:
		return proc.OnCommandInvocation(ctx, e)
	case *model.CommandResponseEvent:
		return proc.OnCommandResponse(ctx, e)
	case *model.StateChangeEvent:
		return proc.OnStateChange(ctx, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnroutableKind, event)
	}
}

// Config holds the outbound strategy settings.
type Config struct {
	QueueCapacity int
	Workers       int
	// EnqueueTimeout bounds how long Submit waits for a free slot.
	// Zero waits until the caller's context ends.
	EnqueueTimeout     time.Duration
	Monitoring         bool
	MonitoringInterval time.Duration
	Registerer         prometheus.Registerer
}

// Strategy is the egress backpressure stage between persistence and the
// outbound chain. A full queue is always reported to the caller.
type Strategy struct {
	processor      Processor
	enqueueTimeout time.Duration
	pool           *pool.Pool[model.Event]
}

// NewStrategy creates an outbound strategy feeding processor.
func NewStrategy(cfg Config, processor Processor) *Strategy {
	s := &Strategy{processor: processor, enqueueTimeout: cfg.EnqueueTimeout}

	var opts []pool.Option[model.Event]
	if cfg.Monitoring {
		interval := cfg.MonitoringInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		opts = append(opts, pool.WithMonitoring[model.Event](interval))
	}
	if cfg.Registerer != nil {
		opts = append(opts, pool.WithRegisterer[model.Event](cfg.Registerer))
	}

	s.pool = pool.New("outbound", cfg.QueueCapacity, cfg.Workers, s.process, opts...)
	return s
}

func (s *Strategy) process(ctx context.Context, event model.Event) error {
	return Dispatch(ctx, s.processor, event)
}

// Start launches the workers.
func (s *Strategy) Start(ctx context.Context) error {
	if s.processor == nil {
		return ErrMissingProcessor
	}
	return s.pool.Start(ctx)
}

// Stop terminates the workers. Queued events are abandoned.
func (s *Strategy) Stop() {
	s.pool.Stop()
}

// Submit enqueues event, waiting up to the configured enqueue timeout for
// space. On expiry it returns pool.ErrQueueFull.
func (s *Strategy) Submit(ctx context.Context, event model.Event) error {
	return s.pool.SubmitTimeout(ctx, event, s.enqueueTimeout)
}

// TrySubmit enqueues event only if there is room right now.
func (s *Strategy) TrySubmit(event model.Event) error {
	return s.pool.TrySubmit(event)
}

// Stats returns queue and worker statistics.
func (s *Strategy) Stats() pool.Stats {
	return s.pool.Stats()
}
