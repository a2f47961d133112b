package command

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/model"
)

// BreakerConfig configures the circuit breaker around a delivery provider.
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

// BreakerDelivery stops calling a failing transport for OpenTimeout after
// MaxFailures consecutive failures. While open, Deliver returns
// gobreaker.ErrOpenState.
type BreakerDelivery[T, P any] struct {
	next DeliveryProvider[T, P]
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker wraps next in a circuit breaker named name.
func WithBreaker[T, P any](name string, cfg BreakerConfig, next DeliveryProvider[T, P]) *BreakerDelivery[T, P] {
	fails := cfg.MaxFailures
	if fails == 0 {
		fails = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log := logger.Named("breaker")
	return &BreakerDelivery[T, P]{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: cfg.Interval,
			Timeout:  timeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= fails
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("delivery %s: %s -> %s", name, from, to)
			},
		}),
	}
}

func (b *BreakerDelivery[T, P]) Start(ctx context.Context) error { return b.next.Start(ctx) }

func (b *BreakerDelivery[T, P]) Stop(ctx context.Context) error { return b.next.Stop(ctx) }

func (b *BreakerDelivery[T, P]) Deliver(ctx context.Context, nesting *model.DeviceNestingContext, assignment *model.DeviceAssignment, exec *model.CommandExecution, encoded T, params P) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Deliver(ctx, nesting, assignment, exec, encoded, params)
	})
	return err
}

// State returns the breaker state
func (b *BreakerDelivery[T, P]) State() gobreaker.State { return b.cb.State() }
