package outbound

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/pool"
)

type recorder struct {
	mu      sync.Mutex
	methods []string
	block   chan struct{}
	taken   chan struct{}
}

func (r *recorder) rec(ctx context.Context, m string) error {
	if r.taken != nil {
		select {
		case r.taken <- struct{}{}:
		default:
		}
	}
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	r.mu.Lock()
	r.methods = append(r.methods, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnMeasurements(ctx context.Context, _ *model.MeasurementsEvent) error {
	return r.rec(ctx, "measurements")
}
func (r *recorder) OnLocation(ctx context.Context, _ *model.LocationEvent) error {
	return r.rec(ctx, "location")
}
func (r *recorder) OnAlert(ctx context.Context, _ *model.AlertEvent) error {
	return r.rec(ctx, "alert")
}
func (r *recorder) OnCommandInvocation(ctx context.Context, _ *model.CommandInvocationEvent) error {
	return r.rec(ctx, "commandInvocation")
}
func (r *recorder) OnCommandResponse(ctx context.Context, _ *model.CommandResponseEvent) error {
	return r.rec(ctx, "commandResponse")
}
func (r *recorder) OnStateChange(ctx context.Context, _ *model.StateChangeEvent) error {
	return r.rec(ctx, "stateChange")
}

type oddEvent struct{}

func (oddEvent) EventKind() model.EventKind { return model.EventUnknown }
func (oddEvent) Meta() model.EventMeta      { return model.EventMeta{} }

func TestDispatchByEventKind(t *testing.T) {
	events := []model.Event{
		&model.MeasurementsEvent{},
		&model.LocationEvent{},
		&model.AlertEvent{},
		&model.CommandInvocationEvent{},
		&model.CommandResponseEvent{},
		&model.StateChangeEvent{},
	}
	for _, e := range events {
		r := &recorder{}
		require.NoError(t, Dispatch(context.Background(), r, e))
		require.Len(t, r.methods, 1)
		assert.Equal(t, e.EventKind().String(), r.methods[0])
	}

	r := &recorder{}
	assert.ErrorIs(t, Dispatch(context.Background(), r, oddEvent{}), ErrUnroutableKind)
	assert.Empty(t, r.methods)
}

func TestSubmitReportsOverflowAfterBoundedWait(t *testing.T) {
	r := &recorder{block: make(chan struct{}), taken: make(chan struct{}, 1)}
	s := NewStrategy(Config{QueueCapacity: 1, Workers: 1, EnqueueTimeout: 20 * time.Millisecond}, r)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.Submit(context.Background(), &model.AlertEvent{}))
	<-r.taken
	require.NoError(t, s.Submit(context.Background(), &model.AlertEvent{}))

	start := time.Now()
	err := s.Submit(context.Background(), &model.AlertEvent{})
	assert.ErrorIs(t, err, pool.ErrQueueFull)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.ErrorIs(t, s.TrySubmit(&model.AlertEvent{}), pool.ErrQueueFull)
	assert.Equal(t, int64(2), s.Stats().Rejected)

	close(r.block)
	require.Eventually(t, func() bool { return s.Stats().Processed == 2 }, time.Second, time.Millisecond)
}

func TestStartRequiresProcessor(t *testing.T) {
	s := NewStrategy(Config{}, nil)
	assert.ErrorIs(t, s.Start(context.Background()), ErrMissingProcessor)
}
