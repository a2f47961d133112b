// Package pool provides the bounded queue and worker pool behind the inbound
// and outbound processing strategies.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eddielth/device-comm/identity"
	"github.com/eddielth/device-comm/logger"
)

const (
	DefaultCapacity = 10000
	DefaultWorkers  = 100
)

// Handler processes one item. Errors are logged and counted; they never stop a worker.
type Handler[T any] func(ctx context.Context, item T) error

type entry[T any] struct {
	item     T
	enqueued time.Time
}

// Pool is a fixed-capacity FIFO queue drained by a fixed number of workers.
type Pool[T any] struct {
	name     string
	capacity int
	workers  int
	handler  Handler[T]
	queue    chan entry[T]
	log      logger.Component

	monitorInterval time.Duration
	registerer      prometheus.Registerer
	duration        prometheus.Histogram

	lifecycleMu sync.Mutex
	started     atomic.Bool
	stopped     atomic.Bool
	done        chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// Held shared across check-and-enqueue, exclusively by Stop before draining.
	submitMu sync.RWMutex

	submitted   atomic.Int64
	processed   atomic.Int64
	failed      atomic.Int64
	rejected    atomic.Int64
	abandoned   atomic.Int64
	waitNanos   atomic.Int64
	handleNanos atomic.Int64
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMonitoring periodically logs throughput, backlog and timings.
func WithMonitoring[T any](interval time.Duration) Option[T] {
	return func(p *Pool[T]) {
		p.monitorInterval = interval
	}
}

// WithRegisterer exposes pool statistics as Prometheus metrics.
func WithRegisterer[T any](reg prometheus.Registerer) Option[T] {
	return func(p *Pool[T]) {
		p.registerer = reg
	}
}

// New creates a pool. Non-positive sizes fall back to the defaults.
func New[T any](name string, capacity, workers int, handler Handler[T], opts ...Option[T]) *Pool[T] {
	if handler == nil {
		panic(ErrNilHandler)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	p := &Pool[T]{
		name:     name,
		capacity: capacity,
		workers:  workers,
		handler:  handler,
		queue:    make(chan entry[T], capacity),
		done:     make(chan struct{}),
		log:      logger.Named(name),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registerer != nil {
		if err := p.registerMetrics(p.registerer); err != nil {
			p.log.Warn("metrics registration failed: %v", err)
		}
	}
	return p
}

func (p *Pool[T]) registerMetrics(reg prometheus.Registerer) error {
	labels := prometheus.Labels{"pool": p.name}
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "devicecomm_pool_" + name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}

	p.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "devicecomm_pool_processing_duration_seconds",
		Help:        "Time spent handling one queued item",
		ConstLabels: labels,
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "devicecomm_pool_queue_depth",
			Help:        "Items waiting in the queue",
			ConstLabels: labels,
		}, func() float64 { return float64(len(p.queue)) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "devicecomm_pool_queue_capacity",
			Help:        "Queue capacity",
			ConstLabels: labels,
		}, func() float64 { return float64(p.capacity) }),
		counter("submitted_total", "Items accepted into the queue", &p.submitted),
		counter("processed_total", "Items handled", &p.processed),
		counter("failed_total", "Items whose handler returned an error", &p.failed),
		counter("rejected_total", "Submits refused because the queue stayed full or the pool was stopped", &p.rejected),
		counter("abandoned_total", "Items left in the queue at shutdown", &p.abandoned),
		p.duration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the pool name
func (p *Pool[T]) Name() string { return p.name }

// Start launches the workers. Every worker context carries the system principal.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started.Load() {
		return ErrAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(identity.WithPrincipal(ctx, identity.System))
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx)
	}

	if p.monitorInterval > 0 {
		p.wg.Add(1)
		go p.monitor(workerCtx)
	}

	p.started.Store(true)
	p.log.Info("started %d workers, queue capacity %d", p.workers, p.capacity)
	return nil
}

// Stop cancels the workers and waits for in-flight items to return. Items
// still queued are abandoned and counted.
func (p *Pool[T]) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started.Load() || p.stopped.Load() {
		return
	}
	close(p.done)

	// Waits out submits that passed the stopped check; blocked ones leave via done.
	p.submitMu.Lock()
	p.stopped.Store(true)
	p.submitMu.Unlock()

	p.cancel()
	p.wg.Wait()

	var left int64
drain:
	for {
		select {
		case <-p.queue:
			left++
		default:
			break drain
		}
	}
	p.abandoned.Add(left)
	if left > 0 {
		p.log.Warn("stopped with %d queued items abandoned", left)
	} else {
		p.log.Info("stopped")
	}
}

func (p *Pool[T]) accepting() error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Submit enqueues item, blocking while the queue is full until space frees
// up, ctx ends or the pool stops.
func (p *Pool[T]) Submit(ctx context.Context, item T) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if err := p.accepting(); err != nil {
		p.rejected.Add(1)
		return err
	}

	e := entry[T]{item: item, enqueued: time.Now()}
	select {
	case p.queue <- e:
		p.submitted.Add(1)
		return nil
	default:
	}

	select {
	case p.queue <- e:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return fmt.Errorf("%w: %w", ErrSubmitCanceled, ctx.Err())
	case <-p.done:
		p.rejected.Add(1)
		return ErrStopped
	}
}

// SubmitTimeout waits at most d for a free slot and fails with ErrQueueFull.
// A non-positive d waits until the pool stops.
func (p *Pool[T]) SubmitTimeout(ctx context.Context, item T, d time.Duration) error {
	if d <= 0 {
		return p.Submit(ctx, item)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := p.Submit(tctx, item)
	if err != nil && ctx.Err() == nil && tctx.Err() != nil {
		return fmt.Errorf("%w after %s", ErrQueueFull, d)
	}
	return err
}

// TrySubmit enqueues item only if a slot is free right now.
func (p *Pool[T]) TrySubmit(item T) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if err := p.accepting(); err != nil {
		p.rejected.Add(1)
		return err
	}

	select {
	case p.queue <- entry[T]{item: item, enqueued: time.Now()}:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-p.queue:
			if ctx.Err() != nil {
				p.abandoned.Add(1)
				return
			}
			p.handle(ctx, e)
		}
	}
}

func (p *Pool[T]) handle(ctx context.Context, e entry[T]) {
	start := time.Now()
	p.waitNanos.Add(int64(start.Sub(e.enqueued)))

	err := p.invoke(ctx, e.item)

	elapsed := time.Since(start)
	p.handleNanos.Add(int64(elapsed))
	p.processed.Add(1)
	if p.duration != nil {
		p.duration.Observe(elapsed.Seconds())
	}
	if err != nil {
		p.failed.Add(1)
		p.log.Error("processing failed: %v", err)
	}
}

func (p *Pool[T]) invoke(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, item)
}

func (p *Pool[T]) monitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.monitorInterval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			rate := float64(s.Processed-last) / p.monitorInterval.Seconds()
			last = s.Processed
			p.log.Info("throughput %.1f/s, backlog %d/%d, avg wait %s, avg processing %s, failed %d, rejected %d",
				rate, s.Depth, s.Capacity, s.AvgWait, s.AvgProcessing, s.Failed, s.Rejected)
		}
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Name          string        `json:"name"`
	Workers       int           `json:"workers"`
	Capacity      int           `json:"capacity"`
	Depth         int           `json:"depth"`
	Submitted     int64         `json:"submitted"`
	Processed     int64         `json:"processed"`
	Failed        int64         `json:"failed"`
	Rejected      int64         `json:"rejected"`
	Abandoned     int64         `json:"abandoned"`
	AvgWait       time.Duration `json:"avgWait"`
	AvgProcessing time.Duration `json:"avgProcessing"`
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	s := Stats{
		Name:      p.name,
		Workers:   p.workers,
		Capacity:  p.capacity,
		Depth:     len(p.queue),
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Abandoned: p.abandoned.Load(),
	}
	if s.Processed > 0 {
		s.AvgWait = time.Duration(p.waitNanos.Load() / s.Processed)
		s.AvgProcessing = time.Duration(p.handleNanos.Load() / s.Processed)
	}
	return s
}
