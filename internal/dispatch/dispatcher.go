// Package dispatch fans recognition requests from many callers out to a
// fixed pool of workers and correlates each result back to its caller.
//
// Data flow: Submit -> TaskQueue -> worker -> engine.Unit -> ResultStore ->
// Await. ProcessOne runs that cycle synchronously; ProcessStream repeats it
// per message of a streaming session with at most one task in flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/andresmejia3/scribe/internal/types"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Dispatcher is the request-facing API over the queue, pool and result store.
type Dispatcher struct {
	cfg     Config
	queue   *TaskQueue
	results *ResultStore
	pool    *WorkerPool
	log     *zap.Logger
	meter   metric.Meter
	metrics *Metrics

	nextID atomic.Uint64

	mu        sync.Mutex
	closing   bool
	stopped   chan struct{}
	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithMeter sets the meter the dispatcher instruments are created on.
func WithMeter(meter metric.Meter) Option {
	return func(d *Dispatcher) { d.meter = meter }
}

// New builds a dispatcher, creates its processing units with factory and
// starts the workers.
func New(cfg Config, factory engine.Factory, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	d := &Dispatcher{
		cfg:     cfg,
		queue:   NewTaskQueue(cfg.QueueCapacity, cfg.QueuePolicy),
		results: NewResultStore(),
		log:     zap.NewNop(),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	m, err := NewMetrics(d.meter)
	if err != nil {
		return nil, err
	}
	d.metrics = m

	d.pool, err = NewWorkerPool(cfg, factory, d.queue, d.results, d.log, m)
	if err != nil {
		d.queue.Close()
		return nil, err
	}
	d.pool.Start()

	sweepCtx, cancel := context.WithCancel(context.Background())
	d.stopSweep = cancel
	d.sweepDone = make(chan struct{})
	go d.sweep(sweepCtx)

	return d, nil
}

// Submit assigns a fresh request id to image and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, image []byte) (uint64, error) {
	task := types.Task{
		ID:         d.nextID.Add(1),
		Image:      image,
		EnqueuedAt: time.Now(),
	}
	// Tracked and counted before Enqueue: a worker may publish or dequeue the
	// task before Enqueue returns.
	d.results.Track(task.ID)
	d.metrics.taskQueued(ctx)
	if err := d.queue.Enqueue(ctx, task); err != nil {
		d.results.forget(task.ID)
		d.metrics.taskDequeued(ctx)
		reason := "context"
		switch {
		case errors.Is(err, ErrShutdown):
			reason = "shutdown"
		case errors.Is(err, ErrQueueFull):
			reason = "queue_full"
		}
		d.metrics.taskRejected(ctx, reason)
		return 0, err
	}
	d.metrics.taskSubmitted(ctx)
	d.log.Debug("task queued", zap.Uint64("task", task.ID), zap.Int("bytes", len(image)))
	return task.ID, nil
}

// Await blocks until the result for id is available and consumes it.
func (d *Dispatcher) Await(ctx context.Context, id uint64) (types.Result, error) {
	return d.results.AwaitAndTake(ctx, id)
}

// ProcessOne submits image and waits for its result. Engine failures are
// reported in the Result; an error is returned only for shutdown,
// backpressure or ctx ending. If ctx ends the task still runs, its result is
// discarded on publish.
func (d *Dispatcher) ProcessOne(ctx context.Context, image []byte) (types.Result, error) {
	id, err := d.Submit(ctx, image)
	if err != nil {
		return types.Result{}, err
	}
	res, err := d.Await(ctx, id)
	if err != nil {
		d.log.Debug("caller stopped waiting", zap.Uint64("task", id), zap.Error(err))
		return types.Result{}, err
	}
	return res, nil
}

// Shutdown stops accepting work and waits for the workers to drain the
// queue. If ctx ends first, tasks still queued are discarded (their callers
// get ErrShutdown) but tasks already being processed run to completion.
// Calling Shutdown again waits for the first call to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		select {
		case <-d.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.closing = true
	d.mu.Unlock()

	d.log.Info("dispatcher shutting down", zap.Int("queued", d.queue.Len()))
	d.queue.Close()

	drained := make(chan struct{})
	go func() {
		d.pool.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		discarded := d.queue.Drain()
		d.metrics.tasksDiscarded(context.Background(), len(discarded))
		d.log.Warn("shutdown deadline reached, discarding queued tasks", zap.Int("discarded", len(discarded)))
		<-drained
	}

	d.results.Close()
	d.stopSweep()
	<-d.sweepDone
	close(d.stopped)
	d.log.Info("dispatcher stopped")
	return err
}

// sweep periodically evicts results nobody claimed.
func (d *Dispatcher) sweep(ctx context.Context) {
	defer close(d.sweepDone)
	if d.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.results.Sweep(d.cfg.ResultTTL); n > 0 {
				d.log.Info("evicted unclaimed results", zap.Int("count", n))
			}
		}
	}
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Workers int
	Queued  int
	Tracked int
}

// Stats reports queue depth and the number of ids held by the result store.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers: d.cfg.NumWorkers,
		Queued:  d.queue.Len(),
		Tracked: d.results.Len(),
	}
}
