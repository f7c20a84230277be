package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/andresmejia3/scribe/internal/types"
	"go.uber.org/zap"
)

// WorkerPool runs a fixed set of workers, each permanently bound to the
// ProcessingUnit created for it.
type WorkerPool struct {
	cfg     Config
	queue   *TaskQueue
	results *ResultStore
	units   []engine.Unit
	log     *zap.Logger
	metrics *Metrics
	wg      sync.WaitGroup
	sleep   func(time.Duration)
}

// NewWorkerPool creates cfg.NumWorkers units with factory. If any unit fails
// to initialize, the ones already created are closed.
func NewWorkerPool(cfg Config, factory engine.Factory, q *TaskQueue, rs *ResultStore, log *zap.Logger, m *Metrics) (*WorkerPool, error) {
	p := &WorkerPool{
		cfg:     cfg,
		queue:   q,
		results: rs,
		log:     log,
		metrics: m,
		sleep:   time.Sleep,
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		u, err := factory(i)
		if err != nil {
			p.closeUnits()
			return nil, fmt.Errorf("initialize processing unit %d: %w", i, err)
		}
		p.units = append(p.units, u)
	}
	return p, nil
}

// Start launches one goroutine per unit.
func (p *WorkerPool) Start() {
	p.log.Info("starting worker pool", zap.Int("workers", len(p.units)))
	for i, u := range p.units {
		p.wg.Add(1)
		go p.run(i, u)
	}
}

// Wait blocks until every worker has exited, then closes the units.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
	p.closeUnits()
}

func (p *WorkerPool) closeUnits() {
	for i, u := range p.units {
		if err := u.Close(); err != nil {
			p.log.Warn("processing unit close failed", zap.Int("worker", i), zap.Error(err))
		}
	}
	p.units = nil
}

// run is the worker loop: take a task, process it, publish its result,
// until the queue is closed and empty.
func (p *WorkerPool) run(id int, unit engine.Unit) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("worker", id))
	log.Debug("worker started")

	for {
		task, ok := p.queue.Dequeue()
		if !ok {
			log.Debug("worker exiting, queue closed")
			return
		}
		p.metrics.taskDequeued(context.Background())

		res := p.process(id, unit, task, log)
		p.metrics.taskCompleted(context.Background(), res.Success, time.Since(task.EnqueuedAt))
		p.results.Publish(res)
	}
}

// process applies the retry policy to one task on the worker's own unit.
func (p *WorkerPool) process(id int, unit engine.Unit, task types.Task, log *zap.Logger) types.Result {
	var out engine.Outcome
	attempts := 0
	for attempts < p.cfg.MaxAttempts {
		attempts++
		p.metrics.attempt(context.Background(), attempts)
		out = recognize(unit, task.Image)
		if out.Success {
			break
		}
		if out.Terminal && !p.cfg.RetryTerminal {
			log.Info("terminal failure, not retrying",
				zap.Uint64("task", task.ID), zap.String("error", out.ErrorMessage))
			break
		}
		if attempts < p.cfg.MaxAttempts {
			log.Warn("attempt failed, retrying",
				zap.Uint64("task", task.ID),
				zap.Int("attempt", attempts),
				zap.String("error", out.ErrorMessage),
				zap.Duration("delay", p.cfg.RetryDelay))
			p.sleep(p.cfg.RetryDelay)
		}
	}
	if !out.Success && out.ErrorMessage == "" {
		out.ErrorMessage = "recognition failed"
	}

	log.Debug("task processed",
		zap.Uint64("task", task.ID), zap.Bool("success", out.Success), zap.Int("attempts", attempts))

	return types.Result{
		ID:           task.ID,
		Text:         out.Text,
		Success:      out.Success,
		ErrorMessage: out.ErrorMessage,
		Attempts:     attempts,
		WorkerID:     id,
		CreatedAt:    time.Now(),
	}
}

// recognize turns a panicking unit into a failed attempt so the worker survives.
func recognize(unit engine.Unit, image []byte) (out engine.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = engine.Failed(fmt.Sprintf("engine panic: %v", r))
		}
	}()
	return unit.Recognize(image)
}
