package dispatch

import (
	"context"
	"sync"

	"github.com/andresmejia3/scribe/internal/types"
	"golang.org/x/sync/semaphore"
)

// TaskQueue is the FIFO hand-off between callers and workers.
//
// All fields below mu are protected by it; cond signals workers blocked in
// Dequeue. When bounded, slots holds one unit per queued task and is
// released as soon as a worker takes the task.
type TaskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []types.Task
	closed bool

	slots  *semaphore.Weighted
	policy QueuePolicy

	// closing is cancelled by Close so blocked submitters wake up.
	closing context.Context
	cancel  context.CancelFunc
}

// NewTaskQueue creates a queue. capacity 0 means unbounded.
func NewTaskQueue(capacity int, policy QueuePolicy) *TaskQueue {
	q := &TaskQueue{policy: policy}
	q.cond = sync.NewCond(&q.mu)
	q.closing, q.cancel = context.WithCancel(context.Background())
	if capacity > 0 {
		q.slots = semaphore.NewWeighted(int64(capacity))
	}
	return q
}

// Enqueue appends t to the tail and wakes one waiting worker. It fails with
// ErrShutdown once Close was called, and with ErrQueueFull (reject policy)
// or the context error (block policy) when the queue is bounded and full.
func (q *TaskQueue) Enqueue(ctx context.Context, t types.Task) error {
	if err := q.acquire(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.release()
		return ErrShutdown
	}
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

func (q *TaskQueue) acquire(ctx context.Context) error {
	if q.slots == nil {
		return nil
	}
	if q.policy != PolicyBlock {
		if !q.slots.TryAcquire(1) {
			if q.isClosed() {
				return ErrShutdown
			}
			return ErrQueueFull
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(q.closing, cancel)
	defer stop()

	if err := q.slots.Acquire(ctx, 1); err != nil {
		if q.closing.Err() != nil {
			return ErrShutdown
		}
		return err
	}
	return nil
}

func (q *TaskQueue) release() {
	if q.slots != nil {
		q.slots.Release(1)
	}
}

// Dequeue removes and returns the head task, blocking while the queue is
// empty. ok is false once the queue is empty and closed.
func (q *TaskQueue) Dequeue() (t types.Task, ok bool) {
	q.mu.Lock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		q.mu.Unlock()
		return types.Task{}, false
	}
	t = q.items[0]
	q.items[0] = types.Task{} // drop the queue's reference to the image
	q.items = q.items[1:]
	q.mu.Unlock()

	q.release()
	return t, true
}

// Close stops accepting tasks and wakes every blocked worker. Tasks already
// queued remain available to Dequeue.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.cond.Broadcast()
}

// Drain removes and returns every queued task.
func (q *TaskQueue) Drain() []types.Task {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for range pending {
		q.release()
	}
	return pending
}

// Len reports the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *TaskQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
