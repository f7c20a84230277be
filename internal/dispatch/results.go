package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/andresmejia3/scribe/internal/types"
)

// handle is the one-shot completion signal for a single request id. It is
// created by Track when the task is submitted and removed once the result is
// taken, abandoned or expired.
type handle struct {
	done      chan struct{} // closed once result is set
	result    types.Result
	ready     bool
	abandoned bool
	touched   time.Time
}

// ResultStore correlates completed results with the callers waiting on them.
// Each request id has its own handle, so a publish wakes only its waiter.
type ResultStore struct {
	mu      sync.Mutex
	handles map[uint64]*handle
	closed  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewResultStore creates an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{
		handles: make(map[uint64]*handle),
		closed:  make(chan struct{}),
		now:     time.Now,
	}
}

// Track starts tracking id. It must be called before the task for id can be
// published, and before anyone awaits it.
func (s *ResultStore) Track(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; !ok {
		s.handles[id] = &handle{done: make(chan struct{}), touched: s.now()}
	}
}

// forget drops id unless its result is already published.
func (s *ResultStore) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[id]; ok && !h.ready {
		delete(s.handles, id)
	}
}

// Publish stores r as the completed result for r.ID and wakes its waiter.
// A result for an id that is not tracked, or whose caller already gave up,
// is discarded.
func (s *ResultStore) Publish(r types.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[r.ID]
	if !ok {
		return
	}
	if h.abandoned {
		delete(s.handles, r.ID)
		return
	}
	r.Completed = true
	h.result = r
	h.touched = s.now()
	if !h.ready {
		h.ready = true
		close(h.done)
	}
}

// AwaitAndTake blocks until the result for id is published, then removes and
// returns it. Ids that are not tracked, including ones already taken, fail
// at once with ErrUnknownRequest. If ctx ends first the id is abandoned and
// ctx.Err() returned; if the store is closed first ErrShutdown is returned.
func (s *ResultStore) AwaitAndTake(ctx context.Context, id uint64) (types.Result, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return types.Result{}, ErrUnknownRequest
	}

	select {
	case <-h.done:
		return s.take(id, h)
	case <-ctx.Done():
		s.Abandon(id)
		return types.Result{}, ctx.Err()
	case <-s.closed:
		select {
		case <-h.done:
			return s.take(id, h)
		default:
		}
		// Nothing is published after Close.
		s.forget(id)
		return types.Result{}, ErrShutdown
	}
}

func (s *ResultStore) take(id uint64, h *handle) (types.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A concurrent taker of the same id may have won.
	if s.handles[id] != h {
		return types.Result{}, ErrUnknownRequest
	}
	delete(s.handles, id)
	return h.result, nil
}

// tryTake removes and returns the result for id without blocking.
func (s *ResultStore) tryTake(id uint64) (types.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok || !h.ready {
		return types.Result{}, ErrUnknownRequest
	}
	delete(s.handles, id)
	return h.result, nil
}

// Abandon records that nobody will take id. A result already present is
// dropped; a later Publish for id is discarded.
func (s *ResultStore) Abandon(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	if !ok {
		return
	}
	if h.ready {
		delete(s.handles, id)
		return
	}
	h.abandoned = true
	h.touched = s.now()
}

// Sweep evicts completed or abandoned entries untouched for longer than ttl
// and returns how many were removed. Handles with a live waiter are kept.
func (s *ResultStore) Sweep(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, h := range s.handles {
		if (h.ready || h.abandoned) && h.touched.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// Close fails every caller still waiting with ErrShutdown. Results that are
// already published can still be taken.
func (s *ResultStore) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Len reports the number of tracked ids, waiting or completed.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
