package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/stretchr/testify/require"
)

// script hands out per-image outcome sequences shared by every unit of a
// pool. Once a sequence is exhausted its last outcome repeats; images without
// a script succeed with their own bytes as text.
type script struct {
	mu       sync.Mutex
	outcomes map[string][]engine.Outcome
	calls    map[string]int
}

func newScript() *script {
	return &script{outcomes: make(map[string][]engine.Outcome), calls: make(map[string]int)}
}

func (s *script) set(image string, outs ...engine.Outcome) *script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[image] = outs
	return s
}

func (s *script) next(image []byte) engine.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(image)
	n := s.calls[key]
	s.calls[key] = n + 1
	outs, ok := s.outcomes[key]
	if !ok || len(outs) == 0 {
		return engine.Recognized(key)
	}
	if n >= len(outs) {
		n = len(outs) - 1
	}
	return outs[n]
}

func (s *script) attempts(image string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[image]
}

// fakeUnit records concurrency on itself and replays the shared script.
type fakeUnit struct {
	id          int
	script      *script
	delay       time.Duration
	gate        <-chan struct{}
	started     chan<- int
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	processed   atomic.Int32
	closed      atomic.Bool
}

func (u *fakeUnit) Recognize(image []byte) engine.Outcome {
	n := u.inFlight.Add(1)
	defer u.inFlight.Add(-1)
	for {
		cur := u.maxInFlight.Load()
		if n <= cur || u.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if u.started != nil {
		u.started <- u.id
	}
	if u.gate != nil {
		<-u.gate
	}
	if u.delay > 0 {
		time.Sleep(u.delay)
	}
	u.processed.Add(1)
	if string(image) == "panic" {
		panic("decoder exploded")
	}
	return u.script.next(image)
}

func (u *fakeUnit) Close() error {
	u.closed.Store(true)
	return nil
}

// fakeFleet builds fakeUnits and keeps them for inspection.
type fakeFleet struct {
	mu      sync.Mutex
	script  *script
	delay   time.Duration
	gate    <-chan struct{}
	started chan<- int
	units   []*fakeUnit
}

func (f *fakeFleet) factory(id int) (engine.Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &fakeUnit{id: id, script: f.script, delay: f.delay, gate: f.gate, started: f.started}
	f.units = append(f.units, u)
	return u, nil
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = workers
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.SweepInterval = 0
	return cfg
}

func newTestDispatcher(t *testing.T, cfg Config, fleet *fakeFleet) *Dispatcher {
	t.Helper()
	if fleet.script == nil {
		fleet.script = newScript()
	}
	d, err := New(cfg, fleet.factory)
	require.NoError(t, err)
	return d
}
