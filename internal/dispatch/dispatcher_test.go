package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/andresmejia3/scribe/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessOne_Success(t *testing.T) {
	fleet := &fakeFleet{}
	d := newTestDispatcher(t, testConfig(2), fleet)
	defer d.Shutdown(context.Background())

	res, err := d.ProcessOne(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Completed)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.ErrorMessage)
}

func TestProcessOne_RetryCeiling(t *testing.T) {
	cfg := testConfig(1)
	cfg.RetryDelay = 20 * time.Millisecond
	fleet := &fakeFleet{script: newScript().set("flaky",
		engine.Failed("fail 1"), engine.Failed("fail 2"), engine.Failed("fail 3"), engine.Recognized("too late"))}
	d := newTestDispatcher(t, cfg, fleet)
	defer d.Shutdown(context.Background())

	start := time.Now()
	res, err := d.ProcessOne(context.Background(), []byte("flaky"))
	require.NoError(t, err, "engine failures are reported in the result")

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "fail 3", res.ErrorMessage, "the last attempt's message is reported")
	assert.Equal(t, 3, fleet.script.attempts("flaky"), "never more than three attempts")
	assert.GreaterOrEqual(t, time.Since(start), 2*cfg.RetryDelay, "attempts are spaced by the retry delay")
}

// Pool of 2; A and B fail once then succeed, C fails every time.
func TestProcessOne_MixedOutcomes(t *testing.T) {
	fleet := &fakeFleet{script: newScript().
		set("A", engine.Failed("transient"), engine.Recognized("X")).
		set("B", engine.Failed("transient"), engine.Recognized("Y")).
		set("C", engine.Failed("bad image"))}
	d := newTestDispatcher(t, testConfig(2), fleet)
	defer d.Shutdown(context.Background())

	images := []string{"A", "B", "C"}
	results := make([]types.Result, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := d.ProcessOne(context.Background(), []byte(img))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.True(t, results[0].Success)
	assert.Equal(t, "X", results[0].Text)
	assert.Equal(t, 2, results[0].Attempts)

	assert.True(t, results[1].Success)
	assert.Equal(t, "Y", results[1].Text)
	assert.Equal(t, 2, results[1].Attempts)

	assert.False(t, results[2].Success)
	assert.Equal(t, "bad image", results[2].ErrorMessage)
	assert.Equal(t, 3, results[2].Attempts)
}

func TestProcessOne_TerminalFailure(t *testing.T) {
	tests := []struct {
		name          string
		retryTerminal bool
		wantAttempts  int
	}{
		{"skips retries", false, 1},
		{"retries when configured", true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(1)
			cfg.RetryTerminal = tt.retryTerminal
			fleet := &fakeFleet{script: newScript().set("corrupt", engine.Rejected("Failed to read image from memory."))}
			d := newTestDispatcher(t, cfg, fleet)
			defer d.Shutdown(context.Background())

			res, err := d.ProcessOne(context.Background(), []byte("corrupt"))
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, "Failed to read image from memory.", res.ErrorMessage)
			assert.Equal(t, tt.wantAttempts, res.Attempts)
		})
	}
}

func TestProcessOne_EmptyFailureMessage(t *testing.T) {
	fleet := &fakeFleet{script: newScript().set("mute", engine.Failed(""))}
	d := newTestDispatcher(t, testConfig(1), fleet)
	defer d.Shutdown(context.Background())

	res, err := d.ProcessOne(context.Background(), []byte("mute"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ErrorMessage, "failed results always carry a message")
}

func TestProcessOne_EnginePanic(t *testing.T) {
	fleet := &fakeFleet{}
	d := newTestDispatcher(t, testConfig(1), fleet)
	defer d.Shutdown(context.Background())

	res, err := d.ProcessOne(context.Background(), []byte("panic"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "engine panic")

	// The worker survived.
	res, err = d.ProcessOne(context.Background(), []byte("after"))
	require.NoError(t, err)
	assert.Equal(t, "after", res.Text)
}

func TestProcessOne_CallerDeadline(t *testing.T) {
	fleet := &fakeFleet{delay: 50 * time.Millisecond}
	d := newTestDispatcher(t, testConfig(1), fleet)
	defer d.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.ProcessOne(ctx, []byte("slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The task still completes; its result is dropped instead of leaking.
	require.Eventually(t, func() bool {
		return fleet.script.attempts("slow") == 1 && d.Stats().Tracked == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_OneTaskPerUnit(t *testing.T) {
	fleet := &fakeFleet{delay: time.Millisecond}
	d := newTestDispatcher(t, testConfig(4), fleet)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img := fmt.Sprintf("img-%d", i)
			res, err := d.ProcessOne(context.Background(), []byte(img))
			assert.NoError(t, err)
			assert.Equal(t, img, res.Text, "each caller gets its own result")
			assert.GreaterOrEqual(t, res.WorkerID, 0)
			assert.Less(t, res.WorkerID, 4)
		}()
	}
	wg.Wait()
	require.NoError(t, d.Shutdown(context.Background()))

	require.Len(t, fleet.units, 4)
	var total int32
	for _, u := range fleet.units {
		assert.LessOrEqual(t, u.maxInFlight.Load(), int32(1), "unit %d ran tasks concurrently", u.id)
		assert.True(t, u.closed.Load(), "unit %d not closed on shutdown", u.id)
		total += u.processed.Load()
	}
	assert.Equal(t, int32(n), total)
}

func TestNew_FactoryFailureClosesUnits(t *testing.T) {
	var created []*fakeUnit
	factory := func(id int) (engine.Unit, error) {
		if id == 2 {
			return nil, errors.New("tesseract data missing")
		}
		u := &fakeUnit{id: id, script: newScript()}
		created = append(created, u)
		return u, nil
	}

	d, err := New(testConfig(4), factory)
	require.Error(t, err)
	assert.Nil(t, d)
	assert.Contains(t, err.Error(), "tesseract data missing")

	require.Len(t, created, 2)
	for _, u := range created {
		assert.True(t, u.closed.Load())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(0)
	_, err := New(cfg, (&fakeFleet{script: newScript()}).factory)
	assert.Error(t, err)
}

func TestShutdown_DrainsQueuedTasks(t *testing.T) {
	fleet := &fakeFleet{delay: 5 * time.Millisecond}
	d := newTestDispatcher(t, testConfig(1), fleet)

	ids := make([]uint64, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := d.Submit(context.Background(), []byte(fmt.Sprintf("page-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, d.Shutdown(context.Background()))

	_, err := d.Submit(context.Background(), []byte("page-5"))
	assert.ErrorIs(t, err, ErrShutdown, "no work accepted after shutdown")

	for i, id := range ids {
		res, err := d.Await(context.Background(), id)
		require.NoError(t, err, "task %d was accepted before shutdown and must complete", i)
		assert.True(t, res.Success)
		assert.Equal(t, fmt.Sprintf("page-%d", i), res.Text)
	}

	// Idempotent.
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestShutdown_DeadlineDiscardsQueuedTasks(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan int, 8)
	fleet := &fakeFleet{gate: gate, started: started}
	d := newTestDispatcher(t, testConfig(1), fleet)

	type outcome struct {
		res types.Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := d.ProcessOne(context.Background(), []byte("in-flight"))
		first <- outcome{res, err}
	}()
	<-started

	rest := make(chan error, 2)
	for _, img := range []string{"queued-1", "queued-2"} {
		go func() {
			_, err := d.ProcessOne(context.Background(), []byte(img))
			rest <- err
		}()
	}
	require.Eventually(t, func() bool { return d.Stats().Queued == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	shut := make(chan error, 1)
	go func() { shut <- d.Shutdown(ctx) }()

	time.Sleep(50 * time.Millisecond)
	close(gate)

	assert.ErrorIs(t, <-shut, context.DeadlineExceeded)

	got := <-first
	require.NoError(t, got.err, "in-flight work runs to completion")
	assert.Equal(t, "in-flight", got.res.Text)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, <-rest, ErrShutdown)
	}
}

func TestSubmit_BoundedQueueRejects(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan int, 4)
	cfg := testConfig(1)
	cfg.QueueCapacity = 1
	d := newTestDispatcher(t, cfg, &fakeFleet{gate: gate, started: started})

	_, err := d.Submit(context.Background(), []byte("running"))
	require.NoError(t, err)
	<-started

	_, err = d.Submit(context.Background(), []byte("waiting"))
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), []byte("overflow"))
	assert.ErrorIs(t, err, ErrQueueFull)

	close(gate)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestSweep_EvictsUnclaimedResults(t *testing.T) {
	cfg := testConfig(1)
	cfg.ResultTTL = 50 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	d := newTestDispatcher(t, cfg, &fakeFleet{})
	defer d.Shutdown(context.Background())

	id, err := d.Submit(context.Background(), []byte("forgotten"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Stats().Tracked == 1 }, time.Second, time.Millisecond,
		"published result should be held until claimed or expired")
	require.Eventually(t, func() bool { return d.Stats().Tracked == 0 }, time.Second, 5*time.Millisecond)

	_, err = d.results.tryTake(id)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestAwait_UnknownOrConsumedID(t *testing.T) {
	d := newTestDispatcher(t, testConfig(1), &fakeFleet{})
	defer d.Shutdown(context.Background())

	id, err := d.Submit(context.Background(), []byte("once"))
	require.NoError(t, err)
	_, err = d.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, d.Stats().Tracked)

	for _, tc := range []struct {
		name string
		id   uint64
	}{
		{"consumed", id},
		{"never submitted", 999999},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			start := time.Now()
			_, err := d.Await(ctx, tc.id)
			assert.ErrorIs(t, err, ErrUnknownRequest)
			assert.Less(t, time.Since(start), 500*time.Millisecond, "must not wait for the deadline")
			assert.Zero(t, d.Stats().Tracked, "failed takes must not leave entries behind")
		})
	}
}

func TestSubmit_RejectedTaskIsNotTracked(t *testing.T) {
	d := newTestDispatcher(t, testConfig(1), &fakeFleet{})
	require.NoError(t, d.Shutdown(context.Background()))

	_, err := d.Submit(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrShutdown)
	assert.Zero(t, d.Stats().Tracked)
}
