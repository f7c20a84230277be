package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/andresmejia3/scribe/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics_RecordsTaskLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	fleet := &fakeFleet{script: newScript().set("retry", engine.Failed("blurry"), engine.Recognized("ok"))}
	d, err := New(testConfig(1), fleet.factory, WithMeter(provider.Meter("test")))
	require.NoError(t, err)

	_, err = d.ProcessOne(context.Background(), []byte("retry"))
	require.NoError(t, err)
	_, err = d.ProcessOne(context.Background(), []byte("plain"))
	require.NoError(t, err)
	require.NoError(t, d.Shutdown(context.Background()))

	_, err = d.Submit(context.Background(), []byte("late"))
	require.ErrorIs(t, err, ErrShutdown)

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), sums["scribe.tasks.submitted"])
	assert.Equal(t, int64(3), sums["scribe.tasks.attempts"])
	assert.Equal(t, int64(1), sums["scribe.tasks.retries"])
	assert.Equal(t, int64(2), sums["scribe.tasks.completed"])
	assert.Equal(t, int64(1), sums["scribe.tasks.rejected"])
	assert.Equal(t, int64(0), sums["scribe.queue.depth"])
}

func TestNewMetrics_GlobalFallback(t *testing.T) {
	m, err := NewMetrics(nil)
	require.NoError(t, err)
	assert.NotNil(t, m.submitted)
}

// depthMeter records the running value and the minimum of the queue depth
// counter; every other instrument is a no-op.
type depthMeter struct {
	noop.Meter
	depth *depthCounter
}

func (m depthMeter) Int64UpDownCounter(name string, _ ...metric.Int64UpDownCounterOption) (metric.Int64UpDownCounter, error) {
	return m.depth, nil
}

type depthCounter struct {
	noop.Int64UpDownCounter
	mu       sync.Mutex
	cur, min int64
}

func (c *depthCounter) Add(_ context.Context, n int64, _ ...metric.AddOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur += n
	if c.cur < c.min {
		c.min = c.cur
	}
}

func TestMetrics_QueueDepthNeverNegative(t *testing.T) {
	counter := &depthCounter{}
	d, err := New(testConfig(4), (&fakeFleet{}).factory, WithMeter(depthMeter{depth: counter}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := d.ProcessOne(context.Background(), []byte("page"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, d.Shutdown(context.Background()))

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Zero(t, counter.cur)
	assert.Zero(t, counter.min, "depth dipped below zero")
}
