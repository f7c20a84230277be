package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/andresmejia3/scribe/internal/dispatch"

// Metrics groups the dispatcher instruments.
type Metrics struct {
	submitted  metric.Int64Counter
	rejected   metric.Int64Counter
	attempts   metric.Int64Counter
	retries    metric.Int64Counter
	completed  metric.Int64Counter
	discarded  metric.Int64Counter
	queueDepth metric.Int64UpDownCounter
	latency    metric.Float64Histogram
}

// NewMetrics creates the instruments on meter. A nil meter uses the global
// provider, which is a no-op unless one was installed.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	var (
		m   Metrics
		err error
	)
	if m.submitted, err = meter.Int64Counter("scribe.tasks.submitted",
		metric.WithDescription("Tasks accepted into the queue")); err != nil {
		return nil, fmt.Errorf("create submitted counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("scribe.tasks.rejected",
		metric.WithDescription("Submissions refused by shutdown or backpressure")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	if m.attempts, err = meter.Int64Counter("scribe.tasks.attempts",
		metric.WithDescription("Recognition attempts, including retries")); err != nil {
		return nil, fmt.Errorf("create attempts counter: %w", err)
	}
	if m.retries, err = meter.Int64Counter("scribe.tasks.retries",
		metric.WithDescription("Attempts that followed a failed attempt")); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if m.completed, err = meter.Int64Counter("scribe.tasks.completed",
		metric.WithDescription("Tasks that reached a terminal result")); err != nil {
		return nil, fmt.Errorf("create completed counter: %w", err)
	}
	if m.discarded, err = meter.Int64Counter("scribe.tasks.discarded",
		metric.WithDescription("Queued tasks dropped by an expired shutdown")); err != nil {
		return nil, fmt.Errorf("create discarded counter: %w", err)
	}
	if m.queueDepth, err = meter.Int64UpDownCounter("scribe.queue.depth",
		metric.WithDescription("Tasks waiting for a worker")); err != nil {
		return nil, fmt.Errorf("create queue depth counter: %w", err)
	}
	if m.latency, err = meter.Float64Histogram("scribe.tasks.duration",
		metric.WithDescription("Time from enqueue to published result"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create latency histogram: %w", err)
	}
	return &m, nil
}

func (m *Metrics) taskQueued(ctx context.Context) {
	m.queueDepth.Add(ctx, 1)
}

func (m *Metrics) taskSubmitted(ctx context.Context) {
	m.submitted.Add(ctx, 1)
}

func (m *Metrics) taskRejected(ctx context.Context, reason string) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) taskDequeued(ctx context.Context) {
	m.queueDepth.Add(ctx, -1)
}

func (m *Metrics) attempt(ctx context.Context, n int) {
	m.attempts.Add(ctx, 1)
	if n > 1 {
		m.retries.Add(ctx, 1)
	}
}

func (m *Metrics) taskCompleted(ctx context.Context, success bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("success", success))
	m.completed.Add(ctx, 1, attrs)
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) tasksDiscarded(ctx context.Context, n int) {
	m.discarded.Add(ctx, int64(n))
	m.queueDepth.Add(ctx, -int64(n))
}
