// Package telemetry keeps the process metrics in memory and renders them as
// log fields.
package telemetry

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// Provider is an otel meter provider read on demand.
type Provider struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

// NewProvider creates a provider and, if global is set, installs it as the
// global otel meter provider.
func NewProvider(global bool) *Provider {
	reader := sdkmetric.NewManualReader()
	p := &Provider{
		reader:   reader,
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	}
	if global {
		otel.SetMeterProvider(p.provider)
	}
	return p
}

// Meter returns a named meter.
func (p *Provider) Meter(name string) metric.Meter {
	return p.provider.Meter(name)
}

// Report collects every instrument. Counters become one field each, summed
// over attributes; histograms report their count and mean.
func (p *Provider) Report(ctx context.Context) ([]zap.Field, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	var fields []zap.Field
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				fields = append(fields, zap.Int64(m.Name, total))
			case metricdata.Sum[float64]:
				var total float64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				fields = append(fields, zap.Float64(m.Name, total))
			case metricdata.Histogram[float64]:
				var (
					count uint64
					sum   float64
				)
				for _, dp := range data.DataPoints {
					count += dp.Count
					sum += dp.Sum
				}
				fields = append(fields, zap.Uint64(m.Name+".count", count))
				if count > 0 {
					fields = append(fields, zap.Float64(m.Name+".mean", sum/float64(count)))
				}
			}
		}
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
	return fields, nil
}

// Shutdown releases the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
