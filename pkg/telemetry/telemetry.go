// Package telemetry records per-job duration, fuel usage, and peak memory
// through OpenTelemetry metric instruments, the same instrumentation
// surface (otel + otel/sdk/metric) the teacher's go.mod already carried
// for its own service metrics, wired here to the compute job lifecycle
// instead.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder captures the three job-level measurements spec'd for every
// FinalEvent: wall-clock duration, fuel consumed, and peak memory.
type Recorder struct {
	provider   *sdkmetric.MeterProvider
	duration   metric.Int64Histogram
	fuelUsed   metric.Int64Histogram
	peakMemory metric.Int64Histogram
	cacheHits  metric.Int64Counter
}

// NewRecorder builds an in-process metric provider (no exporter wired —
// a desktop-embedded core has no metrics backend to ship to; callers that
// need export can call Provider() and attach one).
func NewRecorder() (*Recorder, error) {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("uicp.compute-core")

	duration, err := meter.Int64Histogram("compute.job.duration_ms", metric.WithDescription("job wall-clock duration in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: duration histogram: %w", err)
	}
	fuelUsed, err := meter.Int64Histogram("compute.job.fuel_used", metric.WithDescription("host-call fuel units consumed"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: fuel histogram: %w", err)
	}
	peakMemory, err := meter.Int64Histogram("compute.job.peak_memory_bytes", metric.WithDescription("peak sandbox linear memory in bytes"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: memory histogram: %w", err)
	}
	cacheHits, err := meter.Int64Counter("compute.cache.hits", metric.WithDescription("result cache hits"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: cache hits counter: %w", err)
	}

	return &Recorder{
		provider:   provider,
		duration:   duration,
		fuelUsed:   fuelUsed,
		peakMemory: peakMemory,
		cacheHits:  cacheHits,
	}, nil
}

// Provider exposes the underlying MeterProvider so a shell embedding the
// core can attach a real exporter.
func (r *Recorder) Provider() *sdkmetric.MeterProvider { return r.provider }

// RecordJob records one completed job's resource usage, tagged by task
// and outcome.
func (r *Recorder) RecordJob(ctx context.Context, task, outcome string, durationMs int64, fuelUsed uint64, peakMemoryBytes int64) {
	attrs := metric.WithAttributes(
		taskAttr(task), outcomeAttr(outcome),
	)
	r.duration.Record(ctx, durationMs, attrs)
	r.fuelUsed.Record(ctx, int64(fuelUsed), attrs)
	r.peakMemory.Record(ctx, peakMemoryBytes, attrs)
}

// RecordCacheHit increments the cache hit counter for task.
func (r *Recorder) RecordCacheHit(ctx context.Context, task string) {
	r.cacheHits.Add(ctx, 1, metric.WithAttributes(taskAttr(task)))
}

// Shutdown flushes and releases the metric provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.provider.Shutdown(ctx)
}
