package syncer

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type workerMetrics struct {
	eventsProcessed metric.Int64Counter
	eventsFailed    metric.Int64Counter
	cycleLatency    metric.Float64Histogram
	batchDepth      metric.Int64Gauge
}

func newWorkerMetrics(provider metric.MeterProvider) (workerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("studysync.syncer")

	var (
		metrics workerMetrics
		err     error
	)

	metrics.eventsProcessed, err = meter.Int64Counter(
		"sync.events.processed",
		metric.WithDescription("Number of outbox events applied to the secondary store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create sync.events.processed counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"sync.events.failed",
		metric.WithDescription("Number of outbox events that failed to apply"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create sync.events.failed counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"sync.cycle.latency",
		metric.WithDescription("Time taken per drain cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create sync.cycle.latency histogram: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"sync.batch.depth",
		metric.WithDescription("Number of outbox events fetched in a drain cycle"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return workerMetrics{}, fmt.Errorf("create sync.batch.depth gauge: %w", err)
	}

	return metrics, nil
}
