package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// PoolMetrics holds all the metric instruments for the buffer pool.
type PoolMetrics struct {
	FetchHitsCounter         metric.Int64Counter
	FetchMissesCounter       metric.Int64Counter
	EvictionsCounter         metric.Int64Counter
	PageFlushesCounter       metric.Int64Counter
	PinnedPagesUpDownCounter metric.Int64UpDownCounter
}

// NewPoolMetrics creates and registers all the metrics for the buffer pool.
func NewPoolMetrics(meter metric.Meter) (*PoolMetrics, error) {
	fetchHitsCounter, err := meter.Int64Counter(
		"slotdb.buffer_pool.fetch_hits_total",
		metric.WithDescription("Total number of page fetches served from the pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fetchMissesCounter, err := meter.Int64Counter(
		"slotdb.buffer_pool.fetch_misses_total",
		metric.WithDescription("Total number of page fetches that went to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionsCounter, err := meter.Int64Counter(
		"slotdb.buffer_pool.evictions_total",
		metric.WithDescription("Total number of frames reclaimed by the LRU policy."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageFlushesCounter, err := meter.Int64Counter(
		"slotdb.buffer_pool.page_flushes_total",
		metric.WithDescription("Total number of dirty pages written back to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinnedPagesUpDownCounter, err := meter.Int64UpDownCounter(
		"slotdb.buffer_pool.pinned_pages",
		metric.WithDescription("Number of outstanding page pins."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &PoolMetrics{
		FetchHitsCounter:         fetchHitsCounter,
		FetchMissesCounter:       fetchMissesCounter,
		EvictionsCounter:         evictionsCounter,
		PageFlushesCounter:       pageFlushesCounter,
		PinnedPagesUpDownCounter: pinnedPagesUpDownCounter,
	}, nil
}
