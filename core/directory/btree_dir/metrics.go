package btreedir

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the metric instruments of one directory engine.
type Metrics struct {
	pageAllocations   metric.Int64Counter
	pageDeallocations metric.Int64Counter
	nodeSplits        metric.Int64Counter
	nodeMerges        metric.Int64Counter
	nodeRotations     metric.Int64Counter
	cacheHits         metric.Int64Counter
	cacheMisses       metric.Int64Counter
}

// NewMetrics creates and registers the directory engine instruments on the
// given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	pageAllocations, err := meter.Int64Counter(
		"sealedfs.directory.pages.allocated_total",
		metric.WithDescription("Total pages taken from the free list or by growing the stream."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageDeallocations, err := meter.Int64Counter(
		"sealedfs.directory.pages.deallocated_total",
		metric.WithDescription("Total pages returned to the free list or dropped by shrinking the stream."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeSplits, err := meter.Int64Counter(
		"sealedfs.directory.btree.splits_total",
		metric.WithDescription("Total node splits during inserts."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeMerges, err := meter.Int64Counter(
		"sealedfs.directory.btree.merges_total",
		metric.WithDescription("Total node merges during deletes."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	nodeRotations, err := meter.Int64Counter(
		"sealedfs.directory.btree.rotations_total",
		metric.WithDescription("Total entry redistributions between siblings."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheHits, err := meter.Int64Counter(
		"sealedfs.directory.cache.hits_total",
		metric.WithDescription("Node cache lookups served from memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheMisses, err := meter.Int64Counter(
		"sealedfs.directory.cache.misses_total",
		metric.WithDescription("Node cache lookups that had to read the stream."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		pageAllocations:   pageAllocations,
		pageDeallocations: pageDeallocations,
		nodeSplits:        nodeSplits,
		nodeMerges:        nodeMerges,
		nodeRotations:     nodeRotations,
		cacheHits:         cacheHits,
		cacheMisses:       cacheMisses,
	}, nil
}

// noopMetrics backs directories constructed without a meter.
func noopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
