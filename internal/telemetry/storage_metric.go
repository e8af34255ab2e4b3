package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// StorageMetrics holds the metric instruments for the buffer pool and the
// lock manager.
type StorageMetrics struct {
	CacheHitCounter       metric.Int64Counter
	CacheMissCounter      metric.Int64Counter
	EvictionCounter       metric.Int64Counter
	DirtyWritebackCounter metric.Int64Counter
	LockWaitCounter       metric.Int64Counter
	LockGrantCounter      metric.Int64Counter
	LockAbortCounter      metric.Int64Counter
	DeadlockVictimCounter metric.Int64Counter
	PinnedUpDownCounter   metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers all the metrics for the storage core.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	cacheHitCounter, err := meter.Int64Counter(
		"vajradb.bufferpool.cache_hits_total",
		metric.WithDescription("Total number of page fetches served from memory."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cacheMissCounter, err := meter.Int64Counter(
		"vajradb.bufferpool.cache_misses_total",
		metric.WithDescription("Total number of page fetches that went to disk."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionCounter, err := meter.Int64Counter(
		"vajradb.bufferpool.evictions_total",
		metric.WithDescription("Total number of frames reclaimed by the replacer."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dirtyWritebackCounter, err := meter.Int64Counter(
		"vajradb.bufferpool.dirty_writebacks_total",
		metric.WithDescription("Total number of dirty victim pages written back before reuse."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockWaitCounter, err := meter.Int64Counter(
		"vajradb.lockmanager.waits_total",
		metric.WithDescription("Total number of lock requests that had to wait."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockGrantCounter, err := meter.Int64Counter(
		"vajradb.lockmanager.grants_total",
		metric.WithDescription("Total number of lock requests granted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	lockAbortCounter, err := meter.Int64Counter(
		"vajradb.lockmanager.aborts_total",
		metric.WithDescription("Total number of lock requests that aborted the transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlockVictimCounter, err := meter.Int64Counter(
		"vajradb.lockmanager.deadlock_victims_total",
		metric.WithDescription("Total number of transactions aborted by the deadlock detector."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pinnedUpDownCounter, err := meter.Int64UpDownCounter(
		"vajradb.bufferpool.pinned_pages",
		metric.WithDescription("Number of pages currently pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		CacheHitCounter:       cacheHitCounter,
		CacheMissCounter:      cacheMissCounter,
		EvictionCounter:       evictionCounter,
		DirtyWritebackCounter: dirtyWritebackCounter,
		LockWaitCounter:       lockWaitCounter,
		LockGrantCounter:      lockGrantCounter,
		LockAbortCounter:      lockAbortCounter,
		DeadlockVictimCounter: deadlockVictimCounter,
		PinnedUpDownCounter:   pinnedUpDownCounter,
	}, nil
}
