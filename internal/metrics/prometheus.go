package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the storage engine
type Metrics struct {
	// Engine operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec

	// Tier metrics
	TierHitsTotal      *prometheus.CounterVec
	TierMissesTotal    *prometheus.CounterVec
	MemoryTierEntries  prometheus.Gauge
	MemoryTierCapacity prometheus.Gauge
	MemoryEvictions    prometheus.Counter
	DurableRecords     prometheus.Gauge
	DurableTotalBytes  prometheus.Gauge
	DurableDeadBytes   prometheus.Gauge

	// Maintenance metrics
	VacuumRemovedTotal prometheus.Counter
	CompactionsTotal   prometheus.Counter
	CompactionDuration prometheus.Histogram
	CapacityAdjusted   *prometheus.CounterVec

	// Lock metrics
	LockAcquisitionsTotal prometheus.Counter
	LockContentionsTotal  prometheus.Counter
	LockTimeoutsTotal     prometheus.Counter
	LockWaitDuration      prometheus.Histogram

	// Recency cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter
	CacheEntries        prometheus.Gauge
}

// New creates and registers all metrics against the given registerer.
// Tests pass a fresh prometheus.NewRegistry to avoid duplicate
// registration; the daemon passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total engine operations by type",
		}, []string{"op"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cognitionstream",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Histogram of engine operation durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Total engine errors by operation",
		}, []string{"op"}),

		TierHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "engine",
			Name:      "tier_hits_total",
			Help:      "Read hits by tier",
		}, []string{"tier"}),
		TierMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "engine",
			Name:      "tier_misses_total",
			Help:      "Read misses by tier",
		}, []string{"tier"}),
		MemoryTierEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitionstream",
			Subsystem: "memtier",
			Name:      "entries",
			Help:      "Current number of records in the memory tier",
		}),
		MemoryTierCapacity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitionstream",
			Subsystem: "memtier",
			Name:      "capacity",
			Help:      "Current adaptive capacity of the memory tier",
		}),
		MemoryEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "memtier",
			Name:      "evictions_total",
			Help:      "Total memory tier evictions",
		}),
		DurableRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitionstream",
			Subsystem: "durable",
			Name:      "records",
			Help:      "Current number of records in the durable tier",
		}),
		DurableTotalBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitionstream",
			Subsystem: "durable",
			Name:      "log_bytes_total",
			Help:      "Bytes appended to the current durable log generation",
		}),
		DurableDeadBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitionstream",
			Subsystem: "durable",
			Name:      "log_bytes_dead",
			Help:      "Dead bytes in the current durable log generation",
		}),

		VacuumRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "maintenance",
			Name:      "vacuum_removed_total",
			Help:      "Total expired records removed by vacuum",
		}),
		CompactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "maintenance",
			Name:      "compactions_total",
			Help:      "Total durable tier compactions",
		}),
		CompactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cognitionstream",
			Subsystem: "maintenance",
			Name:      "compaction_duration_seconds",
			Help:      "Histogram of compaction durations",
			Buckets:   prometheus.DefBuckets,
		}),
		CapacityAdjusted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "maintenance",
			Name:      "capacity_adjustments_total",
			Help:      "Adaptive capacity adjustments by direction",
		}, []string{"direction"}),

		LockAcquisitionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Total lock acquisitions",
		}),
		LockContentionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "lock",
			Name:      "contentions_total",
			Help:      "Acquisitions that found the lock-key held",
		}),
		LockTimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Total lock acquisition timeouts",
		}),
		LockWaitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cognitionstream",
			Subsystem: "lock",
			Name:      "wait_duration_seconds",
			Help:      "Histogram of lock wait durations",
			Buckets:   prometheus.DefBuckets,
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total recency cache hits",
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total recency cache misses",
		}),
		CacheEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cognitionstream",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total recency cache evictions",
		}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cognitionstream",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of recency cache entries",
		}),
	}
}
