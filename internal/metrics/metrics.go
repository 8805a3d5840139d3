// Package metrics holds the Prometheus metrics this node exposes for
// its own ambient observability. Grounded on
// storage-node/internal/metrics/prometheus.go's promauto-registered
// struct-of-metrics shape, narrowed from storage-engine-level metrics
// (memtable/sstable/compaction) to the atomic cache pipeline's own
// concerns: near/DHT request counts and latency, conflict outcomes,
// deferred-ack buffer behavior, and remap counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram/gauge this node registers.
type Metrics struct {
	NearUpdateRequestsTotal    *prometheus.CounterVec
	NearUpdateDuration         prometheus.Histogram
	NearGetRequestsTotal       prometheus.Counter
	NearGetDuration            prometheus.Histogram
	RemapTotal                 prometheus.Counter
	DhtUpdateRequestsTotal     prometheus.Counter
	DhtUpdateDuration          prometheus.Histogram
	ConflictOutcomesTotal      *prometheus.CounterVec
	DeferredAckBufferedTotal   prometheus.Counter
	DeferredAckFlushesTotal    *prometheus.CounterVec
	DeferredAckFlushSize       prometheus.Histogram
	EntryStoreSizeEntries      prometheus.Gauge
	TopologyVersion            prometheus.Gauge
	LockRetriesTotal           prometheus.Counter
}

// New creates and registers every metric, tagging each with this node's id.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		NearUpdateRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "near",
			Name:        "update_requests_total",
			Help:        "Total near update requests by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		NearUpdateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cachegrid",
			Subsystem:   "near",
			Name:        "update_duration_seconds",
			Help:        "Near update request latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		NearGetRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "near",
			Name:        "get_requests_total",
			Help:        "Total near get requests.",
			ConstLabels: labels,
		}),
		NearGetDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cachegrid",
			Subsystem:   "near",
			Name:        "get_duration_seconds",
			Help:        "Near get request latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		RemapTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "near",
			Name:        "remap_total",
			Help:        "Total near-request remaps due to stale topology.",
			ConstLabels: labels,
		}),
		DhtUpdateRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "dht",
			Name:        "update_requests_total",
			Help:        "Total primary-to-backup replication requests sent.",
			ConstLabels: labels,
		}),
		DhtUpdateDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cachegrid",
			Subsystem:   "dht",
			Name:        "update_duration_seconds",
			Help:        "Backup update apply latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ConflictOutcomesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "conflict",
			Name:        "outcomes_total",
			Help:        "Version conflict resolutions by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		DeferredAckBufferedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "deferredack",
			Name:        "buffered_total",
			Help:        "Total future versions buffered for deferred ack.",
			ConstLabels: labels,
		}),
		DeferredAckFlushesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "deferredack",
			Name:        "flushes_total",
			Help:        "Deferred-ack buffer flushes by trigger.",
			ConstLabels: labels,
		}, []string{"trigger"}),
		DeferredAckFlushSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "cachegrid",
			Subsystem:   "deferredack",
			Name:        "flush_size",
			Help:        "Number of future versions per deferred-ack flush.",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(0, 32, 10),
		}),
		EntryStoreSizeEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cachegrid",
			Subsystem:   "entrystore",
			Name:        "entries",
			Help:        "Total live entries held by this node across all partitions.",
			ConstLabels: labels,
		}),
		TopologyVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "cachegrid",
			Subsystem:   "topology",
			Name:        "version",
			Help:        "Current topology version observed by this node.",
			ConstLabels: labels,
		}),
		LockRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace:   "cachegrid",
			Subsystem:   "entrystore",
			Name:        "lock_retries_total",
			Help:        "Total multi-key lock acquisitions restarted due to an obsolete entry.",
			ConstLabels: labels,
		}),
	}
}
