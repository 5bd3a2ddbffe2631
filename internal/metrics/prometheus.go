// Package metrics exposes EchoDB's runtime counters and gauges via
// github.com/prometheus/client_golang, replacing the teacher's
// hand-rolled text-exposition Metrics type with the ecosystem's actual
// collector/registry/HTTP-handler pattern.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector EchoDB registers. One
// instance per process.
type Metrics struct {
	registry *prometheus.Registry

	WritesTotal  *prometheus.CounterVec // labeled by op: put/delete
	WriteErrors  *prometheus.CounterVec // labeled by reason
	WriteLatency prometheus.Histogram
	ReadsTotal   prometheus.Counter
	ReadLatency  prometheus.Histogram

	WALBytesWritten prometheus.Counter
	WALFlushesTotal prometheus.Counter
	WALPendingRows  prometheus.Gauge

	MemtableBytes     prometheus.Gauge
	FlushesTotal      prometheus.Counter
	FlushLatency      prometheus.Histogram
	CompactionsTotal  prometheus.Counter
	CompactionLatency prometheus.Histogram
	L0TableCount      prometheus.Gauge
	LevelTableCount   *prometheus.GaugeVec // labeled by level

	CheckpointLagSeq  prometheus.Gauge
	SequenceHighWater prometheus.Gauge

	LeaseState        *prometheus.GaugeVec // labeled by state: candidate/leader/follower
	LeaseAcquisitions prometheus.Counter
}

// New constructs and registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "echodb_writes_total",
			Help: "Total writes accepted, by operation.",
		}, []string{"op"}),
		WriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "echodb_write_errors_total",
			Help: "Total write failures, by reason.",
		}, []string{"reason"}),
		WriteLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "echodb_write_latency_seconds",
			Help:    "Latency of Put/Delete calls.",
			Buckets: prometheus.DefBuckets,
		}),
		ReadsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "echodb_reads_total",
			Help: "Total Get calls.",
		}),
		ReadLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "echodb_read_latency_seconds",
			Help:    "Latency of Get calls.",
			Buckets: prometheus.DefBuckets,
		}),

		WALBytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "echodb_wal_bytes_written_total",
			Help: "Total bytes written to WAL blobs.",
		}),
		WALFlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "echodb_wal_flushes_total",
			Help: "Total WAL blobs written.",
		}),
		WALPendingRows: f.NewGauge(prometheus.GaugeOpts{
			Name: "echodb_wal_pending_rows",
			Help: "Rows buffered in memory awaiting the next WAL flush.",
		}),

		MemtableBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "echodb_memtable_bytes",
			Help: "Approximate size of the active memtable.",
		}),
		FlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "echodb_flushes_total",
			Help: "Total memtable-to-L0 flushes.",
		}),
		FlushLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "echodb_flush_latency_seconds",
			Help:    "Latency of a memtable flush.",
			Buckets: prometheus.DefBuckets,
		}),
		CompactionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "echodb_compactions_total",
			Help: "Total L0-into-L1 compaction runs.",
		}),
		CompactionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "echodb_compaction_latency_seconds",
			Help:    "Latency of a compaction run.",
			Buckets: prometheus.DefBuckets,
		}),
		L0TableCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "echodb_l0_table_count",
			Help: "Number of L0 tables currently known.",
		}),
		LevelTableCount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "echodb_level_table_count",
			Help: "Number of tables at each level >= 1.",
		}, []string{"level"}),

		CheckpointLagSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "echodb_checkpoint_lag_seq",
			Help: "Difference between the sequence high-water mark and the last flushed checkpoint sequence.",
		}),
		SequenceHighWater: f.NewGauge(prometheus.GaugeOpts{
			Name: "echodb_sequence_high_water",
			Help: "Highest sequence number allocated so far.",
		}),

		LeaseState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "echodb_lease_state",
			Help: "1 for the node's current lease state, 0 for the others.",
		}, []string{"state"}),
		LeaseAcquisitions: f.NewCounter(prometheus.CounterOpts{
			Name: "echodb_lease_acquisitions_total",
			Help: "Total times this node transitioned into the leader state.",
		}),
	}
}

// SetLeaseState zeroes every lease-state label but current.
func (m *Metrics) SetLeaseState(current string) {
	for _, s := range []string{"candidate", "leader", "follower"} {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.LeaseState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the promhttp handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests that want to
// scrape it directly rather than going through the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
