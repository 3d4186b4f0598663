// Package metrics exposes the engine's counters and gauges as prometheus
// metrics. The engine's Stats() snapshot stays a plain struct; this registry
// is fed alongside it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry *prometheus.Registry

	OpsTotal *prometheus.CounterVec

	FlushesTotal  prometheus.Counter
	FlushDuration prometheus.Histogram

	CompactionsTotal    prometheus.Counter
	CompactionDuration  prometheus.Histogram
	CompactedBytesTotal prometheus.Counter

	LevelTables     *prometheus.GaugeVec
	MemtableBytes   prometheus.Gauge
	MemtableEntries prometheus.Gauge
	WALBytes        prometheus.Gauge

	WriteStallsTotal prometheus.Counter
}

func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.OpsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "slatekv_operations_total",
			Help: "Total number of engine operations",
		},
		[]string{"operation"},
	)

	r.FlushesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "slatekv_flushes_total",
			Help: "Total number of memtable flushes",
		},
	)

	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slatekv_flush_duration_seconds",
			Help:    "Memtable flush duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "slatekv_compactions_total",
			Help: "Total number of completed compactions",
		},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slatekv_compaction_duration_seconds",
			Help:    "Compaction duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
	)

	r.CompactedBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "slatekv_compacted_bytes_total",
			Help: "Total input bytes rewritten by compaction",
		},
	)

	r.LevelTables = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slatekv_level_tables",
			Help: "Number of published SSTables per level",
		},
		[]string{"level"},
	)

	r.MemtableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "slatekv_memtable_bytes",
			Help: "Size of the active memtable in bytes",
		},
	)

	r.MemtableEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "slatekv_memtable_entries",
			Help: "Distinct keys in the active memtable",
		},
	)

	r.WALBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "slatekv_wal_bytes",
			Help: "Size of the active write-ahead log in bytes",
		},
	)

	r.WriteStallsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "slatekv_write_stalls_total",
			Help: "Writes stalled waiting for flush or compaction",
		},
	)

	return r
}

// Handler serves the registry over HTTP for the /metrics route.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) RecordOp(op string) {
	r.OpsTotal.WithLabelValues(op).Inc()
}

func (r *Registry) RecordFlush(d time.Duration) {
	r.FlushesTotal.Inc()
	r.FlushDuration.Observe(d.Seconds())
}

func (r *Registry) RecordCompaction(d time.Duration, inputBytes int64) {
	r.CompactionsTotal.Inc()
	r.CompactionDuration.Observe(d.Seconds())
	r.CompactedBytesTotal.Add(float64(inputBytes))
}

func (r *Registry) UpdateLevelTables(counts []int) {
	for level, n := range counts {
		r.LevelTables.WithLabelValues(strconv.Itoa(level)).Set(float64(n))
	}
}
