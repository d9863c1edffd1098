package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initAppendMetrics() {
	r.AppendsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "revlog_appends_total",
			Help: "Total number of entries appended to the in-memory buffer",
		},
	)

	r.AppendBytes = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "revlog_append_bytes_total",
			Help: "Total encoded bytes appended to the in-memory buffer",
		},
	)

	r.PendingBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "revlog_pending_bytes",
			Help: "Bytes currently buffered in memory awaiting sync",
		},
	)

	r.CompressionSaved = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "revlog_compression_saved_bytes_total",
			Help: "Bytes saved by snappy payload compression",
		},
	)
}

func (r *Registry) initSyncMetrics() {
	r.SyncsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "revlog_syncs_total",
			Help: "Total number of sync operations",
		},
		[]string{"status"},
	)

	r.SyncDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "revlog_sync_duration_seconds",
			Help:    "Sync operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	r.CommittedLen = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "revlog_committed_length_bytes",
			Help: "Committed primary log length in bytes",
		},
	)

	r.EpochChanges = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "revlog_epoch_changes_total",
			Help: "Times the metadata epoch changed under this process",
		},
	)
}

func (r *Registry) initIndexMetrics() {
	r.IndexFlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "revlog_index_flushes_total",
			Help: "Total number of index flushes to disk",
		},
		[]string{"index"},
	)

	r.IndexLagBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "revlog_index_lag_bytes",
			Help: "Bytes by which an index trails the committed log",
		},
		[]string{"index"},
	)

	r.IndexRebuildsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "revlog_index_rebuilds_total",
			Help: "Total number of index rebuilds",
		},
		[]string{"index"},
	)

	r.IndexPoisonedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "revlog_index_poisoned_total",
			Help: "Times a log instance entered the poisoned index state",
		},
	)
}

func (r *Registry) initReadMetrics() {
	r.EntriesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "revlog_entries_read_total",
			Help: "Total number of entries decoded by the read path",
		},
	)

	r.DiskBytesPagedOut = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "revlog_disk_bytes_paged_out_total",
			Help: "Disk entry bytes consumed by readers (cache-pressure hint)",
		},
	)

	r.CorruptionTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "revlog_corruption_total",
			Help: "Detected corruption events by artifact",
		},
		[]string{"artifact"},
	)
}
