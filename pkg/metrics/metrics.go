package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NewRegistry creates a metrics registry with all engine metrics registered
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	r.initAppendMetrics()
	r.initSyncMetrics()
	r.initIndexMetrics()
	r.initReadMetrics()
	return r
}

// PrometheusRegistry returns the underlying registry for HTTP exposition
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// RecordAppend records an appended entry with its encoded size
func (r *Registry) RecordAppend(encodedBytes, pendingBytes int) {
	r.AppendsTotal.Inc()
	r.AppendBytes.Add(float64(encodedBytes))
	r.PendingBytes.Set(float64(pendingBytes))
}

// RecordSync records a sync with its outcome and the new committed
// length. The committed and pending gauges only move on success; a
// failed sync leaves bytes buffered.
func (r *Registry) RecordSync(status string, committedLen uint64, duration time.Duration) {
	r.SyncsTotal.WithLabelValues(status).Inc()
	r.SyncDuration.Observe(duration.Seconds())
	if status == "ok" {
		r.CommittedLen.Set(float64(committedLen))
		r.PendingBytes.Set(0)
	}
}

// RecordIndexFlush records a flushed index and clears its lag gauge
func (r *Registry) RecordIndexFlush(index string) {
	r.IndexFlushesTotal.WithLabelValues(index).Inc()
	r.IndexLagBytes.WithLabelValues(index).Set(0)
}

// RecordIndexLag records how far an index trails the primary log
func (r *Registry) RecordIndexLag(index string, lagBytes uint64) {
	r.IndexLagBytes.WithLabelValues(index).Set(float64(lagBytes))
}

// RecordCorruption records a detected corruption by artifact kind
func (r *Registry) RecordCorruption(artifact string) {
	r.CorruptionTotal.WithLabelValues(artifact).Inc()
}

// RecordRead records a decoded entry read and disk cache-pressure hints
func (r *Registry) RecordRead(fromDisk bool, entryBytes int) {
	r.EntriesRead.Inc()
	if fromDisk {
		r.DiskBytesPagedOut.Add(float64(entryBytes))
	}
}
