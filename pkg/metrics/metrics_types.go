package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the log engine
type Registry struct {
	// Append path
	AppendsTotal     prometheus.Counter
	AppendBytes      prometheus.Counter
	PendingBytes     prometheus.Gauge
	CompressionSaved prometheus.Counter

	// Sync path
	SyncsTotal   *prometheus.CounterVec
	SyncDuration prometheus.Histogram
	CommittedLen prometheus.Gauge
	EpochChanges prometheus.Counter

	// Index path
	IndexFlushesTotal  *prometheus.CounterVec
	IndexLagBytes      *prometheus.GaugeVec
	IndexRebuildsTotal *prometheus.CounterVec
	IndexPoisonedTotal prometheus.Counter

	// Read path
	EntriesRead       prometheus.Counter
	DiskBytesPagedOut prometheus.Counter
	CorruptionTotal   *prometheus.CounterVec

	registry *prometheus.Registry
}

// Global default registry
var (
	defaultRegistry *Registry
	defaultOnce     sync.Once
)

// Default returns the global metrics registry
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
