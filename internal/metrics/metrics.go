// Package metrics holds the prometheus collectors for the index engine.
// It is a separate package so multiple Index handles in one process can
// share a single registration of each collector instead of re-registering
// (and panicking) on every Open.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors an Index reports against. Construct one
// with New and share it across every Index in a process.
type Metrics struct {
	LockWaitSeconds     *prometheus.HistogramVec
	Appends             prometheus.Counter
	Expunges            prometheus.Counter
	FlagUpdates         prometheus.Counter
	RecoveryRuns        *prometheus.CounterVec
	MmapRemaps          prometheus.Counter
	FsckProblems        prometheus.Counter
	CompressRuns        prometheus.Counter
	CompressRecordsRuns prometheus.Counter
}

// New registers a fresh set of collectors. Calling it twice in the same
// process without separate registries will panic, same as any other
// promauto use; callers should build one Metrics and share it.
func New() *Metrics {
	return &Metrics{
		LockWaitSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailidx_lock_wait_seconds",
				Help:    "Time spent waiting to acquire the index file lock.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Appends: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailidx_appends_total",
				Help: "Number of messages appended to the index.",
			},
		),
		Expunges: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailidx_expunges_total",
				Help: "Number of messages expunged from the index.",
			},
		),
		FlagUpdates: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailidx_flag_updates_total",
				Help: "Number of message flag updates applied.",
			},
		),
		RecoveryRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailidx_recovery_runs_total",
				Help: "Number of recovery pipeline runs, by outcome.",
			},
			[]string{"outcome"},
		),
		MmapRemaps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailidx_mmap_remaps_total",
				Help: "Number of times a lock acquire found the index file resized and remapped it.",
			},
		),
		FsckProblems: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailidx_fsck_problems_total",
				Help: "Number of inconsistencies reported by fsck.",
			},
		),
		CompressRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailidx_compress_runs_total",
				Help: "Number of data store compression passes run.",
			},
		),
		CompressRecordsRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailidx_compress_records_runs_total",
				Help: "Number of record array defragmentation passes run.",
			},
		),
	}
}
