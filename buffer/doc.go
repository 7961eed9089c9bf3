// Package buffer binds in-memory Documents to paths of a mirrored directory
// tree, and keeps them consistent with disk as Snapshots are applied.
//
// A Store holds a binding for each bound path. As each Snapshot and its Diff
// is applied, bindings touched by the Diff are resolved (by Identity and then
// by path) and evaluated against the new Snapshot: renames are followed,
// deletions are recorded, and changed files are reloaded.
//
// Whether a file has changed is decided by its reload gate, which compares the
// observed Identity, inode, modification time, and size with the baseline of
// the last load. Modification times alone are insufficient: a file deleted and
// re-created within one timestamp tick, or truncated and re-written, may keep
// its modification time. A deletion always invalidates the baseline.
//
// Reloads execute asynchronously and concurrently, but each scheduled reload
// increments the binding's generation and a read only commits if its
// generation is still current. The file is stat'd before and after each read,
// and a read which raced a writer is re-scheduled.
package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bindingsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zed_buffer_bindings",
		Help: "Number of bound documents.",
	})
	appliedVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zed_buffer_applied_snapshot_version",
		Help: "Version of the last Snapshot applied to the buffer store.",
	})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zed_buffer_events_total",
		Help: "Cumulative number of emitted buffer events, by kind.",
	}, []string{"kind"})
	reloadsScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_reloads_scheduled_total",
		Help: "Cumulative number of scheduled reloads.",
	})
	reloadsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_reloads_committed_total",
		Help: "Cumulative number of reloads applied to documents.",
	})
	reloadsSupersededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_reloads_superseded_total",
		Help: "Cumulative number of reads discarded due to a later generation.",
	})
	staleReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_stale_reads_total",
		Help: "Cumulative number of reads which observed the file changing, and were re-scheduled.",
	})
	readFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_read_failures_total",
		Help: "Cumulative number of failed reloads.",
	})
	readBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_read_bytes_total",
		Help: "Cumulative number of bytes loaded into documents.",
	})
	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_conflicts_total",
		Help: "Cumulative number of disk changes observed under documents with unsaved edits.",
	})
	verificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_buffer_verifications_total",
		Help: "Cumulative number of re-checks of loads which disagreed with the snapshot.",
	})
)
