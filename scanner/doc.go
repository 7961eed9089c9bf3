// Package scanner maintains a Snapshot of a directory tree which is mutated by
// external writers. It consumes best-effort batches of changed paths (which may
// be lost, duplicated, coalesced or misordered), re-stats each, and publishes a
// successor Snapshot and Diff. Identities of Entries are assigned by the
// IdentityAssigner, which carries Identities across renames and in-place updates.
package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_scanner_batches_total",
		Help: "Cumulative number of processed scan cycles.",
	})
	statsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_scanner_stats_total",
		Help: "Cumulative number of paths stat'd by the scanner.",
	})
	statErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_scanner_stat_errors_total",
		Help: "Cumulative number of stat and directory listing failures (other than not-found).",
	})
	droppedPathsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zed_scanner_dropped_paths_total",
		Help: "Cumulative number of notified paths which were filtered, by reason.",
	}, []string{"reason"})
	diffChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zed_scanner_diff_changes_total",
		Help: "Cumulative number of changed paths published in snapshot diffs.",
	})
	snapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zed_scanner_snapshot_version",
		Help: "Version of the most recently published snapshot.",
	})
	snapshotEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zed_scanner_snapshot_entries",
		Help: "Number of entries of the most recently published snapshot.",
	})
)
