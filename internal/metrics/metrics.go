// Package metrics holds the Prometheus collectors of the diff engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Diff update modes.
const (
	ModeFresh       = "fresh"
	ModeExtend      = "extend"
	ModeNoop        = "noop"
	ModeRecalculate = "recalculate"
	ModeAdHoc       = "ad_hoc"
)

var (
	// diffUpdates counts tracking diff updates.
	// Labels: mode (fresh, extend, noop, recalculate, ad_hoc)
	diffUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphdiff",
		Subsystem: "diff",
		Name:      "updates_total",
		Help:      "Total diff updates by mode",
	}, []string{"mode"})

	// diffUpdateDuration measures how long a diff update takes.
	// Labels: mode
	diffUpdateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "graphdiff",
		Subsystem: "diff",
		Name:      "update_duration_seconds",
		Help:      "Diff update latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"mode"})

	// diffConflicts is the number of conflicts of a branch's tracking diff.
	// Labels: branch
	diffConflicts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "graphdiff",
		Subsystem: "diff",
		Name:      "conflicts",
		Help:      "Conflicts in the tracking diff of a branch",
	}, []string{"branch"})

	// mergeNodes counts nodes written by merges.
	// Labels: action (added, updated, removed, skipped)
	mergeNodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "graphdiff",
		Subsystem: "merge",
		Name:      "nodes_total",
		Help:      "Total nodes applied by merges",
	}, []string{"action"})

	mergeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "graphdiff",
		Subsystem: "merge",
		Name:      "errors_total",
		Help:      "Total failed merges",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "graphdiff",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Branch events dropped because the queue was full",
	})
)

// ObserveDiffUpdate records one diff update that started at start.
func ObserveDiffUpdate(mode string, start time.Time) {
	diffUpdates.WithLabelValues(mode).Inc()
	diffUpdateDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// SetConflicts records the conflict count of a branch's tracking diff.
func SetConflicts(branch string, n int) {
	diffConflicts.WithLabelValues(branch).Set(float64(n))
}

// MergedNode counts one node handled by a merge.
func MergedNode(action string) {
	mergeNodes.WithLabelValues(action).Inc()
}

// MergeFailed counts a failed merge.
func MergeFailed() {
	mergeErrors.Inc()
}

// EventDropped counts an event that did not fit the queue.
func EventDropped() {
	eventsDropped.Inc()
}
