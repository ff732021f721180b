// Package metrics holds the agent's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "core_governor"

// Metrics contains every collector the governor updates.
type Metrics struct {
	Registry *prometheus.Registry

	// Polling loop
	Cycles           prometheus.Counter
	CycleDuration    prometheus.Histogram
	SnapshotFailures prometheus.Counter
	Processes        prometheus.Gauge

	// Classified OS failures, label kind is handle_failure|query_failure|apply_failure
	OSErrors *prometheus.CounterVec

	// Prime thread scheduler, labelled by process name
	Promotions     *prometheus.CounterVec
	Demotions      *prometheus.CounterVec
	PrimeThreads   *prometheus.GaugeVec
	TrackedThreads *prometheus.GaugeVec
	Reports        prometheus.Counter

	// Process policy changes, label setting is priority|affinity|cpu_set
	PolicyChanges *prometheus.CounterVec
}

// New registers all collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := NewWith(reg)
	m.Registry = reg
	return m
}

// NewWith registers the governor collectors on reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed polling cycles.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent in one polling cycle, excluding the sleep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		SnapshotFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Cycles skipped because the process snapshot failed.",
		}),
		Processes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_processes",
			Help:      "Processes seen in the last snapshot.",
		}),
		OSErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "os_errors_total",
			Help:      "Failed OS operations by failure kind.",
		}, []string{"kind"}),
		Promotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prime",
			Name:      "promotions_total",
			Help:      "Threads pinned to prime cores.",
		}, []string{"process"}),
		Demotions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prime",
			Name:      "demotions_total",
			Help:      "Threads unpinned from prime cores.",
		}, []string{"process"}),
		PrimeThreads: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prime",
			Name:      "threads",
			Help:      "Threads currently pinned to prime cores.",
		}, []string{"process"}),
		TrackedThreads: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prime",
			Name:      "tracked_threads",
			Help:      "Distinct threads observed over the life of the process.",
		}, []string{"process"}),
		Reports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prime",
			Name:      "reports_total",
			Help:      "Post-mortem reports emitted.",
		}),
		PolicyChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_changes_total",
			Help:      "Process settings changed by the policy applier.",
		}, []string{"setting"}),
	}
}

// ForgetProcess drops the per-process series once no instance of name is
// tracked any more.
func (m *Metrics) ForgetProcess(name string) {
	m.PrimeThreads.DeleteLabelValues(name)
	m.TrackedThreads.DeleteLabelValues(name)
}
