package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and any additional service-specific collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

var TurnsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "toygres",
		Subsystem: "durable",
		Name:      "turns_processed_total",
		Help:      "Total number of orchestration turns processed, by outcome.",
	},
	[]string{"outcome"},
)

var TurnDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "toygres",
		Subsystem: "durable",
		Name:      "turn_duration_seconds",
		Help:      "Time spent replaying and advancing a single orchestration turn.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"workflow"},
)

var ActivityAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "toygres",
		Subsystem: "durable",
		Name:      "activity_attempts_total",
		Help:      "Total activity invocations, by name and outcome.",
	},
	[]string{"name", "outcome"},
)

var HistoryAppendConflictsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "toygres",
		Subsystem: "durable",
		Name:      "history_append_conflicts_total",
		Help:      "Total optimistic-append conflicts on the history store.",
	},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "toygres",
		Subsystem: "durable",
		Name:      "queue_depth",
		Help:      "Approximate number of visible, unleased work items by kind.",
	},
	[]string{"kind"},
)

var InstancesTotal = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "toygres",
		Subsystem: "cms",
		Name:      "instances",
		Help:      "Number of instance rows by state.",
	},
	[]string{"state"},
)

var HealthChecksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "toygres",
		Subsystem: "cms",
		Name:      "health_checks_total",
		Help:      "Total health checks recorded, by status.",
	},
	[]string{"status"},
)

// All returns all toygres-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TurnsProcessedTotal,
		TurnDuration,
		ActivityAttemptsTotal,
		HistoryAppendConflictsTotal,
		QueueDepth,
		InstancesTotal,
		HealthChecksTotal,
	}
}
