package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the orchestrator's Prometheus collectors, promoted from the
// teacher's plain Metrics struct (snapshotted into JSON for the dashboard)
// into live, scrapeable counters and gauges. Grounded on
// r3e-network-service_layer/infrastructure/metrics/metrics.go's
// NewWithRegistry pattern: construct every collector, register them all at
// once, and hand back a struct of typed fields rather than a label-keyed
// map the caller has to remember the names of.
type Metrics struct {
	CyclesTotal      prometheus.Counter
	TasksAssigned    prometheus.Counter
	AssignmentErrors prometheus.Counter
	AgentsIdle       prometheus.Gauge
	QueueDepth       prometheus.Gauge
}

// NewMetrics constructs and registers the orchestrator's collectors against
// registerer. Pass nil to skip registration (used by tests that construct
// more than one Orchestrator in the same process).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_orchestrator_cycles_total",
			Help: "Total number of assignment-loop cycles run.",
		}),
		TasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_orchestrator_tasks_assigned_total",
			Help: "Total number of tasks handed to an agent by next_assignment.",
		}),
		AssignmentErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_orchestrator_assignment_errors_total",
			Help: "Total number of errors encountered while attempting an assignment.",
		}),
		AgentsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_orchestrator_agents_idle",
			Help: "Number of agents with spare capacity observed on the most recent cycle.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_orchestrator_queue_depth",
			Help: "Number of pending tasks observed on the most recent cycle.",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.CyclesTotal, m.TasksAssigned, m.AssignmentErrors, m.AgentsIdle, m.QueueDepth)
	}
	return m
}
