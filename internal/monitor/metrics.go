package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	// Counters
	executions      *prometheus.CounterVec
	cost            *prometheus.CounterVec
	deadlocksBroken prometheus.Counter
	failures        *prometheus.CounterVec

	// Gauges
	health        *prometheus.GaugeVec
	tasks         *prometheus.GaugeVec
	resourceUsed  *prometheus.GaugeVec
	resourceTotal *prometheus.GaugeVec
	circuitState  *prometheus.GaugeVec

	// Histograms
	duration *prometheus.HistogramVec
	quality  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_agent_executions_total",
				Help: "Agent executions by result",
			},
			[]string{"agent", "result"},
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_agent_cost_total",
				Help: "Cumulative cost reported by agents",
			},
			[]string{"agent"},
		),
		deadlocksBroken: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrt_deadlocks_broken_total",
				Help: "Tasks cancelled to break a deadlock",
			},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_attempt_failures_total",
				Help: "Failed attempts by operation and error kind",
			},
			[]string{"operation", "kind"},
		),
		health: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentrt_agent_health",
				Help: "Agent health (0 healthy, 1 degraded, 2 unhealthy)",
			},
			[]string{"agent"},
		),
		tasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentrt_tasks",
				Help: "Tasks known to the coordinator by status",
			},
			[]string{"status"},
		),
		resourceUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentrt_resource_granted",
				Help: "Units of a pool resource currently granted",
			},
			[]string{"resource"},
		),
		resourceTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentrt_resource_capacity",
				Help: "Configured capacity of a pool resource",
			},
			[]string{"resource"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentrt_circuit_state",
				Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"operation"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_agent_execution_duration_seconds",
				Help:    "Agent execution duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"agent"},
		),
		quality: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_agent_quality",
				Help:    "Quality scores reported by successful executions",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
			[]string{"agent"},
		),
	}

	reg.MustRegister(
		m.executions,
		m.cost,
		m.deadlocksBroken,
		m.failures,
		m.health,
		m.tasks,
		m.resourceUsed,
		m.resourceTotal,
		m.circuitState,
		m.duration,
		m.quality,
	)

	return m
}

func (m *Metrics) observe(ex Execution, h Health) {
	result := "failure"
	if ex.Success {
		result = "success"
		m.quality.WithLabelValues(ex.AgentID).Observe(ex.Quality)
	}
	m.executions.WithLabelValues(ex.AgentID, result).Inc()
	if ex.Cost > 0 {
		m.cost.WithLabelValues(ex.AgentID).Add(ex.Cost)
	}
	m.duration.WithLabelValues(ex.AgentID).Observe(ex.Duration().Seconds())
	m.health.WithLabelValues(ex.AgentID).Set(float64(h))
}

// SetTaskCounts publishes the number of tasks per status name.
func (m *Metrics) SetTaskCounts(counts map[string]int) {
	for status, n := range counts {
		m.tasks.WithLabelValues(status).Set(float64(n))
	}
}

// SetResource publishes the usage of one pool resource.
func (m *Metrics) SetResource(resource string, granted, capacity int64) {
	m.resourceUsed.WithLabelValues(resource).Set(float64(granted))
	m.resourceTotal.WithLabelValues(resource).Set(float64(capacity))
}

// SetCircuitState publishes a breaker state (0 closed, 1 half-open, 2 open).
func (m *Metrics) SetCircuitState(operation string, state int) {
	m.circuitState.WithLabelValues(operation).Set(float64(state))
}

// AttemptFailed counts one failed attempt.
func (m *Metrics) AttemptFailed(operation, kind string) {
	m.failures.WithLabelValues(operation, kind).Inc()
}

// DeadlockBroken counts one deadlock victim.
func (m *Metrics) DeadlockBroken() {
	m.deadlocksBroken.Inc()
}
