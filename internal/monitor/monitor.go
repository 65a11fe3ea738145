// Package monitor tracks agent performance over a rolling window and derives
// per-agent health and a system-wide health score from it.
package monitor

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"
)

// Execution is one finished agent invocation.
type Execution struct {
	AgentID string
	TaskID  string
	Start   time.Time
	End     time.Time
	Success bool
	Cost    float64
	Quality float64
}

// Duration returns how long the execution took.
func (e Execution) Duration() time.Duration {
	if e.End.Before(e.Start) {
		return 0
	}
	return e.End.Sub(e.Start)
}

// Health classifies an agent's recent behaviour.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("Health(%d)", int(h))
}

// Thresholds decide health.
type Thresholds struct {
	Window               int           // Executions kept per agent
	MinSamples           int           // Fewer executions than this are Healthy
	HealthySuccessRate   float64       // Below this an agent is Degraded
	UnhealthySuccessRate float64       // Below this an agent is Unhealthy
	DegradedLatency      time.Duration // p95 above this is Degraded; zero disables
	UnhealthyLatency     time.Duration // p95 above this is Unhealthy; zero disables
	TrendFactor          float64       // Recent/older mean latency ratio above this is Degraded; zero disables
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Window:               500,
		MinSamples:           5,
		HealthySuccessRate:   0.9,
		UnhealthySuccessRate: 0.5,
		DegradedLatency:      30 * time.Second,
		UnhealthyLatency:     2 * time.Minute,
		TrendFactor:          1.5,
	}
}

// AgentStats aggregates one agent's window.
type AgentStats struct {
	AgentID             string        `json:"agent_id"`
	Executions          int           `json:"executions"` // Since start, not just the window
	Successes           int           `json:"successes"`  // Since start
	WindowSize          int           `json:"window_size"`
	SuccessRate         float64       `json:"success_rate"` // Within the window
	MeanLatency         time.Duration `json:"mean_latency"`
	P50                 time.Duration `json:"p50"`
	P95                 time.Duration `json:"p95"`
	P99                 time.Duration `json:"p99"`
	MinLatency          time.Duration `json:"min_latency"`
	MaxLatency          time.Duration `json:"max_latency"`
	ExecutionsPerMinute int           `json:"executions_per_minute"`
	TotalCost           float64       `json:"total_cost"` // Since start
	MeanQuality         float64       `json:"mean_quality"`
	LastExecution       time.Time     `json:"last_execution"`
	Health              Health        `json:"health"`
}

// Summary aggregates every agent.
type Summary struct {
	Agents              int           `json:"agents"`
	Executions          int           `json:"executions"`
	Successes           int           `json:"successes"`
	SuccessRate         float64       `json:"success_rate"`
	ExecutionsPerMinute int           `json:"executions_per_minute"`
	MeanLatency         time.Duration `json:"mean_latency"` // Of executions started in the last minute
	TotalCost           float64       `json:"total_cost"`
	Healthy             int           `json:"healthy"`
	Degraded            int           `json:"degraded"`
	Unhealthy           int           `json:"unhealthy"`
	HealthScore         float64       `json:"health_score"` // 0..100
}

type agentWindow struct {
	execs      []Execution // Ring, oldest first
	executions int
	successes  int
	totalCost  float64
}

// Monitor records executions and derives statistics and health.
type Monitor struct {
	mu      sync.RWMutex
	th      Thresholds
	agents  map[string]*agentWindow
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics mirrors recorded executions into Prometheus collectors.
func WithMetrics(m *Metrics) Option { return func(mon *Monitor) { mon.metrics = m } }

// WithLogger sets the monitor's logger.
func WithLogger(l *slog.Logger) Option { return func(mon *Monitor) { mon.log = l } }

// New creates a Monitor.
func New(th Thresholds, opts ...Option) *Monitor {
	def := DefaultThresholds()
	if th.Window <= 0 {
		th.Window = def.Window
	}
	m := &Monitor{
		th:     th,
		agents: make(map[string]*agentWindow),
		log:    slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Metrics returns the attached collectors, or nil.
func (m *Monitor) Metrics() *Metrics { return m.metrics }

// RecordExecution adds ex to its agent's window.
func (m *Monitor) RecordExecution(ex Execution) {
	m.mu.Lock()
	w, ok := m.agents[ex.AgentID]
	if !ok {
		w = &agentWindow{}
		m.agents[ex.AgentID] = w
	}
	prev := m.health(w.execs)
	if len(w.execs) == m.th.Window {
		copy(w.execs, w.execs[1:])
		w.execs = w.execs[:len(w.execs)-1]
	}
	w.execs = append(w.execs, ex)
	w.executions++
	if ex.Success {
		w.successes++
	}
	w.totalCost += ex.Cost

	health := m.health(w.execs)
	m.mu.Unlock()

	if health != prev {
		m.log.Info("agent health changed", "agent_id", ex.AgentID, "from", prev, "to", health)
	}
	if m.metrics != nil {
		m.metrics.observe(ex, health)
	}
}

// Stats returns the statistics of one agent.
func (m *Monitor) Stats(agentID string) (AgentStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.agents[agentID]
	if !ok {
		return AgentStats{AgentID: agentID}, false
	}
	return m.stats(agentID, w), true
}

// AllStats returns the statistics of every agent, ordered by ID.
func (m *Monitor) AllStats() []AgentStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentStats, 0, len(m.agents))
	for _, id := range slices.Sorted(maps.Keys(m.agents)) {
		out = append(out, m.stats(id, m.agents[id]))
	}
	return out
}

// HealthOf returns the agent's health. Agents without data are Healthy.
func (m *Monitor) HealthOf(agentID string) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.agents[agentID]
	if !ok {
		return Healthy
	}
	return m.health(w.execs)
}

// SystemSummary aggregates all agents. The health score starts at 100 and
// loses up to 40 points for failures and up to 30 for slow responses.
func (m *Monitor) SystemSummary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var s Summary
	var recent []time.Duration
	for _, w := range m.agents {
		s.Agents++
		s.Executions += w.executions
		s.Successes += w.successes
		s.TotalCost += w.totalCost
		switch m.health(w.execs) {
		case Healthy:
			s.Healthy++
		case Degraded:
			s.Degraded++
		case Unhealthy:
			s.Unhealthy++
		}
		for _, ex := range w.execs {
			if now.Sub(ex.Start) <= time.Minute {
				recent = append(recent, ex.Duration())
			}
		}
	}

	s.ExecutionsPerMinute = len(recent)
	s.MeanLatency = mean(recent)
	if s.Executions > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Executions)
	}

	score := 100.0
	if s.Executions > 0 {
		score -= (1 - s.SuccessRate) * 100 * 0.4
	}
	if secs := s.MeanLatency.Seconds(); secs > 10 {
		score -= min(30, (secs-10)*2)
	}
	s.HealthScore = max(0, min(100, score))
	return s
}

// Insights lists plain-language observations about an agent.
func (m *Monitor) Insights(agentID string) []string {
	st, ok := m.Stats(agentID)
	if !ok {
		return nil
	}

	var out []string
	if st.MeanLatency > 30*time.Second {
		out = append(out, fmt.Sprintf("mean execution time %s is above 30s", st.MeanLatency.Round(time.Millisecond)))
	}
	if st.WindowSize > 0 && st.SuccessRate < m.th.HealthySuccessRate {
		out = append(out, fmt.Sprintf("success rate %.1f%% is below target", st.SuccessRate*100))
	}
	if st.MeanQuality > 0 && st.MeanQuality < 0.8 {
		out = append(out, fmt.Sprintf("mean quality %.2f is below 0.80", st.MeanQuality))
	}
	if st.Health != Healthy {
		out = append(out, "agent is "+st.Health.String())
	}
	return out
}

func (m *Monitor) stats(agentID string, w *agentWindow) AgentStats {
	st := AgentStats{
		AgentID:    agentID,
		Executions: w.executions,
		Successes:  w.successes,
		WindowSize: len(w.execs),
		TotalCost:  w.totalCost,
		Health:     m.health(w.execs),
	}
	if len(w.execs) == 0 {
		return st
	}

	now := m.now()
	durations := make([]time.Duration, len(w.execs))
	var successes int
	var quality float64
	for i, ex := range w.execs {
		durations[i] = ex.Duration()
		if ex.Success {
			successes++
			quality += ex.Quality
		}
		if now.Sub(ex.Start) <= time.Minute {
			st.ExecutionsPerMinute++
		}
		if ex.End.After(st.LastExecution) {
			st.LastExecution = ex.End
		}
	}

	st.SuccessRate = float64(successes) / float64(len(w.execs))
	if successes > 0 {
		st.MeanQuality = quality / float64(successes)
	}
	st.MeanLatency = mean(durations)

	slices.Sort(durations)
	st.MinLatency = durations[0]
	st.MaxLatency = durations[len(durations)-1]
	st.P50 = percentile(durations, 0.50)
	st.P95 = percentile(durations, 0.95)
	st.P99 = percentile(durations, 0.99)
	return st
}

// health must be called with m.mu held.
func (m *Monitor) health(execs []Execution) Health {
	if len(execs) == 0 || len(execs) < m.th.MinSamples {
		return Healthy
	}

	var successes int
	durations := make([]time.Duration, len(execs))
	for i, ex := range execs {
		if ex.Success {
			successes++
		}
		durations[i] = ex.Duration()
	}
	rate := float64(successes) / float64(len(execs))

	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	p95 := percentile(sorted, 0.95)

	if rate < m.th.UnhealthySuccessRate || (m.th.UnhealthyLatency > 0 && p95 > m.th.UnhealthyLatency) {
		return Unhealthy
	}
	if rate < m.th.HealthySuccessRate || (m.th.DegradedLatency > 0 && p95 > m.th.DegradedLatency) {
		return Degraded
	}

	// Latency trend: the newer half of the window against the older half
	if m.th.TrendFactor > 0 && len(durations) >= 4 {
		half := len(durations) / 2
		older, newer := mean(durations[:half]), mean(durations[half:])
		if older > 0 && float64(newer) > float64(older)*m.th.TrendFactor {
			return Degraded
		}
	}
	return Healthy
}

// percentile uses nearest rank on sorted durations.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.999999) - 1
	return sorted[min(max(rank, 0), len(sorted)-1)]
}

func mean(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}
