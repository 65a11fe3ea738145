package coordinator

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/aristath/agentrt/internal/agent"
	"github.com/aristath/agentrt/internal/monitor"
	"github.com/aristath/agentrt/internal/scheduler"
)

type agentEntry struct {
	desc     agent.Descriptor
	impl     agent.Agent
	load     int
	lastBeat time.Time
	offline  bool
	retryAt  time.Time // Next trial dispatch while excluded as Unhealthy
}

// AgentStatus is a point-in-time view of one registered agent.
type AgentStatus struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Operations    []string       `json:"operations"`
	Capacity      int            `json:"capacity"`
	Load          int            `json:"load"`
	Online        bool           `json:"online"`
	Health        monitor.Health `json:"health"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
}

// RegisterAgent adds an agent to the registry. Registration counts as a
// heartbeat.
func (c *Coordinator) RegisterAgent(desc agent.Descriptor, impl agent.Agent) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if impl == nil {
		return fmt.Errorf("agent %q: nil implementation", desc.ID)
	}
	if desc.Capacity == 0 {
		desc.Capacity = 1
	}
	if desc.Name == "" {
		desc.Name = desc.ID
	}
	desc.Operations = slices.Clone(desc.Operations)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.agents[desc.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, desc.ID)
	}
	c.agents[desc.ID] = &agentEntry{desc: desc, impl: impl, lastBeat: c.now()}
	c.log.Info("agent registered", "agent_id", desc.ID, "operations", desc.Operations, "capacity", desc.Capacity)
	return nil
}

// Heartbeat records that the agent is alive, bringing it back online.
func (c *Coordinator) Heartbeat(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	e.lastBeat = c.now()
	if e.offline {
		e.offline = false
		c.log.Info("agent back online", "agent_id", agentID)
	}
	c.wakeup()
	return nil
}

// Agents lists the registered agents ordered by ID.
func (c *Coordinator) Agents() []AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]AgentStatus, 0, len(c.agents))
	for _, id := range slices.Sorted(maps.Keys(c.agents)) {
		e := c.agents[id]
		out = append(out, AgentStatus{
			ID:            id,
			Name:          e.desc.Name,
			Operations:    slices.Clone(e.desc.Operations),
			Capacity:      e.desc.Capacity,
			Load:          e.load,
			Online:        !e.offline,
			Health:        c.monitor.HealthOf(id),
			LastHeartbeat: e.lastBeat,
		})
	}
	return out
}

// checkHeartbeats marks silent agents offline. Called with c.mu held.
func (c *Coordinator) checkHeartbeats(now time.Time) {
	if c.cfg.HeartbeatTimeout <= 0 {
		return
	}
	for id, e := range c.agents {
		if !e.offline && now.Sub(e.lastBeat) > c.cfg.HeartbeatTimeout {
			e.offline = true
			c.log.Warn("agent missed heartbeat, marking offline", "agent_id", id, "last_heartbeat", e.lastBeat)
		}
	}
}

// validateTarget checks that some registered agent can run the task.
// Called with c.mu held.
func (c *Coordinator) validateTarget(task *scheduler.Task) error {
	if task.AgentID != "" {
		e, ok := c.agents[task.AgentID]
		if !ok {
			return scheduler.Invalid(task.ID, "unknown agent %q", task.AgentID)
		}
		if !e.desc.Supports(task.Operation) {
			return scheduler.Invalid(task.ID, "agent %q does not support operation %q", task.AgentID, task.Operation)
		}
		return nil
	}
	for _, e := range c.agents {
		if e.desc.Supports(task.Operation) {
			return nil
		}
	}
	return scheduler.Invalid(task.ID, "no agent supports operation %q", task.Operation)
}

type candidate struct {
	entry   *agentEntry
	health  monitor.Health
	rate    float64
	latency time.Duration
	trial   bool
}

// slotWait says why selectAgent found no agent.
type slotWait int

const (
	slotFree    slotWait = iota
	slotBusy             // A capable agent is online but has no free slot
	slotNoAgent          // Every capable agent is offline or excluded
)

// selectAgent picks the best agent with a free slot for the task and takes
// the slot. Candidates are ranked by health, then success rate, then mean
// latency, then current load. With ExcludeUnhealthy an Unhealthy agent only
// gets one trial task per UnhealthyRetry, and only while idle, so a recovered
// agent can earn its way back. Called with c.mu held.
func (c *Coordinator) selectAgent(task *scheduler.Task, now time.Time) (*agentEntry, slotWait) {
	var (
		cands []candidate
		busy  bool
	)
	for id, e := range c.agents {
		if task.AgentID != "" && id != task.AgentID {
			continue
		}
		if !e.desc.Supports(task.Operation) || e.offline {
			continue
		}

		cand := candidate{entry: e, rate: 1}
		if st, ok := c.monitor.Stats(id); ok {
			cand.health = st.Health
			if st.WindowSize > 0 {
				cand.rate = st.SuccessRate
			}
			cand.latency = st.MeanLatency
		}
		if c.cfg.ExcludeUnhealthy && cand.health == monitor.Unhealthy {
			if e.load > 0 {
				busy = true
				continue
			}
			if now.Before(e.retryAt) {
				continue
			}
			cand.trial = true
		}
		if e.load >= e.desc.Capacity {
			busy = true
			continue
		}
		cands = append(cands, cand)
	}
	if len(cands) == 0 {
		if busy {
			return nil, slotBusy
		}
		return nil, slotNoAgent
	}

	best := slices.MinFunc(cands, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.health, b.health),
			cmp.Compare(b.rate, a.rate),
			cmp.Compare(a.latency, b.latency),
			cmp.Compare(a.entry.load, b.entry.load),
			cmp.Compare(a.entry.desc.ID, b.entry.desc.ID),
		)
	})
	if best.trial {
		best.entry.retryAt = now.Add(c.cfg.UnhealthyRetry)
		c.log.Info("dispatching trial task to unhealthy agent", "agent_id", best.entry.desc.ID, "task_id", task.ID)
	}
	best.entry.load++
	return best.entry, slotFree
}
