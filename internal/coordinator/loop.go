package coordinator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/aristath/agentrt/internal/events"
	"github.com/aristath/agentrt/internal/scheduler"
)

// loop runs scheduling passes every PassInterval and whenever something
// wakes it: a submission, a completion, a cancellation, or a heartbeat.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.cfg.PassInterval)
	defer ticker.Stop()

	for {
		c.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// pass is one scheduling pass.
func (c *Coordinator) pass(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	c.checkHeartbeats(now)
	c.mu.Unlock()

	// Promote tasks whose dependencies all succeeded
	c.passMu.Lock()
	if promoted := c.dag.Promote(); len(promoted) > 0 {
		c.progress.Add(uint64(len(promoted)))
	}
	denied := c.dispatchReady(ctx, now)
	c.passMu.Unlock()

	// Deadlock check after enough passes without progress while work is blocked
	c.mu.Lock()
	blocked := denied > 0 || len(c.waits) > 0
	c.mu.Unlock()
	if p := c.progress.Load(); p != c.lastProgress || !blocked {
		c.lastProgress = p
		c.stalled = 0
	} else {
		c.stalled++
	}
	if c.stalled >= c.cfg.DeadlockCheckPasses {
		c.stalled = 0
		c.breakDeadlocks(now)
	}

	if c.cfg.Retention > 0 {
		if removed := c.dag.Prune(now.Add(-c.cfg.Retention)); len(removed) > 0 {
			c.mu.Lock()
			for _, id := range removed {
				delete(c.tracked, id)
			}
			c.mu.Unlock()
			c.log.Debug("pruned terminal tasks", "count", len(removed))
		}
	}

	c.reportProgress(now)
}

// dispatchReady matches ready tasks to agents and resources in effective
// priority order, FIFO within a band. Once a task is denied a resource or an
// agent slot, later tasks needing the same resource or agent are held back
// so they cannot overtake it. Returns the number of tasks left waiting.
func (c *Coordinator) dispatchReady(ctx context.Context, now time.Time) int {
	var (
		heldResources = make(map[string]bool)
		heldAgents    = make(map[string]bool) // Keyed by agentKey; true when no slot was free
		waiting       int
		agentWaiting  int
	)
	defer func() {
		c.mu.Lock()
		c.agentWaiting = agentWaiting
		c.mu.Unlock()
	}()

	ready := c.dag.Ready(c.effectivePriority)
	if len(ready) == 0 {
		return 0
	}

	heldResource := func(t *scheduler.Task) bool {
		for _, req := range t.Resources {
			if heldResources[req.Resource] {
				return true
			}
		}
		return false
	}
	holdAgent := func(t *scheduler.Task, noSlot bool) {
		k := agentKey(t)
		heldAgents[k] = heldAgents[k] || noSlot
	}

	for i, task := range ready {
		if ctx.Err() != nil {
			return waiting
		}
		if noSlot, held := heldAgents[agentKey(task)]; held {
			if noSlot {
				c.dag.WaitAgent(task.ID)
				agentWaiting++
			}
			waiting++
			continue
		}
		if heldResource(task) {
			waiting++
			continue
		}

		// Worker limit: everything else waits for the next pass
		if !c.sem.TryAcquire(1) {
			return waiting + len(ready) - i
		}

		c.mu.Lock()
		entry, wait := c.selectAgent(task, now)
		c.mu.Unlock()
		if entry == nil {
			c.sem.Release(1)
			holdAgent(task, true)
			c.dag.WaitAgent(task.ID)
			agentWaiting++
			waiting++
			if wait == slotNoAgent {
				c.deny(task, scheduler.ReasonNoAgent, fmt.Errorf("%w for operation %q", ErrNoAgent, task.Operation))
			}
			continue
		}

		claims, err := c.pool.ReserveAll(task.ID, task.Resources)
		if err != nil {
			c.sem.Release(1)
			c.releaseSlot(entry)
			if !errors.Is(err, scheduler.ErrResourceDenied) {
				// Capacity checked at submission; only reachable if the pool changed
				_ = c.abort(task.ID, scheduler.ReasonResourceDenied, err)
				continue
			}
			c.holdResources(task, heldResources)
			holdAgent(task, false)
			c.deny(task, scheduler.ReasonResourceDenied, err)
			waiting++
			continue
		}

		if !c.dispatch(ctx, task, entry, claims, now) {
			c.sem.Release(1)
			c.releaseSlot(entry)
			if err := c.pool.ReleaseAll(claims); err != nil {
				c.log.Error("failed to release claims", "task_id", task.ID, "error", err)
			}
		}
	}
	return waiting
}

// agentKey names what a task waits on when it cannot get an agent: its
// target agent, or any agent serving its operation.
func agentKey(t *scheduler.Task) string {
	if t.AgentID != "" {
		return "agent:" + t.AgentID
	}
	return "op:" + t.Operation
}

// holdResources marks the resources the task could not get.
func (c *Coordinator) holdResources(task *scheduler.Task, held map[string]bool) {
	usage := c.pool.Usage()
	need := make(map[string]int64)
	for _, req := range task.Resources {
		need[req.Resource] += req.Amount
	}
	marked := false
	for name, amount := range need {
		if usage[name].Available() < amount {
			held[name] = true
			marked = true
		}
	}
	if !marked {
		// Freed between the denial and now
		for name := range need {
			held[name] = true
		}
	}
}

// deny counts a pass in which the task was denied a resource or found no
// eligible agent, and fails the task with reason once that happened more
// than MaxDeniedPasses times.
func (c *Coordinator) deny(task *scheduler.Task, reason scheduler.Reason, err error) {
	n := c.dag.Deny(task.ID)
	if c.cfg.MaxDeniedPasses > 0 && n > c.cfg.MaxDeniedPasses {
		c.log.Warn("task repeatedly denied dispatch, giving up", "task_id", task.ID, "reason", reason, "passes", n, "error", err)
		_ = c.abort(task.ID, reason, err)
	}
}

func (c *Coordinator) releaseSlot(entry *agentEntry) {
	c.mu.Lock()
	entry.load--
	c.mu.Unlock()
}

// effectivePriority applies the learned priority bump of the task's agent.
func (c *Coordinator) effectivePriority(task *scheduler.Task) scheduler.Priority {
	if task.AgentID == "" {
		return task.Priority
	}
	h, ok := c.hint(task.AgentID, task.Operation)
	if !ok || h.PriorityBump == 0 {
		return task.Priority
	}
	return (task.Priority + scheduler.Priority(h.PriorityBump)).Clamp()
}

// breakDeadlocks runs the detector over the current wait-for graph and
// cancels the victims it picks.
func (c *Coordinator) breakDeadlocks(now time.Time) {
	var live []*scheduler.Task
	for _, task := range c.dag.Tasks() {
		if !task.Status.Terminal() {
			live = append(live, task)
		}
	}

	c.mu.Lock()
	waits := make([]scheduler.Wait, 0, len(c.waits))
	for _, w := range c.waits {
		waits = append(waits, w)
	}
	c.mu.Unlock()

	victims := c.detector.Resolve(scheduler.WaitSnapshot{
		Tasks:    live,
		Holdings: c.pool.Holdings(),
		Waits:    waits,
	})
	for _, id := range victims {
		c.log.Warn("breaking deadlock", "victim", id)
		if m := c.monitor.Metrics(); m != nil {
			m.DeadlockBroken()
		}
		c.publish(events.DeadlockBrokenEvent{Victim: id, Timestamp: now})
		if err := c.abort(id, scheduler.ReasonDeadlockBroken, ErrDeadlockBroken); err != nil {
			c.log.Error("failed to cancel deadlock victim", "task_id", id, "error", err)
		}
	}
}

// reportProgress publishes task counts when they changed since the last pass.
func (c *Coordinator) reportProgress(now time.Time) {
	counts := c.dag.Counts()
	if m := c.monitor.Metrics(); m != nil {
		m.SetTaskCounts(statusCounts(counts))
		for name, u := range c.pool.Usage() {
			m.SetResource(name, u.Granted, u.Capacity)
		}
	}
	if maps.Equal(counts, c.lastCounts) {
		return
	}
	c.lastCounts = counts

	ev := events.ProgressEvent{
		Pending:   counts[scheduler.TaskPending],
		Ready:     counts[scheduler.TaskReady],
		Running:   counts[scheduler.TaskRunning],
		Succeeded: counts[scheduler.TaskSucceeded],
		Failed:    counts[scheduler.TaskFailed],
		Cancelled: counts[scheduler.TaskCancelled],
		Timestamp: now,
	}
	for _, n := range counts {
		ev.Total += n
	}
	c.publish(ev)
}
