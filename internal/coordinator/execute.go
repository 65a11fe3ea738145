package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/agentrt/internal/agent"
	"github.com/aristath/agentrt/internal/events"
	"github.com/aristath/agentrt/internal/memory"
	"github.com/aristath/agentrt/internal/monitor"
	"github.com/aristath/agentrt/internal/recovery"
	"github.com/aristath/agentrt/internal/scheduler"
)

// run is a dispatched task. claims are the reservations made at dispatch
// and live until the task is terminal; extra are claims the agent acquired
// during the current attempt. Both are guarded by Coordinator.mu.
type run struct {
	task   *scheduler.Task
	entry  *agentEntry
	cancel context.CancelCauseFunc
	claims []*scheduler.Claim
	extra  []*scheduler.Claim
}

// dispatch marks the task RUNNING and hands it to a worker. It returns false
// when the task is no longer ready, e.g. cancelled since Ready was read.
func (c *Coordinator) dispatch(ctx context.Context, task *scheduler.Task, entry *agentEntry, claims []*scheduler.Claim, now time.Time) bool {
	runCtx, cancel := context.WithCancelCause(ctx)
	r := &run{task: task, entry: entry, cancel: cancel, claims: claims}

	c.mu.Lock()
	if err := c.dag.MarkRunning(task.ID, now); err != nil {
		c.mu.Unlock()
		cancel(nil)
		c.log.Debug("task not dispatched", "task_id", task.ID, "error", err)
		return false
	}
	c.running[task.ID] = r
	c.mu.Unlock()

	task.Status = scheduler.TaskRunning
	task.StartedAt = now
	c.progress.Add(1)
	c.log.Info("task dispatched", "task_id", task.ID, "agent_id", entry.desc.ID, "operation", task.Operation)
	c.publish(events.TaskStartedEvent{
		ID:        task.ID,
		AgentID:   entry.desc.ID,
		Operation: task.Operation,
		Timestamp: now,
	})

	c.group.Go(func() error {
		defer c.sem.Release(1)
		c.record(task)
		c.execute(runCtx, r)
		return nil
	})
	return true
}

// execute runs the task under the recovery engine and finalizes it.
func (c *Coordinator) execute(ctx context.Context, r *run) {
	task := r.task
	agentID := r.entry.desc.ID

	retry := c.cfg.Retry
	if h, ok := c.hint(agentID, task.Operation); ok && h.SuggestedMaxAttempts > 0 {
		retry.MaxAttempts = h.SuggestedMaxAttempts
	}
	req := recovery.Request{
		Operation: agentID + "/" + task.Operation,
		TaskID:    task.ID,
		Retry:     retry,
		Breaker:   c.cfg.Breaker,
		Timeout:   task.Timeout,
	}

	call := func(actx context.Context, attempt int) (agent.Result, error) {
		res, err := r.entry.impl.Invoke(actx, c.input(task, agentID, attempt))
		c.releaseExtra(task.ID)
		if err != nil && ctx.Err() == nil {
			class := agent.Classify(err)
			c.publish(events.TaskRetryingEvent{
				ID:        task.ID,
				Attempt:   attempt,
				Kind:      string(class.Kind),
				Err:       err.Error(),
				Timestamp: c.now(),
			})
			if m := c.monitor.Metrics(); m != nil {
				m.AttemptFailed(req.Operation, string(class.Kind))
			}
		}
		return res, err
	}

	var fallback recovery.Fallback[agent.Result]
	if fp, ok := r.entry.impl.(agent.FallbackProvider); ok {
		fallback = func(fctx context.Context, cause error) (agent.Result, error) {
			return fp.Fallback(fctx, c.input(task, agentID, 0), cause)
		}
	}

	res, err := recovery.Execute(ctx, c.engine, req, call, fallback)

	finished := c.now()
	o := scheduler.Outcome{
		TaskID:     task.ID,
		AgentID:    agentID,
		Operation:  task.Operation,
		Attempts:   res.Attempts,
		Duration:   finished.Sub(task.StartedAt),
		Context:    outcomeContext(task),
		FinishedAt: finished,
	}
	switch {
	case err == nil:
		o.Status = scheduler.TaskSucceeded
		o.Success = true
		o.Degraded = res.Degraded
		o.Output = res.Value.Output
		o.Quality = min(max(res.Value.Quality, 0), 1)
		o.Cost = res.Value.Cost
	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		o.Status = scheduler.TaskCancelled
		o.Reason = cancelReason(cause)
		o.Error = cause.Error()
	case errors.Is(err, recovery.ErrCircuitOpen):
		o.Status = scheduler.TaskFailed
		o.Reason = scheduler.ReasonCircuitOpen
		o.Error = err.Error()
	default:
		o.Status = scheduler.TaskFailed
		o.Reason = scheduler.ReasonExecutionFailed
		o.ErrorKind = string(agent.Classify(err).Kind)
		o.Error = err.Error()
	}

	c.finishRun(r, o)
}

func (c *Coordinator) input(task *scheduler.Task, agentID string, attempt int) agent.Input {
	in := agent.Input{
		TaskID:    task.ID,
		Operation: task.Operation,
		Payload:   task.Input,
		Attempt:   attempt,
		Resources: acquirer{c: c, taskID: task.ID},
	}
	if c.memory != nil {
		in.Memory = c.memory.TaskMemory(task.ID)
		in.Shared = c.memory.SharedFor(agentID)
	}
	return in
}

func outcomeContext(task *scheduler.Task) map[string]string {
	m := map[string]string{"priority": task.Priority.String()}
	if task.Workflow != "" {
		m["workflow"] = task.Workflow
	}
	return m
}

func cancelReason(cause error) scheduler.Reason {
	switch {
	case errors.Is(cause, ErrDeadlockBroken):
		return scheduler.ReasonDeadlockBroken
	case errors.Is(cause, ErrCancelled):
		return scheduler.ReasonCancelled
	default:
		return scheduler.ReasonShutdown
	}
}

// acquirer lets a running agent claim more resources. It waits cooperatively:
// every release in the pool, every pass interval, or cancellation ends a wait.
type acquirer struct {
	c      *Coordinator
	taskID string
}

func (a acquirer) Acquire(ctx context.Context, resource string, amount int64) error {
	c := a.c
	defer c.clearWait(a.taskID)

	for {
		changed := c.pool.Changed()
		claim, err := c.pool.Reserve(resource, amount, a.taskID)
		if err == nil {
			if ctx.Err() != nil {
				_ = c.pool.Release(claim)
				return ctx.Err()
			}
			c.addExtra(a.taskID, claim)
			c.progress.Add(1)
			return nil
		}
		if !errors.Is(err, scheduler.ErrResourceDenied) {
			return agent.Permanent(agent.KindValidation, err)
		}

		c.setWait(scheduler.Wait{TaskID: a.taskID, Resource: resource, Amount: amount})
		timer := time.NewTimer(c.cfg.PassInterval)
		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

func (c *Coordinator) setWait(w scheduler.Wait) {
	c.mu.Lock()
	c.waits[w.TaskID] = w
	c.mu.Unlock()
}

func (c *Coordinator) clearWait(taskID string) {
	c.mu.Lock()
	delete(c.waits, taskID)
	c.mu.Unlock()
}

func (c *Coordinator) addExtra(taskID string, claim *scheduler.Claim) {
	c.mu.Lock()
	r, ok := c.running[taskID]
	if ok {
		r.extra = append(r.extra, claim)
	}
	c.mu.Unlock()

	// The task finished while the claim was granted
	if !ok {
		_ = c.pool.Release(claim)
	}
}

func (c *Coordinator) releaseExtra(taskID string) {
	c.mu.Lock()
	var extra []*scheduler.Claim
	if r, ok := c.running[taskID]; ok {
		extra, r.extra = r.extra, nil
	}
	c.mu.Unlock()

	if err := c.pool.ReleaseAll(extra); err != nil {
		c.log.Error("failed to release claims", "task_id", taskID, "error", err)
	}
}

// finishRun commits a worker's outcome and releases what the run held.
func (c *Coordinator) finishRun(r *run, o scheduler.Outcome) {
	id := r.task.ID

	c.passMu.Lock()
	c.mu.Lock()
	delete(c.running, id)
	delete(c.waits, id)
	r.entry.load--
	claims := append(r.claims, r.extra...)
	r.claims, r.extra = nil, nil
	err := c.dag.Finish(id, o)
	c.mu.Unlock()

	r.cancel(nil)
	if rerr := c.pool.ReleaseAll(claims); rerr != nil {
		c.log.Error("failed to release claims", "task_id", id, "error", rerr)
	}
	c.passMu.Unlock()
	if err != nil {
		c.log.Error("failed to finish task", "task_id", id, "error", err)
		return
	}
	c.afterFinish(r.task, o)
}

// abort ends a task that is not finished. Running tasks are cancelled with
// cause and finish through their worker; others finish here. Resource
// denials and missing agents fail the task, every other reason cancels it.
func (c *Coordinator) abort(taskID string, reason scheduler.Reason, cause error) error {
	c.mu.Lock()
	if r, ok := c.running[taskID]; ok {
		c.mu.Unlock()
		r.cancel(cause)
		return nil
	}

	task, ok := c.dag.Get(taskID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q is %s", scheduler.ErrAlreadyTerminal, taskID, task.Status)
	}

	o := scheduler.Outcome{
		TaskID:     task.ID,
		AgentID:    task.AgentID,
		Operation:  task.Operation,
		Status:     scheduler.TaskCancelled,
		Reason:     reason,
		Error:      cause.Error(),
		Context:    outcomeContext(task),
		FinishedAt: c.now(),
	}
	if reason == scheduler.ReasonResourceDenied || reason == scheduler.ReasonNoAgent {
		o.Status = scheduler.TaskFailed
	}
	err := c.dag.Finish(taskID, o)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.afterFinish(task, o)
	return nil
}

// afterFinish runs once per task after its terminal status is committed:
// the outcome reaches memory and the monitor and workflow follow-ups are
// submitted before the completion signal fires, then dependents of a task
// that did not succeed are cancelled.
func (c *Coordinator) afterFinish(task *scheduler.Task, o scheduler.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logArgs := []any{"task_id", o.TaskID, "agent_id", o.AgentID, "status", o.Status, "attempts", o.Attempts, "duration", o.Duration}
	switch {
	case o.Success:
		c.log.Info("task succeeded", append(logArgs, "degraded", o.Degraded)...)
	case o.Status == scheduler.TaskFailed:
		c.log.Warn("task failed", append(logArgs, "reason", o.Reason, "error", o.Error)...)
	default:
		c.log.Info("task cancelled", append(logArgs, "reason", o.Reason)...)
	}

	if c.memory != nil {
		if err := c.memory.RecordOutcome(ctx, o); err != nil {
			c.log.Error("failed to record outcome", "task_id", o.TaskID, "error", err)
		}
	}
	// Only attempts that reached the agent say something about it
	if o.Attempts > 0 && o.Status != scheduler.TaskCancelled {
		c.monitor.RecordExecution(monitor.Execution{
			AgentID: o.AgentID,
			TaskID:  o.TaskID,
			Start:   task.StartedAt,
			End:     o.FinishedAt,
			Success: o.Success,
			Cost:    o.Cost,
			Quality: o.Quality,
		})
	}

	final := *task
	final.Status = o.Status
	final.FinishedAt = o.FinishedAt
	final.Outcome = &o
	c.record(&final)

	// Follow-ups are enqueued before the completion signal so that a waiter
	// never observes an idle coordinator between two workflow steps
	if o.Success {
		c.submitFollowUps(&final)
	}

	c.mu.Lock()
	tr := c.tracked[o.TaskID]
	c.mu.Unlock()
	if tr != nil {
		tr.outcome = o
		close(tr.done)
	}

	c.publish(events.TaskFinishedEvent{
		ID:        o.TaskID,
		AgentID:   o.AgentID,
		Status:    o.Status.String(),
		Reason:    string(o.Reason),
		Err:       o.Error,
		Degraded:  o.Degraded,
		Attempts:  o.Attempts,
		Duration:  o.Duration,
		Timestamp: o.FinishedAt,
	})
	c.progress.Add(1)

	if !o.Success {
		c.cancelDependents(o.TaskID)
	}
	c.wakeup()
}

// cancelDependents cancels every task that depends, directly or through
// other tasks, on a task that did not succeed.
func (c *Coordinator) cancelDependents(taskID string) {
	for _, depID := range c.dag.Dependents(taskID) {
		err := c.abort(depID, scheduler.ReasonDependencyFailed, fmt.Errorf("%w: %s", ErrDependencyFailed, taskID))
		if err != nil && !errors.Is(err, scheduler.ErrAlreadyTerminal) {
			c.log.Error("failed to cancel dependent", "task_id", depID, "dependency", taskID, "error", err)
		}
	}
}

func (c *Coordinator) submitFollowUps(task *scheduler.Task) {
	specs := c.workflows.FollowUps(task)
	if len(specs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.SubmitAll(ctx, specs); err != nil {
		if !errors.Is(err, ErrStopped) {
			c.log.Error("failed to submit workflow follow-ups", "task_id", task.ID, "workflow", task.Workflow, "error", err)
		}
		return
	}
	c.log.Debug("workflow follow-ups submitted", "task_id", task.ID, "workflow", task.Workflow, "count", len(specs))
}

func (c *Coordinator) hint(agentID, operation string) (memory.Hint, bool) {
	if c.memory == nil {
		return memory.Hint{}, false
	}
	return c.memory.Hint(agentID, operation)
}
