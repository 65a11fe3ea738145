// Package coordinator schedules tasks onto agents. A single scheduling loop
// promotes tasks whose dependencies succeeded, matches ready tasks to agent
// slots and pool resources in priority order, and dispatches them to workers
// that run each task under the recovery engine.
package coordinator

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/agentrt/internal/events"
	"github.com/aristath/agentrt/internal/memory"
	"github.com/aristath/agentrt/internal/monitor"
	"github.com/aristath/agentrt/internal/recovery"
	"github.com/aristath/agentrt/internal/scheduler"
)

// TaskRecorder stores task records durably.
type TaskRecorder interface {
	SaveTask(ctx context.Context, task *scheduler.Task) error
}

// TaskState is the observable state of one task.
type TaskState struct {
	ID              string
	AgentID         string
	Operation       string
	Status          scheduler.TaskStatus
	Priority        scheduler.Priority
	DeniedPasses    int
	AgentWaitPasses int // Passes spent without a free agent slot
	StartedAt       time.Time
	Outcome         *scheduler.Outcome // Set once terminal
}

// Status is a coordination snapshot.
type Status struct {
	Agents          []AgentStatus                    `json:"agents"`
	Tasks           map[string]int                   `json:"tasks"` // By status name
	Resources       map[string]scheduler.Usage       `json:"resources"`
	Breakers        map[string]recovery.CircuitState `json:"breakers"`
	Waiting         int                              `json:"waiting"`           // Running tasks blocked on a resource
	WaitingForAgent int                              `json:"waiting_for_agent"` // Ready tasks the last pass found no agent slot for
	Health          monitor.Summary                  `json:"health"`
}

// tracker carries a task's completion signal. outcome is written once,
// before done is closed.
type tracker struct {
	done    chan struct{}
	outcome scheduler.Outcome
}

// Coordinator owns the task lifecycle.
type Coordinator struct {
	cfg       Config
	dag       *scheduler.DAG
	pool      *scheduler.ResourcePool
	detector  *scheduler.DeadlockDetector
	engine    *recovery.Engine
	memory    *memory.Manager
	monitor   *monitor.Monitor
	bus       *events.EventBus
	recorder  TaskRecorder
	sink      recovery.FailureSink
	workflows *WorkflowManager
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	agents  map[string]*agentEntry
	running map[string]*run
	tracked map[string]*tracker
	waits   map[string]scheduler.Wait // Runtime resource waits by task
	seq     uint64

	agentWaiting int // Ready tasks without an agent slot in the last pass
	stopped      bool

	// passMu makes a task's completion and the release of its claims atomic
	// with respect to promotion and dispatch. Taken before mu.
	passMu sync.Mutex

	// Scheduling loop
	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelCauseFunc
	loopDone chan struct{}
	group    errgroup.Group
	sem      *semaphore.Weighted

	// Loop-owned state
	progress     atomic.Uint64
	lastProgress uint64
	stalled      int
	lastCounts   map[scheduler.TaskStatus]int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMemory records outcomes and applies learned hints.
func WithMemory(m *memory.Manager) Option { return func(c *Coordinator) { c.memory = m } }

// WithMonitor sets the performance monitor. Without one, a private monitor
// with default thresholds is used.
func WithMonitor(m *monitor.Monitor) Option { return func(c *Coordinator) { c.monitor = m } }

// WithEventBus publishes lifecycle events.
func WithEventBus(b *events.EventBus) Option { return func(c *Coordinator) { c.bus = b } }

// WithRecorder stores task records.
func WithRecorder(r TaskRecorder) Option { return func(c *Coordinator) { c.recorder = r } }

// WithFailureSink stores failure events durably.
func WithFailureSink(s recovery.FailureSink) Option { return func(c *Coordinator) { c.sink = s } }

// WithWorkflows enables follow-up tasks for the given workflows.
func WithWorkflows(wfs map[string]Workflow) Option {
	return func(c *Coordinator) { c.workflows = NewWorkflowManager(wfs) }
}

// New creates a Coordinator. Call Start to begin scheduling.
func New(cfg Config, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:      cfg,
		dag:      scheduler.NewDAG(),
		pool:     scheduler.NewResourcePool(cfg.Resources),
		detector: scheduler.NewDeadlockDetector(),
		log:      slog.Default(),
		now:      time.Now,
		agents:   make(map[string]*agentEntry),
		running:  make(map[string]*run),
		tracked:  make(map[string]*tracker),
		waits:    make(map[string]scheduler.Wait),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.monitor == nil {
		c.monitor = monitor.New(monitor.DefaultThresholds(), monitor.WithLogger(c.log))
	}
	if c.workflows == nil {
		c.workflows = NewWorkflowManager(nil)
	}

	engineOpts := []recovery.Option{
		recovery.WithLogger(c.log),
		recovery.WithDefaultTimeout(cfg.DefaultTimeout),
		recovery.WithStateChange(c.circuitChanged),
	}
	if c.sink != nil {
		engineOpts = append(engineOpts, recovery.WithFailureSink(c.sink))
	}
	c.engine = recovery.NewEngine(engineOpts...)
	return c
}

// Engine returns the recovery engine wrapping agent calls.
func (c *Coordinator) Engine() *recovery.Engine { return c.engine }

// Monitor returns the performance monitor.
func (c *Coordinator) Monitor() *monitor.Monitor { return c.monitor }

// Pool returns the resource pool.
func (c *Coordinator) Pool() *scheduler.ResourcePool { return c.pool }

// Start runs the scheduling loop until Stop is called or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancelCause(ctx)
	go c.loop(c.ctx)
	c.log.Info("coordinator started", "pass_interval", c.cfg.PassInterval, "max_workers", c.cfg.MaxWorkers)
	return nil
}

// Stop ends the scheduling loop, cancels running tasks, waits for their
// workers, and cancels every task that never ran. Stop is idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel(ErrShutdown)
		<-c.loopDone
	}
	_ = c.group.Wait()

	// Tasks that never ran
	for _, task := range c.dag.Tasks() {
		if !task.Status.Terminal() {
			_ = c.abort(task.ID, scheduler.ReasonShutdown, ErrShutdown)
		}
	}
	c.log.Info("coordinator stopped")
	return nil
}

// Submit validates and enqueues one task, returning its ID.
func (c *Coordinator) Submit(ctx context.Context, spec TaskSpec) (string, error) {
	ids, err := c.SubmitAll(ctx, []TaskSpec{spec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// SubmitAll validates and enqueues a batch atomically: either every task is
// enqueued or none is. Tasks may depend on tasks submitted earlier or on
// other tasks of the batch.
func (c *Coordinator) SubmitAll(ctx context.Context, specs []TaskSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := c.now()
	tasks := make([]*scheduler.Task, len(specs))
	for i, spec := range specs {
		id := spec.ID
		if id == "" {
			id = uuid.NewString()
		}
		if spec.Operation == "" {
			return nil, scheduler.Invalid(id, "operation is required")
		}
		if spec.Priority != spec.Priority.Clamp() {
			return nil, scheduler.Invalid(id, "unknown priority %d", spec.Priority)
		}
		if spec.Timeout < 0 {
			return nil, scheduler.Invalid(id, "negative timeout %s", spec.Timeout)
		}
		for _, req := range spec.Resources {
			if err := c.pool.Check(req); err != nil {
				return nil, scheduler.Invalid(id, "%v", err)
			}
		}
		tasks[i] = &scheduler.Task{
			ID:        id,
			AgentID:   spec.AgentID,
			Operation: spec.Operation,
			Input:     spec.Input,
			Priority:  spec.Priority,
			DependsOn: slices.Clone(spec.DependsOn),
			Resources: slices.Clone(spec.Resources),
			Timeout:   spec.Timeout,
			Workflow:  spec.Workflow,
			CreatedAt: now,
		}
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	for _, task := range tasks {
		if err := c.validateTarget(task); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	for i, task := range tasks {
		task.Seq = c.seq + uint64(i) + 1
	}
	if err := c.dag.AddTasks(tasks...); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.seq += uint64(len(tasks))
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
		c.tracked[task.ID] = &tracker{done: make(chan struct{})}
	}
	c.mu.Unlock()

	for _, task := range tasks {
		c.log.Debug("task submitted", "task_id", task.ID, "operation", task.Operation, "priority", task.Priority)
		c.publish(events.TaskSubmittedEvent{
			ID:        task.ID,
			AgentID:   task.AgentID,
			Operation: task.Operation,
			Priority:  task.Priority.String(),
			DependsOn: task.DependsOn,
			Timestamp: now,
		})
		c.record(task)
	}

	// A dependency submitted earlier may already have failed
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if dep, ok := c.dag.Get(depID); ok && dep.Status.Terminal() && dep.Status != scheduler.TaskSucceeded {
				_ = c.abort(task.ID, scheduler.ReasonDependencyFailed, fmt.Errorf("%w: %s is %s", ErrDependencyFailed, depID, dep.Status))
				break
			}
		}
	}

	c.wakeup()
	return ids, nil
}

// Cancel cancels a task. Pending and ready tasks are cancelled immediately;
// a running task's agent call is cancelled and the task finishes once its
// worker observes it.
func (c *Coordinator) Cancel(taskID string) error {
	return c.abort(taskID, scheduler.ReasonCancelled, ErrCancelled)
}

// Status returns the state of one task.
func (c *Coordinator) Status(taskID string) (TaskState, error) {
	task, ok := c.dag.Get(taskID)
	if !ok {
		return TaskState{}, fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, taskID)
	}
	return TaskState{
		ID:              task.ID,
		AgentID:         task.AgentID,
		Operation:       task.Operation,
		Status:          task.Status,
		Priority:        task.Priority,
		DeniedPasses:    task.DeniedPasses,
		AgentWaitPasses: task.AgentWaitPasses,
		StartedAt:       task.StartedAt,
		Outcome:         task.Outcome,
	}, nil
}

// Wait blocks until the task is terminal and returns its outcome.
func (c *Coordinator) Wait(ctx context.Context, taskID string) (scheduler.Outcome, error) {
	c.mu.Lock()
	tr, ok := c.tracked[taskID]
	c.mu.Unlock()
	if !ok {
		return scheduler.Outcome{}, fmt.Errorf("%w: %q", scheduler.ErrTaskNotFound, taskID)
	}

	select {
	case <-tr.done:
		return tr.outcome, nil
	case <-ctx.Done():
		return scheduler.Outcome{}, ctx.Err()
	}
}

// WaitAll waits for every task and returns the outcomes in the same order.
func (c *Coordinator) WaitAll(ctx context.Context, taskIDs []string) ([]scheduler.Outcome, error) {
	out := make([]scheduler.Outcome, len(taskIDs))
	for i, id := range taskIDs {
		o, err := c.Wait(ctx, id)
		if err != nil {
			return out[:i], err
		}
		out[i] = o
	}
	return out, nil
}

// Tasks returns copies of all tasks the coordinator still tracks, in
// submission order.
func (c *Coordinator) Tasks() []*scheduler.Task {
	tasks := c.dag.Tasks()
	slices.SortFunc(tasks, func(a, b *scheduler.Task) int { return cmp.Compare(a.Seq, b.Seq) })
	return tasks
}

// Snapshot returns the current coordination status.
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	waiting := len(c.waits)
	agentWaiting := c.agentWaiting
	c.mu.Unlock()

	return Status{
		Agents:          c.Agents(),
		Tasks:           statusCounts(c.dag.Counts()),
		Resources:       c.pool.Usage(),
		Breakers:        c.engine.Breakers().States(),
		Waiting:         waiting,
		WaitingForAgent: agentWaiting,
		Health:          c.monitor.SystemSummary(),
	}
}

func (c *Coordinator) wakeup() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Coordinator) record(task *scheduler.Task) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.recorder.SaveTask(ctx, task); err != nil {
		c.log.Error("failed to save task record", "task_id", task.ID, "error", err)
	}
}

// circuitChanged runs under the breaker's lock.
func (c *Coordinator) circuitChanged(operation string, from, to recovery.CircuitState) {
	c.publish(events.CircuitChangedEvent{
		Operation: operation,
		From:      from.String(),
		To:        to.String(),
		Timestamp: c.now(),
	})
	if m := c.monitor.Metrics(); m != nil {
		m.SetCircuitState(operation, int(to))
	}
}

func statusCounts(counts map[scheduler.TaskStatus]int) map[string]int {
	out := make(map[string]int, len(counts))
	for _, status := range slices.Sorted(maps.Keys(counts)) {
		out[status.String()] = counts[status]
	}
	return out
}
