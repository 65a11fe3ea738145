package scheduler

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// DAG holds every known task and the dependency edges between them.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTasks validates a batch and adds it atomically. Dependencies may point at
// tasks already in the DAG or at other tasks of the same batch. On any
// validation failure nothing is added and a *ValidationError is returned.
func (d *DAG) AddTasks(tasks ...*Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	batch := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return Invalid("", "empty task ID")
		}
		if _, exists := d.tasks[task.ID]; exists {
			return Invalid(task.ID, "duplicate task ID")
		}
		if _, exists := batch[task.ID]; exists {
			return Invalid(task.ID, "duplicate task ID in batch")
		}
		batch[task.ID] = task
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if depID == task.ID {
				return Invalid(task.ID, "task depends on itself")
			}
			_, inDAG := d.tasks[depID]
			_, inBatch := batch[depID]
			if !inDAG && !inBatch {
				return Invalid(task.ID, "depends on unknown task %q", depID)
			}
		}
	}

	if err := validateBatchOrder(tasks, batch); err != nil {
		return err
	}

	for _, task := range tasks {
		task.Status = TaskPending
		d.tasks[task.ID] = task
		for _, depID := range task.DependsOn {
			d.dependents[depID] = append(d.dependents[depID], task.ID)
		}
	}
	return nil
}

// validateBatchOrder rejects batches whose internal dependencies form a cycle.
// Edges to tasks already in the DAG cannot close a cycle: existing tasks never
// depend on tasks submitted after them.
func validateBatchOrder(tasks []*Task, batch map[string]*Task) error {
	var edges []toposort.Edge
	for _, task := range tasks {
		internal := false
		for _, depID := range task.DependsOn {
			if _, ok := batch[depID]; ok {
				// Edge (depID, taskID) means depID must come before taskID
				edges = append(edges, toposort.Edge{depID, task.ID})
				internal = true
			}
		}
		if !internal {
			edges = append(edges, toposort.Edge{nil, task.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return Invalid("", "dependency cycle: %v", err)
	}

	count := 0
	for _, id := range sorted {
		if id != nil {
			count++
		}
	}
	if count != len(batch) {
		return Invalid("", "dependency cycle among %d tasks", len(batch)-count)
	}
	return nil
}

// Promote moves every PENDING task whose dependencies all SUCCEEDED to READY
// and returns the promoted tasks.
func (d *DAG) Promote() []*Task {
	d.mu.Lock()
	defer d.mu.Unlock()

	var promoted []*Task
	for _, task := range d.tasks {
		if task.Status != TaskPending {
			continue
		}
		ready := true
		for _, depID := range task.DependsOn {
			dep, ok := d.tasks[depID]
			if !ok || dep.Status != TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			task.Status = TaskReady
			promoted = append(promoted, cloneTask(task))
		}
	}
	return promoted
}

// Ready returns READY tasks in dispatch order: effective priority descending,
// then submission order. effective may be nil, in which case the task's own
// priority is used.
func (d *DAG) Ready(effective func(*Task) Priority) []*Task {
	d.mu.RLock()
	var ready []*Task
	for _, task := range d.tasks {
		if task.Status == TaskReady {
			ready = append(ready, cloneTask(task))
		}
	}
	d.mu.RUnlock()

	prio := func(t *Task) Priority {
		if effective == nil {
			return t.Priority
		}
		return effective(t)
	}
	slices.SortFunc(ready, func(a, b *Task) int {
		if c := cmp.Compare(prio(b), prio(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return ready
}

// MarkRunning moves a READY task to RUNNING.
func (d *DAG) MarkRunning(taskID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskReady {
		return fmt.Errorf("task %q is %s, not READY", taskID, task.Status)
	}

	task.Status = TaskRunning
	task.StartedAt = at
	task.DeniedPasses = 0
	task.AgentWaitPasses = 0
	return nil
}

// Deny records one more scheduling pass in which the task could not be
// dispatched and returns the running count.
func (d *DAG) Deny(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return 0
	}
	task.DeniedPasses++
	return task.DeniedPasses
}

// WaitAgent records one more scheduling pass in which no agent slot was free
// for the task and returns the running count.
func (d *DAG) WaitAgent(taskID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return 0
	}
	task.AgentWaitPasses++
	return task.AgentWaitPasses
}

// Finish moves a task to the terminal status carried by outcome and stores the
// outcome. Terminal tasks never change again.
func (d *DAG) Finish(taskID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("task %q: %s is not a terminal status", taskID, outcome.Status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return fmt.Errorf("%w: %q is %s", ErrAlreadyTerminal, taskID, task.Status)
	}

	task.Status = outcome.Status
	task.FinishedAt = outcome.FinishedAt
	task.Outcome = &outcome
	return nil
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (d *DAG) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.dependents[taskID]...)
}

// Get returns task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns all tasks.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.tasks))
	for _, task := range d.tasks {
		tasks = append(tasks, cloneTask(task))
	}
	return tasks
}

// Counts returns the number of tasks in each status.
func (d *DAG) Counts() map[TaskStatus]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[TaskStatus]int)
	for _, task := range d.tasks {
		counts[task.Status]++
	}
	return counts
}

// Prune removes terminal tasks that finished before cutoff and have no
// non-terminal dependents. Returns the IDs removed.
func (d *DAG) Prune(cutoff time.Time) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	for id, task := range d.tasks {
		if !task.Status.Terminal() || !task.FinishedAt.Before(cutoff) {
			continue
		}
		live := false
		for _, depID := range d.dependents[id] {
			if dep, ok := d.tasks[depID]; ok && !dep.Status.Terminal() {
				live = true
				break
			}
		}
		if !live {
			removed = append(removed, id)
		}
	}

	for _, id := range removed {
		task := d.tasks[id]
		delete(d.tasks, id)
		delete(d.dependents, id)
		for _, depID := range task.DependsOn {
			d.dependents[depID] = slices.DeleteFunc(d.dependents[depID], func(s string) bool { return s == id })
			if len(d.dependents[depID]) == 0 {
				delete(d.dependents, depID)
			}
		}
	}
	slices.Sort(removed)
	return removed
}
