package scheduler

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func succeed(t *testing.T, dag *DAG, id string) {
	t.Helper()
	if err := dag.Finish(id, Outcome{TaskID: id, Status: TaskSucceeded, Success: true, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("Finish(%q) error = %v", id, err)
	}
}

// TestDAGAddTasks tests submission-time validation with various graph structures.
func TestDAGAddTasks(t *testing.T) {
	tests := []struct {
		name        string
		existing    []*Task
		batch       []*Task
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			batch: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
		},
		{
			name: "valid parallel tasks",
			batch: []*Task{
				{ID: "A"},
				{ID: "B"},
				{ID: "C", DependsOn: []string{"A", "B"}},
			},
		},
		{
			name:     "dependency on previously submitted task",
			existing: []*Task{{ID: "A"}},
			batch:    []*Task{{ID: "B", DependsOn: []string{"A"}}},
		},
		{
			name: "direct cycle",
			batch: []*Task{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			batch: []*Task{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"C"}},
				{ID: "C", DependsOn: []string{"A"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "self-loop",
			batch:       []*Task{{ID: "A", DependsOn: []string{"A"}}},
			wantErr:     true,
			errContains: "itself",
		},
		{
			name:        "missing dependency",
			batch:       []*Task{{ID: "A", DependsOn: []string{"ghost"}}},
			wantErr:     true,
			errContains: "unknown task",
		},
		{
			name:        "duplicate of existing task",
			existing:    []*Task{{ID: "A"}},
			batch:       []*Task{{ID: "A"}},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name:        "duplicate within batch",
			batch:       []*Task{{ID: "A"}, {ID: "A"}},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name:        "empty ID",
			batch:       []*Task{{ID: ""}},
			wantErr:     true,
			errContains: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := NewDAG()
			if len(tt.existing) > 0 {
				if err := dag.AddTasks(tt.existing...); err != nil {
					t.Fatalf("setup AddTasks() error = %v", err)
				}
			}

			err := dag.AddTasks(tt.batch...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AddTasks() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("AddTasks() error = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("AddTasks() error = %q, want to contain %q", err.Error(), tt.errContains)
			}
			if got := len(dag.Tasks()); got != len(tt.existing) {
				t.Errorf("rejected batch left %d tasks in DAG, want %d", got, len(tt.existing))
			}
		})
	}
}

func TestDAGPromote(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTasks(
		&Task{ID: "A"},
		&Task{ID: "B"},
		&Task{ID: "C", DependsOn: []string{"A", "B"}},
	); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}

	promoted := dag.Promote()
	if len(promoted) != 2 {
		t.Fatalf("Promote() returned %d tasks, want 2", len(promoted))
	}

	// Partial completion must not promote C
	if err := dag.MarkRunning("A", time.Now()); err != nil {
		t.Fatalf("MarkRunning(A) error = %v", err)
	}
	succeed(t, dag, "A")
	if got := dag.Promote(); len(got) != 0 {
		t.Errorf("Promote() after partial completion returned %v, want none", got)
	}

	if err := dag.MarkRunning("B", time.Now()); err != nil {
		t.Fatalf("MarkRunning(B) error = %v", err)
	}
	succeed(t, dag, "B")
	got := dag.Promote()
	if len(got) != 1 || got[0].ID != "C" {
		t.Fatalf("Promote() = %v, want [C]", got)
	}
}

func TestDAGFailedDependencyNeverPromotes(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTasks(&Task{ID: "A"}, &Task{ID: "B", DependsOn: []string{"A"}}); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}
	dag.Promote()
	if err := dag.MarkRunning("A", time.Now()); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	if err := dag.Finish("A", Outcome{TaskID: "A", Status: TaskFailed, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	if got := dag.Promote(); len(got) != 0 {
		t.Errorf("Promote() = %v, want none after failed dependency", got)
	}
	if deps := dag.Dependents("A"); len(deps) != 1 || deps[0] != "B" {
		t.Errorf("Dependents(A) = %v, want [B]", deps)
	}
}

func TestDAGReadyOrdering(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTasks(
		&Task{ID: "low", Priority: PriorityLow, Seq: 1},
		&Task{ID: "high-late", Priority: PriorityHigh, Seq: 4},
		&Task{ID: "normal", Priority: PriorityNormal, Seq: 2},
		&Task{ID: "high-early", Priority: PriorityHigh, Seq: 3},
		&Task{ID: "emergency", Priority: PriorityEmergency, Seq: 5},
	); err != nil {
		t.Fatalf("AddTasks() error = %v", err)
	}
	dag.Promote()

	want := []string{"emergency", "high-early", "high-late", "normal", "low"}
	got := dag.Ready(nil)
	if len(got) != len(want) {
		t.Fatalf("Ready() returned %d tasks, want %d", len(got), len(want))
	}
	for i, task := range got {
		if task.ID != want[i] {
			t.Errorf("Ready()[%d] = %s, want %s", i, task.ID, want[i])
		}
	}

	// An effective-priority hook can lift a task over its band
	bumped := dag.Ready(func(t *Task) Priority {
		if t.ID == "low" {
			return PriorityEmergency
		}
		return t.Priority
	})
	if bumped[0].ID != "low" {
		t.Errorf("Ready(bump)[0] = %s, want low (seq 1 wins within emergency band)", bumped[0].ID)
	}
}

func TestDAGTransitions(t *testing.T) {
	t.Run("MarkRunning requires READY", func(t *testing.T) {
		dag := NewDAG()
		dag.AddTasks(&Task{ID: "A"})

		if err := dag.MarkRunning("A", time.Now()); err == nil {
			t.Error("MarkRunning() on PENDING task succeeded, want error")
		}
		dag.Promote()
		if err := dag.MarkRunning("A", time.Now()); err != nil {
			t.Errorf("MarkRunning() error = %v, want nil", err)
		}
	})

	t.Run("terminal status never changes", func(t *testing.T) {
		dag := NewDAG()
		dag.AddTasks(&Task{ID: "A"})
		dag.Promote()
		dag.MarkRunning("A", time.Now())
		succeed(t, dag, "A")

		err := dag.Finish("A", Outcome{TaskID: "A", Status: TaskFailed})
		if !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("second Finish() error = %v, want ErrAlreadyTerminal", err)
		}
		task, _ := dag.Get("A")
		if task.Status != TaskSucceeded {
			t.Errorf("status = %v, want SUCCEEDED", task.Status)
		}
		if task.Outcome == nil || !task.Outcome.Success {
			t.Errorf("outcome = %+v, want successful outcome", task.Outcome)
		}
	})

	t.Run("Finish rejects non-terminal status", func(t *testing.T) {
		dag := NewDAG()
		dag.AddTasks(&Task{ID: "A"})
		if err := dag.Finish("A", Outcome{Status: TaskRunning}); err == nil {
			t.Error("Finish(RUNNING) succeeded, want error")
		}
	})

	t.Run("unknown task", func(t *testing.T) {
		dag := NewDAG()
		if err := dag.MarkRunning("nonexistent", time.Now()); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("MarkRunning() error = %v, want ErrTaskNotFound", err)
		}
	})

	t.Run("Deny counts passes and MarkRunning resets", func(t *testing.T) {
		dag := NewDAG()
		dag.AddTasks(&Task{ID: "A"})
		dag.Promote()
		dag.Deny("A")
		if n := dag.Deny("A"); n != 2 {
			t.Errorf("Deny() = %d, want 2", n)
		}
		dag.MarkRunning("A", time.Now())
		task, _ := dag.Get("A")
		if task.DeniedPasses != 0 {
			t.Errorf("DeniedPasses = %d after dispatch, want 0", task.DeniedPasses)
		}
	})

	t.Run("WaitAgent counts passes and MarkRunning resets", func(t *testing.T) {
		dag := NewDAG()
		dag.AddTasks(&Task{ID: "A"})
		dag.Promote()
		dag.WaitAgent("A")
		dag.WaitAgent("A")
		if n := dag.WaitAgent("A"); n != 3 {
			t.Errorf("WaitAgent() = %d, want 3", n)
		}
		if n := dag.WaitAgent("ghost"); n != 0 {
			t.Errorf("WaitAgent(unknown) = %d, want 0", n)
		}
		dag.MarkRunning("A", time.Now())
		task, _ := dag.Get("A")
		if task.AgentWaitPasses != 0 {
			t.Errorf("AgentWaitPasses = %d after dispatch, want 0", task.AgentWaitPasses)
		}
	})
}

func TestDAGGetReturnsCopy(t *testing.T) {
	dag := NewDAG()
	dag.AddTasks(&Task{ID: "A", DependsOn: nil, Resources: []ResourceRequest{{Resource: "api", Amount: 1}}})

	task, _ := dag.Get("A")
	task.Status = TaskSucceeded
	task.Resources[0].Amount = 99

	again, _ := dag.Get("A")
	if again.Status != TaskPending {
		t.Errorf("mutating copy changed status to %v", again.Status)
	}
	if again.Resources[0].Amount != 1 {
		t.Errorf("mutating copy changed resources to %v", again.Resources)
	}
}

func TestDAGPrune(t *testing.T) {
	dag := NewDAG()
	dag.AddTasks(&Task{ID: "A"}, &Task{ID: "B", DependsOn: []string{"A"}}, &Task{ID: "C"})
	dag.Promote()
	dag.MarkRunning("A", time.Now())
	dag.MarkRunning("C", time.Now())

	old := time.Now().Add(-time.Hour)
	dag.Finish("A", Outcome{TaskID: "A", Status: TaskSucceeded, FinishedAt: old})
	dag.Finish("C", Outcome{TaskID: "C", Status: TaskSucceeded, FinishedAt: old})

	// A still has a live dependent, C does not
	if removed := dag.Prune(time.Now()); len(removed) != 1 || removed[0] != "C" {
		t.Fatalf("Prune() = %v, want [C]", removed)
	}
	if _, ok := dag.Get("C"); ok {
		t.Error("C still present after Prune")
	}
	if _, ok := dag.Get("A"); !ok {
		t.Error("A pruned while B depends on it")
	}

	counts := dag.Counts()
	if counts[TaskSucceeded] != 1 || counts[TaskPending]+counts[TaskReady] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"", PriorityNormal, false},
		{"low", PriorityLow, false},
		{"HIGH", PriorityHigh, false},
		{"Emergency", PriorityEmergency, false},
		{"urgent", PriorityNormal, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePriority(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
