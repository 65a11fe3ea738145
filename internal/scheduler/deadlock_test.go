package scheduler

import (
	"fmt"
	"testing"
	"time"
)

func TestDeadlockDetector_TwoTaskCycle(t *testing.T) {
	base := time.Now()
	tasks := []*Task{
		{ID: "a", Status: TaskRunning, Priority: PriorityNormal, CreatedAt: base, Seq: 1},
		{ID: "b", Status: TaskRunning, Priority: PriorityNormal, CreatedAt: base.Add(time.Millisecond), Seq: 2},
	}
	snap := WaitSnapshot{
		Tasks:    tasks,
		Holdings: map[string][]string{"r1": {"a"}, "r2": {"b"}},
		Waits: []Wait{
			{TaskID: "a", Resource: "r2", Amount: 1},
			{TaskID: "b", Resource: "r1", Amount: 1},
		},
	}

	d := NewDeadlockDetector()
	cycles := d.Cycles(snap)
	if len(cycles) != 1 || fmt.Sprint(cycles[0]) != "[a b]" {
		t.Fatalf("Cycles() = %v, want [[a b]]", cycles)
	}

	victims := d.Resolve(snap)
	if len(victims) != 1 {
		t.Fatalf("Resolve() = %v, want exactly one victim", victims)
	}
	if victims[0] != "b" {
		t.Errorf("victim = %s, want b (most recently created)", victims[0])
	}
}

func TestDeadlockDetector_VictimSelection(t *testing.T) {
	base := time.Now()
	tests := []struct {
		name  string
		tasks []*Task
		want  string
	}{
		{
			name: "lowest priority loses",
			tasks: []*Task{
				{ID: "a", Priority: PriorityLow, CreatedAt: base, Seq: 1},
				{ID: "b", Priority: PriorityHigh, CreatedAt: base.Add(time.Second), Seq: 2},
			},
			want: "a",
		},
		{
			name: "same priority, newest loses",
			tasks: []*Task{
				{ID: "a", Priority: PriorityHigh, CreatedAt: base.Add(time.Second), Seq: 2},
				{ID: "b", Priority: PriorityHigh, CreatedAt: base, Seq: 1},
			},
			want: "a",
		},
		{
			name: "same timestamp falls back to sequence",
			tasks: []*Task{
				{ID: "a", Priority: PriorityNormal, CreatedAt: base, Seq: 7},
				{ID: "b", Priority: PriorityNormal, CreatedAt: base, Seq: 3},
			},
			want: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, task := range tt.tasks {
				task.Status = TaskRunning
			}
			snap := WaitSnapshot{
				Tasks:    tt.tasks,
				Holdings: map[string][]string{"r1": {"a"}, "r2": {"b"}},
				Waits:    []Wait{{TaskID: "a", Resource: "r2"}, {TaskID: "b", Resource: "r1"}},
			}
			victims := NewDeadlockDetector().Resolve(snap)
			if len(victims) != 1 || victims[0] != tt.want {
				t.Errorf("Resolve() = %v, want [%s]", victims, tt.want)
			}
		})
	}
}

func TestDeadlockDetector_NoCycle(t *testing.T) {
	snap := WaitSnapshot{
		Tasks: []*Task{
			{ID: "a", Status: TaskRunning},
			{ID: "b", Status: TaskRunning},
			{ID: "c", Status: TaskReady},
		},
		Holdings: map[string][]string{"r1": {"a"}},
		// b and c wait on a, but a waits on nothing
		Waits: []Wait{{TaskID: "b", Resource: "r1"}, {TaskID: "c", Resource: "r1"}},
	}

	d := NewDeadlockDetector()
	if cycles := d.Cycles(snap); len(cycles) != 0 {
		t.Errorf("Cycles() = %v, want none", cycles)
	}
	if victims := d.Resolve(snap); len(victims) != 0 {
		t.Errorf("Resolve() = %v, want none", victims)
	}
}

func TestDeadlockDetector_TransitiveCycle(t *testing.T) {
	snap := WaitSnapshot{
		Tasks: []*Task{
			{ID: "a", Status: TaskRunning, Priority: PriorityHigh, Seq: 1},
			{ID: "b", Status: TaskRunning, Priority: PriorityLow, Seq: 2},
			{ID: "c", Status: TaskRunning, Priority: PriorityNormal, Seq: 3},
		},
		Holdings: map[string][]string{"r1": {"a"}, "r2": {"b"}, "r3": {"c"}},
		Waits: []Wait{
			{TaskID: "a", Resource: "r2"},
			{TaskID: "b", Resource: "r3"},
			{TaskID: "c", Resource: "r1"},
		},
	}

	victims := NewDeadlockDetector().Resolve(snap)
	if len(victims) != 1 || victims[0] != "b" {
		t.Errorf("Resolve() = %v, want [b]", victims)
	}
}

func TestDeadlockDetector_DependencyEdge(t *testing.T) {
	// p is PENDING on r, and r waits for a resource p holds from an earlier grant
	snap := WaitSnapshot{
		Tasks: []*Task{
			{ID: "p", Status: TaskPending, DependsOn: []string{"r"}, Priority: PriorityNormal, Seq: 2},
			{ID: "r", Status: TaskRunning, Priority: PriorityHigh, Seq: 1},
		},
		Holdings: map[string][]string{"lock": {"p"}},
		Waits:    []Wait{{TaskID: "r", Resource: "lock"}},
	}

	victims := NewDeadlockDetector().Resolve(snap)
	if len(victims) != 1 || victims[0] != "p" {
		t.Errorf("Resolve() = %v, want [p]", victims)
	}
}

func TestDeadlockDetector_IndependentCycles(t *testing.T) {
	snap := WaitSnapshot{
		Tasks: []*Task{
			{ID: "a", Status: TaskRunning, Seq: 1},
			{ID: "b", Status: TaskRunning, Seq: 2},
			{ID: "x", Status: TaskRunning, Seq: 3},
			{ID: "y", Status: TaskRunning, Seq: 4},
		},
		Holdings: map[string][]string{"r1": {"a"}, "r2": {"b"}, "r3": {"x"}, "r4": {"y"}},
		Waits: []Wait{
			{TaskID: "a", Resource: "r2"}, {TaskID: "b", Resource: "r1"},
			{TaskID: "x", Resource: "r4"}, {TaskID: "y", Resource: "r3"},
		},
	}

	victims := NewDeadlockDetector().Resolve(snap)
	if fmt.Sprint(victims) != "[b y]" {
		t.Errorf("Resolve() = %v, want [b y]", victims)
	}
}
