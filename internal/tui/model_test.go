package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/agentrt/internal/coordinator"
	"github.com/aristath/agentrt/internal/events"
	"github.com/aristath/agentrt/internal/monitor"
	"github.com/aristath/agentrt/internal/recovery"
	"github.com/aristath/agentrt/internal/scheduler"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func newTestModel(t *testing.T) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	snapshot := func() coordinator.Status {
		return coordinator.Status{
			Agents: []coordinator.AgentStatus{
				{ID: "serp", Capacity: 2, Load: 1, Online: true, Health: monitor.Healthy},
				{ID: "writer", Capacity: 1, Online: false},
			},
			Resources:       map[string]scheduler.Usage{"api_quota": {Capacity: 5, Granted: 3}},
			Breakers:        map[string]recovery.CircuitState{"serp/search": recovery.CircuitOpen},
			Health:          monitor.Summary{HealthScore: 87},
			WaitingForAgent: 2,
		}
	}
	m := New(bus, snapshot)
	return update(t, m, tea.WindowSizeMsg{Width: 160, Height: 40})
}

func TestModel_TaskLifecycle(t *testing.T) {
	m := newTestModel(t)
	now := time.Now()

	m = update(t, m, events.TaskSubmittedEvent{ID: "t1", Operation: "search", Priority: "high", Timestamp: now})
	m = update(t, m, events.TaskStartedEvent{ID: "t1", AgentID: "serp", Operation: "search", Timestamp: now})
	m = update(t, m, events.TaskRetryingEvent{ID: "t1", Attempt: 1, Kind: "rate_limit", Err: "429", Timestamp: now})
	m = update(t, m, events.TaskFinishedEvent{ID: "t1", AgentID: "serp", Status: "SUCCEEDED", Degraded: true, Attempts: 2, Timestamp: now})

	task := m.taskPane.tasks["t1"]
	if task == nil {
		t.Fatal("task t1 not tracked")
	}
	if task.Status != "succeeded" || !task.Degraded || task.AgentID != "serp" {
		t.Errorf("unexpected task state %+v", task)
	}
	if len(task.Log) != 4 {
		t.Fatalf("expected 4 log lines, got %d: %v", len(task.Log), task.Log)
	}
	if !strings.Contains(task.Log[2], "rate_limit") {
		t.Errorf("retry line missing kind: %q", task.Log[2])
	}
	if !strings.Contains(task.Log[3], "[fallback]") {
		t.Errorf("finish line missing fallback marker: %q", task.Log[3])
	}
}

func TestModel_ProgressAndSnapshot(t *testing.T) {
	m := newTestModel(t)

	m = update(t, m, events.ProgressEvent{Total: 2, Running: 1, Succeeded: 1})
	if m.done {
		t.Error("dashboard reports done with a task running")
	}
	m = update(t, m, snapshotMsg(m.snapshot()))
	m = update(t, m, events.CircuitChangedEvent{Operation: "serp/search", From: "CLOSED", To: "OPEN", Timestamp: time.Now()})

	view := m.View()
	for _, want := range []string{"Progress", "api_quota", "3/5", "serp/search", "offline", "health score 87", "2 ready task(s) waiting for an agent", "CLOSED -> OPEN"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	m = update(t, m, events.ProgressEvent{Total: 2, Succeeded: 1, Cancelled: 1})
	if !m.done {
		t.Error("dashboard should report done")
	}
	if !strings.Contains(m.View(), "All tasks finished") {
		t.Error("help bar should announce completion")
	}
}

func TestModel_FocusCycling(t *testing.T) {
	m := newTestModel(t)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneStatus {
		t.Errorf("tab: focused %d, want %d", m.focusedPane, PaneStatus)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneTasks {
		t.Errorf("tab wraps: focused %d, want %d", m.focusedPane, PaneTasks)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneStatus {
		t.Errorf("shift+tab: focused %d, want %d", m.focusedPane, PaneStatus)
	}
}

func TestModel_SelectTask(t *testing.T) {
	m := newTestModel(t)
	for _, id := range []string{"a", "b", "c"} {
		m = update(t, m, events.TaskSubmittedEvent{ID: id, Operation: "write", Priority: "normal"})
	}

	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if got := m.taskPane.getSelectedTaskID(); got != "c" {
		t.Errorf("selected %q, want c", got)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	if got := m.taskPane.getSelectedTaskID(); got != "b" {
		t.Errorf("selected %q, want b", got)
	}
}
