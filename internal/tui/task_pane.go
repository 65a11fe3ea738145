package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentrt/internal/events"
)

// TaskState is the dashboard's view of one task, built from events.
type TaskState struct {
	TaskID    string
	AgentID   string
	Operation string
	Status    string // "pending", "running", "succeeded", "failed", "cancelled"
	Degraded  bool
	Log       []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel is the task list and the selected task's event log.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // submission order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

const taskListWidth = 28

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskSubmittedEvent:
		t := m.ensure(msg.ID)
		t.AgentID = msg.AgentID
		t.Operation = msg.Operation
		line := fmt.Sprintf("%s submitted %s (priority %s)", stamp(msg.Timestamp), msg.Operation, msg.Priority)
		if len(msg.DependsOn) > 0 {
			line += fmt.Sprintf(" after %s", strings.Join(msg.DependsOn, ", "))
		}
		cmd = m.appendLog(msg.ID, line)

	case events.TaskStartedEvent:
		t := m.ensure(msg.ID)
		t.Status = "running"
		t.AgentID = msg.AgentID
		t.Operation = msg.Operation
		t.StartTime = msg.Timestamp
		cmd = m.appendLog(msg.ID, fmt.Sprintf("%s started on %s", stamp(msg.Timestamp), msg.AgentID))

	case events.TaskRetryingEvent:
		cmd = m.appendLog(msg.ID, fmt.Sprintf("%s attempt %d failed (%s): %s", stamp(msg.Timestamp), msg.Attempt, msg.Kind, msg.Err))

	case events.TaskFinishedEvent:
		t := m.ensure(msg.ID)
		t.Status = strings.ToLower(msg.Status)
		t.Degraded = msg.Degraded
		t.Duration = msg.Duration
		line := fmt.Sprintf("%s %s after %d attempt(s) in %v", stamp(msg.Timestamp), t.Status, msg.Attempts, msg.Duration.Round(time.Millisecond))
		if msg.Degraded {
			line += " [fallback]"
		}
		if msg.Reason != "" {
			line += fmt.Sprintf("\n  reason: %s", msg.Reason)
		}
		if msg.Err != "" {
			line += fmt.Sprintf("\n  error: %s", msg.Err)
		}
		m.appendLog(msg.ID, line)
		if m.getSelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case events.DeadlockBrokenEvent:
		cmd = m.appendLog(msg.Victim, fmt.Sprintf("%s chosen as deadlock victim", stamp(msg.Timestamp)))

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) ensure(id string) *TaskState {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskState{TaskID: id, Status: "pending"}
		m.tasks[id] = t
		m.taskOrder = append(m.taskOrder, id)
		if len(m.taskOrder) == 1 {
			m.selectedIdx = 0
		}
	}
	return t
}

// appendLog adds a line to the task's log. When the task is selected the
// viewport refresh is debounced.
func (m *TaskPaneModel) appendLog(id, line string) tea.Cmd {
	t := m.ensure(id)
	t.Log = append(t.Log, line)
	if m.getSelectedTaskID() != id {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

func stamp(t time.Time) string {
	return t.Format("15:04:05.000")
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - taskListWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		name := id
		if t.Operation != "" {
			name = t.Operation + " " + id
		}
		if len(name) > width-4 {
			name = name[:width-7] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(t.Status, t.Degraded), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string, degraded bool) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "succeeded":
		if degraded {
			return StyleStatusDegraded.Render("✓")
		}
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) getSelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent shows the selected task's log, scrolled to the end.
func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.getSelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(t.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-taskListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
