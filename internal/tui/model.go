package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentrt/internal/coordinator"
	"github.com/aristath/agentrt/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneStatus
	paneCount
)

// SnapshotInterval is how often the dashboard polls the coordinator.
const SnapshotInterval = 500 * time.Millisecond

// SnapshotFunc returns the current coordination status.
type SnapshotFunc func() coordinator.Status

type snapshotMsg coordinator.Status

// Model is the root Bubble Tea model of the read-only dashboard. Task and
// progress updates arrive from the event bus; agent, resource and breaker
// state is polled from the coordinator.
type Model struct {
	taskPane    TaskPaneModel
	statusPane  StatusPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	snapshot    SnapshotFunc
	width       int
	height      int
	done        bool
	quitting    bool
}

// New creates a dashboard subscribed to every event on the bus.
func New(bus *events.EventBus, snapshot SnapshotFunc) Model {
	m := Model{
		taskPane:    NewTaskPaneModel(),
		statusPane:  NewStatusPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    bus.SubscribeAll(256),
		snapshot:    snapshot,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), pollSnapshot(m.snapshot, 0))
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

func pollSnapshot(fn SnapshotFunc, after time.Duration) tea.Cmd {
	if fn == nil {
		return nil
	}
	if after <= 0 {
		return func() tea.Msg { return snapshotMsg(fn()) }
	}
	return tea.Tick(after, func(time.Time) tea.Msg { return snapshotMsg(fn()) })
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneStatus
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		m.statusPane, _ = m.statusPane.Update(msg)
		cmds = append(cmds, pollSnapshot(m.snapshot, SnapshotInterval))

	case tickMsg:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.TaskSubmittedEvent, events.TaskStartedEvent, events.TaskRetryingEvent, events.TaskFinishedEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.DeadlockBrokenEvent:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		m.statusPane, _ = m.statusPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case events.CircuitChangedEvent:
		m.statusPane, _ = m.statusPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.ProgressEvent:
		m.statusPane, _ = m.statusPane.Update(msg)
		m.done = msg.Done()
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.statusPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView(m.done))
}

// computeLayout gives the task pane 60% of the width and the status pane the
// rest, leaving one line for the help bar.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.statusPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.statusPane.SetFocused(m.focusedPane == PaneStatus)
}
