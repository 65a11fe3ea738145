package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/agentrt/internal/coordinator"
	"github.com/aristath/agentrt/internal/events"
	"github.com/aristath/agentrt/internal/monitor"
)

const maxNotices = 5

// StatusPaneModel shows task progress, agents, resources and breakers.
type StatusPaneModel struct {
	progress events.ProgressEvent
	snapshot *coordinator.Status
	notices  []string // Recent breaker transitions and deadlocks, newest last
	width    int
	height   int
	focused  bool
}

// NewStatusPaneModel creates a new status pane model.
func NewStatusPaneModel() StatusPaneModel {
	return StatusPaneModel{}
}

// Update handles messages for the status pane.
func (m StatusPaneModel) Update(msg tea.Msg) (StatusPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		m.progress = msg
	case snapshotMsg:
		s := coordinator.Status(msg)
		m.snapshot = &s
	case events.CircuitChangedEvent:
		m.notice(fmt.Sprintf("%s breaker %s: %s -> %s", stamp(msg.Timestamp), msg.Operation, msg.From, msg.To))
	case events.DeadlockBrokenEvent:
		m.notice(fmt.Sprintf("%s deadlock broken, cancelled %s", stamp(msg.Timestamp), msg.Victim))
	}
	return m, nil
}

func (m *StatusPaneModel) notice(line string) {
	m.notices = append(m.notices, line)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

// View renders the status pane.
func (m StatusPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	m.renderProgress(&b)
	if m.snapshot != nil {
		m.renderAgents(&b)
		m.renderResources(&b)
		m.renderBreakers(&b)
	}
	if len(m.notices) > 0 {
		section(&b, "Events")
		for _, n := range m.notices {
			b.WriteString(n)
			b.WriteString("\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func section(b *strings.Builder, name string) {
	title := StyleTitle.Render(name)
	b.WriteString("\n")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")
}

func (m StatusPaneModel) renderProgress(b *strings.Builder) {
	p := m.progress
	done := p.Succeeded + p.Failed + p.Cancelled

	section(b, "Progress")
	fmt.Fprintf(b, "Total: %d  Pending: %s  Ready: %s  Running: %s\n",
		p.Total,
		StyleStatusPending.Render(fmt.Sprint(p.Pending)),
		StyleStatusPending.Render(fmt.Sprint(p.Ready)),
		StyleStatusRunning.Render(fmt.Sprint(p.Running)))
	fmt.Fprintf(b, "Succeeded: %s  Failed: %s  Cancelled: %s\n",
		StyleStatusComplete.Render(fmt.Sprint(p.Succeeded)),
		StyleStatusFailed.Render(fmt.Sprint(p.Failed)),
		StyleStatusCancelled.Render(fmt.Sprint(p.Cancelled)))

	if p.Total > 0 {
		barWidth := min(m.width-16, 40)
		okWidth := p.Succeeded * barWidth / p.Total
		failedWidth := (p.Failed + p.Cancelled) * barWidth / p.Total
		runningWidth := p.Running * barWidth / p.Total
		restWidth := barWidth - okWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, okWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, restWidth)))
		fmt.Fprintf(b, "[%s]  %d/%d\n", bar, done, p.Total)
	}
}

func (m StatusPaneModel) renderAgents(b *strings.Builder) {
	s := m.snapshot
	section(b, fmt.Sprintf("Agents (health score %.0f)", s.Health.HealthScore))
	for _, a := range s.Agents {
		state := HealthStyle(a.Health).Render(a.Health.String())
		if !a.Online {
			state = StyleStatusFailed.Render("offline")
		}
		fmt.Fprintf(b, "%-16s %d/%d  %s\n", a.ID, a.Load, a.Capacity, state)
	}
	if s.WaitingForAgent > 0 {
		fmt.Fprintf(b, "%s\n", StyleStatusPending.Render(fmt.Sprintf("%d ready task(s) waiting for an agent", s.WaitingForAgent)))
	}
}

func (m StatusPaneModel) renderResources(b *strings.Builder) {
	if len(m.snapshot.Resources) == 0 {
		return
	}
	section(b, "Resources")
	for _, name := range slices.Sorted(maps.Keys(m.snapshot.Resources)) {
		u := m.snapshot.Resources[name]
		fmt.Fprintf(b, "%-16s %d/%d\n", name, u.Granted, u.Capacity)
	}
	if m.snapshot.Waiting > 0 {
		fmt.Fprintf(b, "%s\n", StyleStatusRunning.Render(fmt.Sprintf("%d running task(s) waiting", m.snapshot.Waiting)))
	}
}

func (m StatusPaneModel) renderBreakers(b *strings.Builder) {
	if len(m.snapshot.Breakers) == 0 {
		return
	}
	section(b, "Breakers")
	for _, op := range slices.Sorted(maps.Keys(m.snapshot.Breakers)) {
		fmt.Fprintf(b, "%-24s %s\n", op, m.snapshot.Breakers[op])
	}
}

// HealthStyle colours a health state.
func HealthStyle(h monitor.Health) lipgloss.Style {
	switch h {
	case monitor.Healthy:
		return StyleStatusComplete
	case monitor.Degraded:
		return StyleStatusDegraded
	default:
		return StyleStatusFailed
	}
}

// SetSize updates the pane dimensions.
func (m *StatusPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StatusPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
