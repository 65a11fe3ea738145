package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/agentrt/internal/monitor"
	"github.com/aristath/agentrt/internal/scheduler"
	"github.com/aristath/agentrt/internal/tui"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

func statusCell(t *scheduler.Task) string {
	degraded := t.Outcome != nil && t.Outcome.Degraded
	return tui.StatusIcon(strings.ToLower(t.Status.String()), degraded) + " " + t.Status.String()
}

// renderSummary renders one row per task followed by totals and the
// system health summary.
func renderSummary(tasks []*scheduler.Task, health monitor.Summary) string {
	counts := make(map[scheduler.TaskStatus]int)
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		counts[t.Status]++

		agentID, reason, attempts, duration := t.AgentID, "", "-", "-"
		if o := t.Outcome; o != nil {
			if o.AgentID != "" {
				agentID = o.AgentID
			}
			reason = string(o.Reason)
			if o.Degraded {
				reason = "fallback"
			}
			attempts = fmt.Sprint(o.Attempts)
			if o.Duration > 0 {
				duration = o.Duration.Round(time.Millisecond).String()
			}
		}
		rows = append(rows, []string{t.ID, agentID, t.Operation, statusCell(t), reason, attempts, duration})
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(tui.StyleUnfocusedBorder).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("TASK", "AGENT", "OPERATION", "STATUS", "REASON", "ATTEMPTS", "DURATION").
		Rows(rows...)

	totals := fmt.Sprintf("%d tasks: %s succeeded, %s failed, %s cancelled",
		len(tasks),
		tui.StyleStatusComplete.Render(fmt.Sprint(counts[scheduler.TaskSucceeded])),
		tui.StyleStatusFailed.Render(fmt.Sprint(counts[scheduler.TaskFailed])),
		tui.StyleStatusCancelled.Render(fmt.Sprint(counts[scheduler.TaskCancelled])))
	if live := len(tasks) - counts[scheduler.TaskSucceeded] - counts[scheduler.TaskFailed] - counts[scheduler.TaskCancelled]; live > 0 {
		totals += fmt.Sprintf(", %d unfinished", live)
	}

	healthLine := fmt.Sprintf("Health score %.0f | success rate %.0f%% | %d executions | cost %.2f",
		health.HealthScore, health.SuccessRate*100, health.Executions, health.TotalCost)
	if health.Degraded+health.Unhealthy > 0 {
		healthLine += fmt.Sprintf(" | %d degraded, %d unhealthy agents", health.Degraded, health.Unhealthy)
	}

	return lipgloss.JoinVertical(lipgloss.Left, tbl.Render(), totals, tui.StyleHelp.Render(healthLine))
}
