package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/agentrt/internal/persistence"
	"github.com/aristath/agentrt/internal/scheduler"
	"github.com/aristath/agentrt/internal/tui"
)

var (
	jsonFlag    bool
	statusFlags []string
	sinceFlag   time.Duration
	failuresFor string

	tasksCmd = &cobra.Command{
		Use:   "tasks",
		Short: "List stored task records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var statuses []scheduler.TaskStatus
			for _, s := range statusFlags {
				st, err := parseStatus(s)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			return withStore(cmd, func(ctx context.Context, store *persistence.SQLiteStore) error {
				tasks, err := store.ListTasks(ctx, statuses...)
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeJSON(cmd.OutOrStdout(), tasks)
				}
				rows := make([][]string, 0, len(tasks))
				for _, t := range tasks {
					finished := "-"
					if !t.FinishedAt.IsZero() {
						finished = t.FinishedAt.Local().Format(time.DateTime)
					}
					rows = append(rows, []string{t.ID, t.AgentID, t.Operation, t.Priority.String(), statusCell(t), finished})
				}
				return writeTable(cmd.OutOrStdout(), []string{"TASK", "AGENT", "OPERATION", "PRIORITY", "STATUS", "FINISHED"}, rows)
			})
		},
	}

	outcomesCmd = &cobra.Command{
		Use:   "outcomes",
		Short: "List recorded task outcomes, or the failure history of one task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *persistence.SQLiteStore) error {
				if failuresFor != "" {
					return printFailures(ctx, cmd.OutOrStdout(), store, failuresFor)
				}

				var since time.Time
				if sinceFlag > 0 {
					since = time.Now().Add(-sinceFlag)
				}
				outcomes, err := store.Outcomes(ctx, since)
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeJSON(cmd.OutOrStdout(), outcomes)
				}
				rows := make([][]string, 0, len(outcomes))
				for _, o := range outcomes {
					rows = append(rows, []string{
						o.TaskID, o.AgentID, o.Operation, o.Status.String(), string(o.Reason),
						fmt.Sprint(o.Attempts), o.Duration.Round(time.Millisecond).String(),
						fmt.Sprintf("%.2f", o.Quality), fmt.Sprintf("%.2f", o.Cost),
					})
				}
				return writeTable(cmd.OutOrStdout(), []string{"TASK", "AGENT", "OPERATION", "STATUS", "REASON", "ATTEMPTS", "DURATION", "QUALITY", "COST"}, rows)
			})
		},
	}

	hintsCmd = &cobra.Command{
		Use:   "hints",
		Short: "Show the scheduling hints learned from past outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *persistence.SQLiteStore) error {
				hints, err := store.LoadHints(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					return writeJSON(cmd.OutOrStdout(), hints)
				}
				rows := make([][]string, 0, len(hints))
				for _, h := range hints {
					rows = append(rows, []string{
						h.AgentID, h.Operation, fmt.Sprint(h.SampleSize),
						fmt.Sprintf("%.0f%%", h.SuccessRate*100), fmt.Sprintf("%.2f", h.MeanQuality),
						h.MeanDuration.Round(time.Millisecond).String(),
						fmt.Sprint(h.SuggestedMaxAttempts), fmt.Sprintf("%+d", h.PriorityBump),
						h.ComputedAt.Local().Format(time.DateTime),
					})
				}
				return writeTable(cmd.OutOrStdout(), []string{"AGENT", "OPERATION", "SAMPLES", "SUCCESS", "QUALITY", "MEAN DURATION", "MAX ATTEMPTS", "PRIORITY", "COMPUTED"}, rows)
			})
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{tasksCmd, outcomesCmd, hintsCmd} {
		c.Flags().BoolVar(&jsonFlag, "json", false, "Print JSON instead of a table")
	}
	tasksCmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Only tasks with these statuses (e.g. failed,cancelled)")
	outcomesCmd.Flags().DurationVar(&sinceFlag, "since", 0, "Only outcomes recorded within this duration (e.g. 24h)")
	outcomesCmd.Flags().StringVar(&failuresFor, "failures", "", "Show the failed attempts of this task instead")
}

// withStore opens the configured store for an inspection command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *persistence.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StorePath == "" {
		return errors.New("no store_path configured; nothing is persisted between runs")
	}

	ctx := cmd.Context()
	store, err := persistence.NewSQLiteStore(ctx, cfg.StorePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()
	return fn(ctx, store)
}

func printFailures(ctx context.Context, w io.Writer, store *persistence.SQLiteStore, taskID string) error {
	failures, err := store.Failures(ctx, taskID)
	if err != nil {
		return err
	}
	if jsonFlag {
		return writeJSON(w, failures)
	}
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		permanence := "transient"
		if f.Permanent {
			permanence = "permanent"
		}
		rows = append(rows, []string{
			fmt.Sprint(f.Attempt), f.Operation, string(f.Kind), permanence,
			f.At.Local().Format(time.DateTime), f.Message,
		})
	}
	return writeTable(w, []string{"ATTEMPT", "OPERATION", "KIND", "CLASS", "AT", "ERROR"}, rows)
}

func parseStatus(s string) (scheduler.TaskStatus, error) {
	for st := scheduler.TaskPending; st <= scheduler.TaskCancelled; st++ {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, headers []string, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, tui.StyleStatusPending.Render("nothing recorded"))
		return err
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
		Headers(headers...).
		Rows(rows...)
	_, err := fmt.Fprintln(w, tbl.Render())
	return err
}
