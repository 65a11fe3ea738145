package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aristath/agentrt/internal/coordinator"
	"github.com/aristath/agentrt/internal/scheduler"
	"github.com/aristath/agentrt/internal/tui"
)

const shutdownTimeout = 10 * time.Second

var (
	dashboardFlag   bool
	metricsAddrFlag string

	runCmd = &cobra.Command{
		Use:   "run <plan>",
		Short: "Run the tasks of a plan file and wait for them to finish",
		Long: `Run registers the agents from the config, submits every task of the plan
(YAML or JSON), and waits until no task is left, including workflow
follow-ups. A summary is printed at the end; the exit status is non-zero
when any task did not succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0])
		},
	}
)

// ErrTasksFailed is returned by run when some task did not succeed.
var ErrTasksFailed = errors.New("some tasks did not succeed")

func init() {
	runCmd.Flags().BoolVarP(&dashboardFlag, "dashboard", "d", false, "Show the live dashboard while tasks run")
	runCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics and health on this address (e.g. :9090)")
}

func runPlan(cmd *cobra.Command, planPath string) error {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := LoadPlan(planPath)
	if err != nil {
		return err
	}
	specs, err := plan.Specs()
	if err != nil {
		return err
	}

	log := slog.Default()
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			log.Error("shutdown incomplete", "error", err)
		}
	}()

	if metricsAddrFlag != "" {
		srv := serveMetrics(metricsAddrFlag, a.registry, a.coord, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("metrics server shutdown failed", "error", err)
			}
		}()
	}

	if _, err := a.coord.SubmitAll(ctx, specs); err != nil {
		return fmt.Errorf("submitting plan: %w", err)
	}
	log.Info("plan submitted", "plan", planPath, "tasks", len(specs))

	if dashboardFlag {
		err = runDashboard(ctx, stop, a)
	} else {
		err = waitIdle(ctx, a.coord)
	}
	if err != nil {
		// Restore default signal handling (double Ctrl+C = force exit)
		stop()
		log.Info("shutdown signal received, cleaning up")
	}

	// Tasks still live after an interrupt or an early dashboard exit are
	// cancelled here so the summary shows their final state
	_ = a.coord.Stop()
	tasks := a.coord.Tasks()
	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(tasks, a.monitor.SystemSummary()))

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	for _, t := range tasks {
		if t.Status != scheduler.TaskSucceeded {
			return ErrTasksFailed
		}
	}
	return nil
}

// waitIdle waits until every task the coordinator tracks is terminal.
// Follow-ups are enqueued before their predecessor completes, so an empty
// pending set means nothing more will be submitted.
func waitIdle(ctx context.Context, c *coordinator.Coordinator) error {
	for {
		var pending []string
		for _, t := range c.Tasks() {
			if !t.Status.Terminal() {
				pending = append(pending, t.ID)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		if _, err := c.WaitAll(ctx, pending); err != nil {
			return err
		}
	}
}

// runDashboard shows the dashboard until the user quits or a signal arrives.
// Quitting before the plan is done stops the run.
func runDashboard(ctx context.Context, stop context.CancelFunc, a *app) error {
	p := tea.NewProgram(tui.New(a.bus, a.coord.Snapshot), tea.WithAltScreen(), tea.WithContext(ctx))

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		// Normal exit (user pressed 'q')
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("dashboard: %w", err)
		}
		return ctx.Err()
	case <-ctx.Done():
		stop()
		if err := a.procs.KillAll(); err != nil {
			a.log.Error("failed to kill subprocesses", "error", err)
		}
		p.Quit()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		select {
		case err := <-errChan:
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				a.log.Error("dashboard exit error", "error", err)
			}
		case <-shutdownCtx.Done():
			a.log.Warn("shutdown timeout exceeded, forcing exit")
		}
		return ctx.Err()
	}
}

// serveMetrics serves /metrics from reg and /health from the coordinator's
// snapshot until the returned server is shut down.
func serveMetrics(addr string, reg *prometheus.Registry, c *coordinator.Coordinator, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(c.Snapshot()); err != nil {
			log.Error("failed to encode health snapshot", "error", err)
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
