package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/agentrt/internal/agent"
	"github.com/aristath/agentrt/internal/config"
	"github.com/aristath/agentrt/internal/coordinator"
	"github.com/aristath/agentrt/internal/events"
	"github.com/aristath/agentrt/internal/memory"
	"github.com/aristath/agentrt/internal/monitor"
	"github.com/aristath/agentrt/internal/persistence"
)

// app is every component of one `agentrt run`, wired from config.
type app struct {
	store    *persistence.SQLiteStore
	memory   *memory.Manager
	monitor  *monitor.Monitor
	bus      *events.EventBus
	procs    *agent.ProcessManager
	coord    *coordinator.Coordinator
	registry *prometheus.Registry
	log      *slog.Logger
}

// openStore opens the configured SQLite file, or a private in-memory
// database when no path is set.
func openStore(ctx context.Context, cfg *config.Config) (*persistence.SQLiteStore, error) {
	if cfg.StorePath == "" {
		return persistence.NewMemoryStore(ctx)
	}
	return persistence.NewSQLiteStore(ctx, cfg.StorePath)
}

func openShared(ctx context.Context, cfg *config.Config, log *slog.Logger) (memory.SharedStore, error) {
	switch cfg.Shared.Backend {
	case config.SharedRedis:
		r, err := memory.DialRedis(ctx, cfg.Shared.URL, cfg.Shared.Prefix, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return memory.NewLocalShared(), nil
	}
}

// newApp builds and starts the runtime. Agents from the config are
// registered as command agents.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	rt := &app{
		bus:      events.NewEventBus(events.WithLogger(log.With("component", "events"))),
		procs:    agent.NewProcessManager(),
		registry: prometheus.NewRegistry(),
		log:      log,
	}

	var err error
	if rt.store, err = openStore(ctx, cfg); err != nil {
		rt.bus.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	shared, err := openShared(ctx, cfg, log)
	if err != nil {
		rt.store.Close()
		rt.bus.Close()
		return nil, err
	}
	rt.memory = memory.NewManager(cfg.MemoryConfig(),
		memory.WithStore(rt.store),
		memory.WithShared(shared),
		memory.WithLogger(log.With("component", "memory")),
	)

	rt.monitor = monitor.New(cfg.Thresholds(),
		monitor.WithMetrics(monitor.NewMetrics(rt.registry)),
		monitor.WithLogger(log.With("component", "monitor")),
	)

	rt.coord = coordinator.New(cfg.CoordinatorConfig(),
		coordinator.WithLogger(log.With("component", "coordinator")),
		coordinator.WithMemory(rt.memory),
		coordinator.WithMonitor(rt.monitor),
		coordinator.WithEventBus(rt.bus),
		coordinator.WithRecorder(rt.store),
		coordinator.WithFailureSink(rt.store),
		coordinator.WithWorkflows(cfg.CoordinatorWorkflows()),
	)

	if err := rt.registerAgents(cfg); err != nil {
		rt.close()
		return nil, err
	}
	if err := rt.memory.Start(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("starting memory manager: %w", err)
	}
	if err := rt.coord.Start(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("starting coordinator: %w", err)
	}
	return rt, nil
}

func (rt *app) registerAgents(cfg *config.Config) error {
	for _, id := range slices.Sorted(maps.Keys(cfg.Agents)) {
		ac := cfg.Agents[id]

		var env []string
		for _, k := range slices.Sorted(maps.Keys(ac.Env)) {
			env = append(env, k+"="+ac.Env[k])
		}
		impl, err := agent.NewCommandAgent(agent.CommandConfig{
			Command: ac.Command,
			Args:    ac.Args,
			WorkDir: ac.WorkDir,
			Env:     env,
		}, rt.procs)
		if err != nil {
			return fmt.Errorf("agent %q: %w", id, err)
		}

		desc := agent.Descriptor{ID: id, Name: ac.Name, Operations: ac.Operations, Capacity: ac.Capacity}
		if err := rt.coord.RegisterAgent(desc, impl); err != nil {
			return err
		}
	}
	return nil
}

// close stops the coordinator and releases everything the app opened.
func (rt *app) close() error {
	var errs []error
	if err := rt.coord.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping coordinator: %w", err))
	}
	if err := rt.procs.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing subprocesses: %w", err))
	}
	if err := rt.memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing memory: %w", err))
	}
	rt.bus.Close()
	if err := rt.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
