package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aristath/agentrt/internal/scheduler"
)

// Config tunes the memory tiers and the learning pipeline.
type Config struct {
	ShortTermTTL  time.Duration // Default lifetime of working-memory entries
	LearnEvery    int           // Learn after this many outcomes; 0 disables
	LearnSchedule string        // Cron spec for periodic learning; empty disables
	LearnWindow   time.Duration // Outcomes older than this are ignored by Learn
	MinSamples    int           // Executions needed before a hint is produced
	HintTTL       time.Duration // Hints older than this are ignored
	PruneSchedule string        // Cron spec for sample pruning; empty disables
	PruneAfter    time.Duration // Samples older than this are prune candidates
	PruneBelow    float64       // Candidates scoring below this are deleted
}

// DefaultConfig returns the default memory configuration.
func DefaultConfig() Config {
	return Config{
		ShortTermTTL:  10 * time.Minute,
		LearnEvery:    20,
		LearnSchedule: "@every 10m",
		LearnWindow:   7 * 24 * time.Hour,
		MinSamples:    5,
		HintTTL:       24 * time.Hour,
		PruneSchedule: "@daily",
		PruneAfter:    30 * 24 * time.Hour,
		PruneBelow:    0.3,
	}
}

// Manager owns the three memory tiers.
type Manager struct {
	cfg    Config
	store  Store
	shared SharedStore
	short  *shortTerm
	log    *slog.Logger
	cron   *cron.Cron

	hintsMu sync.RWMutex
	hints   map[hintKey]Hint

	outcomes atomic.Int64
	learning atomic.Bool
	wg       sync.WaitGroup
	started  atomic.Bool
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

// WithStore sets the durable backend. Without one, persistent operations
// return ErrNoStore and learning is disabled.
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

// WithShared sets the shared backend. The default is a LocalShared.
func WithShared(s SharedStore) Option { return func(m *Manager) { m.shared = s } }

// NewManager creates a Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		log:   slog.Default(),
		hints: make(map[hintKey]Hint),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.shared == nil {
		m.shared = NewLocalShared()
	}
	m.short = newShortTerm(cfg.ShortTermTTL)
	return m
}

// Start loads persisted hints and starts expiry and the cron jobs.
func (m *Manager) Start(ctx context.Context) error {
	if m.started.Load() {
		return nil
	}

	c := cron.New()
	if m.cfg.LearnSchedule != "" && m.store != nil {
		if _, err := c.AddFunc(m.cfg.LearnSchedule, func() {
			if _, err := m.Learn(context.Background()); err != nil {
				m.log.Error("scheduled learning failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid learn schedule %q: %w", m.cfg.LearnSchedule, err)
		}
	}
	if m.cfg.PruneSchedule != "" && m.store != nil {
		if _, err := c.AddFunc(m.cfg.PruneSchedule, func() {
			if _, err := m.Prune(context.Background()); err != nil {
				m.log.Error("scheduled pruning failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid prune schedule %q: %w", m.cfg.PruneSchedule, err)
		}
	}

	if m.store != nil {
		hints, err := m.store.LoadHints(ctx)
		if err != nil {
			return fmt.Errorf("failed to load hints: %w", err)
		}
		m.setHints(hints)
	}

	if !m.started.CompareAndSwap(false, true) {
		return nil
	}
	m.cron = c
	go m.short.cache.Start()
	m.cron.Start()
	return nil
}

// Close stops background work and closes the shared backend.
func (m *Manager) Close() error {
	if m.started.Load() {
		<-m.cron.Stop().Done()
		m.short.cache.Stop()
	}
	m.wg.Wait()
	return m.shared.Close()
}

// Record stores a durable sample.
func (m *Manager) Record(ctx context.Context, agentID, category, key string, value any, score float64) (Sample, error) {
	if m.store == nil {
		return Sample{}, ErrNoStore
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to encode sample %q: %w", key, err)
	}
	s := Sample{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Category:   category,
		Key:        key,
		Value:      raw,
		Score:      min(max(score, 0), 1),
		RecordedAt: m.now(),
	}
	if err := m.store.RecordSample(ctx, s); err != nil {
		return Sample{}, fmt.Errorf("failed to record sample %q: %w", key, err)
	}
	return s, nil
}

// Query returns durable samples of an agent and category.
func (m *Manager) Query(ctx context.Context, agentID, category string, f Filter) ([]Sample, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	return m.store.QuerySamples(ctx, agentID, category, f)
}

// Put stores a working-memory value for a task.
func (m *Manager) Put(taskID, key string, value any, ttl time.Duration) {
	m.short.put(taskID, key, value, ttl)
}

// Get returns a live working-memory value.
func (m *Manager) Get(taskID, key string) (any, bool) {
	return m.short.get(taskID, key)
}

// ReleaseTask drops every working-memory entry of a finished task.
func (m *Manager) ReleaseTask(taskID string) {
	if n := m.short.release(taskID); n > 0 {
		m.log.Debug("released working memory", "task_id", taskID, "entries", n)
	}
}

// TaskMemory returns the working-memory view of one task.
func (m *Manager) TaskMemory(taskID string) TaskMemory {
	return TaskMemory{st: m.short, taskID: taskID}
}

// Publish encodes value and publishes it as the next version of key.
func (m *Manager) Publish(ctx context.Context, key string, value any, source string) (Update, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Update{}, fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return m.shared.Publish(ctx, key, raw, source)
}

// Subscribe delivers updates of key until ctx ends.
func (m *Manager) Subscribe(ctx context.Context, key string) (<-chan Update, error) {
	return m.shared.Subscribe(ctx, key)
}

// Latest returns the newest update of key.
func (m *Manager) Latest(ctx context.Context, key string) (Update, bool, error) {
	return m.shared.Latest(ctx, key)
}

// Claim marks key as taken by source, reporting whether source won.
func (m *Manager) Claim(ctx context.Context, key, source string) (bool, error) {
	return m.shared.Claim(ctx, key, source)
}

// SharedFor returns the shared-memory view used by agent source.
func (m *Manager) SharedFor(source string) SharedView {
	return SharedView{m: m, source: source}
}

// SharedView publishes and claims on behalf of one agent.
type SharedView struct {
	m      *Manager
	source string
}

func (v SharedView) Publish(ctx context.Context, key string, value any) error {
	_, err := v.m.Publish(ctx, key, value, v.source)
	return err
}

func (v SharedView) Claim(ctx context.Context, key string) (bool, error) {
	return v.m.Claim(ctx, key, v.source)
}

// RecordOutcome persists a task outcome, keeps high-quality successes as
// strategy samples, and triggers learning every LearnEvery outcomes.
func (m *Manager) RecordOutcome(ctx context.Context, o scheduler.Outcome) error {
	m.ReleaseTask(o.TaskID)
	if m.store == nil {
		return nil
	}

	if err := m.store.RecordOutcome(ctx, o); err != nil {
		return fmt.Errorf("failed to record outcome of %s: %w", o.TaskID, err)
	}

	if o.Success && o.Quality >= 0.8 {
		strategy := map[string]any{
			"task_id":  o.TaskID,
			"attempts": o.Attempts,
			"duration": o.Duration.String(),
			"cost":     o.Cost,
		}
		if len(o.Context) > 0 {
			strategy["context"] = o.Context
		}
		if _, err := m.Record(ctx, o.AgentID, CategorySuccessfulStrategy, o.Operation, strategy, o.Quality); err != nil {
			m.log.Warn("failed to record successful strategy", "task_id", o.TaskID, "error", err)
		}
	}

	n := m.outcomes.Add(1)
	if m.cfg.LearnEvery > 0 && n%int64(m.cfg.LearnEvery) == 0 && m.learning.CompareAndSwap(false, true) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.learning.Store(false)
			if _, err := m.learn(context.WithoutCancel(ctx)); err != nil {
				m.log.Error("learning failed", "error", err)
			}
		}()
	}
	return nil
}

// Learn recomputes hints from recent outcomes, returning how many were written.
func (m *Manager) Learn(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, ErrNoStore
	}
	return m.learn(ctx)
}

func (m *Manager) learn(ctx context.Context) (int, error) {
	now := m.now()
	var since time.Time
	if m.cfg.LearnWindow > 0 {
		since = now.Add(-m.cfg.LearnWindow)
	}
	outcomes, err := m.store.Outcomes(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to load outcomes: %w", err)
	}

	hints := deriveHints(outcomes, m.cfg.MinSamples, now)
	for _, h := range hints {
		if err := m.store.SaveHint(ctx, h); err != nil {
			return 0, fmt.Errorf("failed to save hint for %s/%s: %w", h.AgentID, h.Operation, err)
		}
	}
	m.setHints(hints)
	m.log.Info("learning pass complete", "outcomes", len(outcomes), "hints", len(hints))
	return len(hints), nil
}

func (m *Manager) setHints(hints []Hint) {
	m.hintsMu.Lock()
	defer m.hintsMu.Unlock()
	for _, h := range hints {
		m.hints[hintKey{h.AgentID, h.Operation}] = h
	}
}

// Hint returns the learned hint for an agent and operation. Missing and
// stale hints report false.
func (m *Manager) Hint(agentID, operation string) (Hint, bool) {
	m.hintsMu.RLock()
	h, ok := m.hints[hintKey{agentID, operation}]
	m.hintsMu.RUnlock()
	if !ok {
		return Hint{}, false
	}
	if m.cfg.HintTTL > 0 && m.now().Sub(h.ComputedAt) > m.cfg.HintTTL {
		return Hint{}, false
	}
	return h, true
}

// Hints returns every cached hint, fresh or not.
func (m *Manager) Hints() []Hint {
	m.hintsMu.RLock()
	defer m.hintsMu.RUnlock()
	out := make([]Hint, 0, len(m.hints))
	for _, h := range m.hints {
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Hint) int {
		return cmp.Or(cmp.Compare(a.AgentID, b.AgentID), cmp.Compare(a.Operation, b.Operation))
	})
	return out
}

// Prune deletes old low-importance samples.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	if m.store == nil {
		return 0, ErrNoStore
	}
	n, err := m.store.PruneSamples(ctx, m.now().Add(-m.cfg.PruneAfter), m.cfg.PruneBelow)
	if err != nil {
		return 0, fmt.Errorf("failed to prune samples: %w", err)
	}
	if n > 0 {
		m.log.Info("pruned memory samples", "count", n)
	}
	return n, nil
}
