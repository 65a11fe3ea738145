package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentrt/internal/scheduler"
)

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu       sync.Mutex
	samples  []Sample
	outcomes []scheduler.Outcome
	hints    map[hintKey]Hint
}

func newFakeStore() *fakeStore { return &fakeStore{hints: make(map[hintKey]Hint)} }

func (f *fakeStore) RecordSample(ctx context.Context, s Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeStore) QuerySamples(ctx context.Context, agentID, category string, flt Filter) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Sample
	for _, s := range f.samples {
		if s.AgentID != agentID || s.Category != category {
			continue
		}
		if flt.Key != "" && s.Key != flt.Key {
			continue
		}
		if s.Score < flt.MinScore || s.RecordedAt.Before(flt.Since) {
			continue
		}
		out = append(out, s)
	}
	if flt.OrderByScore {
		slices.SortStableFunc(out, func(a, b Sample) int { return cmp.Compare(b.Score, a.Score) })
	}
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, nil
}

func (f *fakeStore) RecordOutcome(ctx context.Context, o scheduler.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

func (f *fakeStore) Outcomes(ctx context.Context, since time.Time) ([]scheduler.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduler.Outcome
	for _, o := range f.outcomes {
		if !o.FinishedAt.Before(since) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveHint(ctx context.Context, h Hint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints[hintKey{h.AgentID, h.Operation}] = h
	return nil
}

func (f *fakeStore) LoadHints(ctx context.Context) ([]Hint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Hint
	for _, h := range f.hints {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeStore) PruneSamples(ctx context.Context, olderThan time.Time, below float64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.samples[:0]
	var n int64
	for _, s := range f.samples {
		if s.RecordedAt.Before(olderThan) && s.Score < below {
			n++
			continue
		}
		kept = append(kept, s)
	}
	f.samples = kept
	return n, nil
}

func (f *fakeStore) hintCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hints)
}

func testManager(t *testing.T, cfg Config) (*Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	m := NewManager(cfg, WithStore(store))
	t.Cleanup(func() { m.Close() })
	return m, store
}

func TestShortTermExpiresAtTTL(t *testing.T) {
	m, _ := testManager(t, DefaultConfig())

	m.Put("t1", "draft", "outline v1", 50*time.Millisecond)
	v, ok := m.Get("t1", "draft")
	require.True(t, ok)
	assert.Equal(t, "outline v1", v)

	time.Sleep(80 * time.Millisecond)
	_, ok = m.Get("t1", "draft")
	assert.False(t, ok, "entry readable after its ttl")
}

func TestShortTermReleasedWithTask(t *testing.T) {
	m, _ := testManager(t, DefaultConfig())

	a := m.TaskMemory("a")
	b := m.TaskMemory("b")
	a.Put("k", 1, 0)
	a.Put("j", 2, time.Hour)
	b.Put("k", 3, 0)

	m.ReleaseTask("a")

	_, ok := a.Get("k")
	assert.False(t, ok)
	_, ok = a.Get("j")
	assert.False(t, ok)
	v, ok := b.Get("k")
	require.True(t, ok, "other task's entry must survive")
	assert.Equal(t, 3, v)
}

func TestRecordAndQuery(t *testing.T) {
	m, _ := testManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Record(ctx, "seo", "keywords", "shoes", []string{"running shoes"}, 0.4)
	require.NoError(t, err)
	_, err = m.Record(ctx, "seo", "keywords", "boots", []string{"hiking boots"}, 0.9)
	require.NoError(t, err)
	_, err = m.Record(ctx, "seo", "other", "boots", "x", 1.7)
	require.NoError(t, err)

	got, err := m.Query(ctx, "seo", "keywords", Filter{OrderByScore: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "boots", got[0].Key)
	assert.JSONEq(t, `["hiking boots"]`, string(got[0].Value))

	got, err = m.Query(ctx, "seo", "other", Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0].Score, "score is clamped to [0,1]")
}

func TestPersistentOpsWithoutStore(t *testing.T) {
	m := NewManager(DefaultConfig())
	t.Cleanup(func() { m.Close() })

	_, err := m.Record(context.Background(), "a", "c", "k", 1, 1)
	assert.ErrorIs(t, err, ErrNoStore)
	_, err = m.Learn(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)
	assert.NoError(t, m.RecordOutcome(context.Background(), scheduler.Outcome{TaskID: "t"}))
}

func TestRecordOutcomeKeepsSuccessfulStrategies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LearnEvery = 0
	m, store := testManager(t, cfg)
	ctx := context.Background()

	require.NoError(t, m.RecordOutcome(ctx, scheduler.Outcome{TaskID: "t1", AgentID: "writer", Operation: "draft", Success: true, Quality: 0.92, Attempts: 2}))
	require.NoError(t, m.RecordOutcome(ctx, scheduler.Outcome{TaskID: "t2", AgentID: "writer", Operation: "draft", Success: true, Quality: 0.5, Attempts: 1}))
	require.NoError(t, m.RecordOutcome(ctx, scheduler.Outcome{TaskID: "t3", AgentID: "writer", Operation: "draft", Success: false, Quality: 0.95}))

	assert.Len(t, store.outcomes, 3)
	samples, err := m.Query(ctx, "writer", CategorySuccessfulStrategy, Filter{})
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "draft", samples[0].Key)
	assert.InDelta(t, 0.92, samples[0].Score, 1e-9)

	var strategy map[string]any
	require.NoError(t, json.Unmarshal(samples[0].Value, &strategy))
	assert.Equal(t, "t1", strategy["task_id"])
}

func TestRecordOutcomeReleasesWorkingMemory(t *testing.T) {
	m, _ := testManager(t, DefaultConfig())
	m.Put("t1", "k", "v", time.Hour)

	require.NoError(t, m.RecordOutcome(context.Background(), scheduler.Outcome{TaskID: "t1"}))
	_, ok := m.Get("t1", "k")
	assert.False(t, ok)
}

func outcomesFor(agentID, op string, n int, success func(i int) bool, attempts int) []scheduler.Outcome {
	out := make([]scheduler.Outcome, n)
	for i := range out {
		out[i] = scheduler.Outcome{
			TaskID:     agentID + op + string(rune('a'+i)),
			AgentID:    agentID,
			Operation:  op,
			Success:    success(i),
			Quality:    0.9,
			Cost:       0.02,
			Duration:   time.Second,
			Attempts:   attempts,
			FinishedAt: time.Now(),
		}
	}
	return out
}

func TestLearnProducesHints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LearnEvery = 0
	cfg.MinSamples = 5
	m, store := testManager(t, cfg)
	ctx := context.Background()

	store.outcomes = append(store.outcomes, outcomesFor("fast", "serp", 6, func(int) bool { return true }, 2)...)
	store.outcomes = append(store.outcomes, outcomesFor("flaky", "serp", 5, func(i int) bool { return i == 0 }, 3)...)
	store.outcomes = append(store.outcomes, outcomesFor("rare", "serp", 2, func(int) bool { return true }, 1)...)

	n, err := m.Learn(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fast, ok := m.Hint("fast", "serp")
	require.True(t, ok)
	assert.Equal(t, 6, fast.SampleSize)
	assert.Equal(t, 1.0, fast.SuccessRate)
	assert.Equal(t, 3, fast.SuggestedMaxAttempts)
	assert.Equal(t, 1, fast.PriorityBump)
	assert.Equal(t, time.Second, fast.MeanDuration)

	flaky, ok := m.Hint("flaky", "serp")
	require.True(t, ok)
	assert.InDelta(t, 0.2, flaky.SuccessRate, 1e-9)
	assert.Equal(t, -1, flaky.PriorityBump)

	_, ok = m.Hint("rare", "serp")
	assert.False(t, ok, "groups below MinSamples get no hint")
	assert.Equal(t, 2, store.hintCount())
}

func TestDeriveHint(t *testing.T) {
	tests := []struct {
		name         string
		success      func(i int) bool
		attempts     int
		wantAttempts int
		wantBump     int
	}{
		{"never succeeds", func(int) bool { return false }, 3, 1, -1},
		{"always first try", func(int) bool { return true }, 1, 2, 1},
		{"capped", func(int) bool { return true }, 12, maxSuggestedAttempts, 1},
		{"middling", func(i int) bool { return i%3 != 0 }, 2, 3, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group := outcomesFor("a", "op", 6, tt.success, tt.attempts)
			h := deriveHint(hintKey{"a", "op"}, group, time.Now())
			assert.Equal(t, tt.wantAttempts, h.SuggestedMaxAttempts)
			assert.Equal(t, tt.wantBump, h.PriorityBump)
		})
	}
}

func TestDeriveHintsSkipsTasksThatNeverRan(t *testing.T) {
	outcomes := outcomesFor("a", "op", 5, func(int) bool { return true }, 1)
	outcomes[0].Attempts = 0
	assert.Empty(t, deriveHints(outcomes, 5, time.Now()))
}

func TestStaleHintIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HintTTL = time.Hour
	m, _ := testManager(t, cfg)

	now := time.Now()
	m.setHints([]Hint{{AgentID: "a", Operation: "op", ComputedAt: now.Add(-2 * time.Hour)}})
	_, ok := m.Hint("a", "op")
	assert.False(t, ok)

	m.setHints([]Hint{{AgentID: "a", Operation: "op", ComputedAt: now}})
	_, ok = m.Hint("a", "op")
	assert.True(t, ok)
}

func TestRecordOutcomeTriggersLearning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LearnEvery = 4
	cfg.MinSamples = 4
	m, store := testManager(t, cfg)
	ctx := context.Background()

	for _, o := range outcomesFor("a", "op", 4, func(int) bool { return true }, 1) {
		require.NoError(t, m.RecordOutcome(ctx, o))
	}

	assert.Eventually(t, func() bool {
		_, ok := m.Hint("a", "op")
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.hintCount())
}

func TestStartLoadsPersistedHints(t *testing.T) {
	store := newFakeStore()
	store.hints[hintKey{"a", "op"}] = Hint{AgentID: "a", Operation: "op", SuggestedMaxAttempts: 4, ComputedAt: time.Now()}

	m := NewManager(DefaultConfig(), WithStore(store))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Close() })

	h, ok := m.Hint("a", "op")
	require.True(t, ok)
	assert.Equal(t, 4, h.SuggestedMaxAttempts)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LearnSchedule = "every now and then"
	m := NewManager(cfg, WithStore(newFakeStore()))
	t.Cleanup(func() { m.Close() })

	assert.Error(t, m.Start(context.Background()))
}

func TestPrune(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PruneAfter = time.Hour
	m, store := testManager(t, cfg)

	old := time.Now().Add(-2 * time.Hour)
	store.samples = []Sample{
		{ID: "1", Score: 0.1, RecordedAt: old},
		{ID: "2", Score: 0.9, RecordedAt: old},
		{ID: "3", Score: 0.1, RecordedAt: time.Now()},
	}

	n, err := m.Prune(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Len(t, store.samples, 2)
}
