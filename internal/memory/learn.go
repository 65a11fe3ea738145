package memory

import (
	"cmp"
	"slices"
	"time"

	"github.com/aristath/agentrt/internal/scheduler"
)

const maxSuggestedAttempts = 10

type hintKey struct {
	agent string
	op    string
}

// deriveHints groups outcomes by agent and operation and computes a hint for
// every group with at least minSamples executions. Outcomes of tasks that
// never ran (no attempts, no agent) carry no signal and are skipped.
func deriveHints(outcomes []scheduler.Outcome, minSamples int, now time.Time) []Hint {
	groups := make(map[hintKey][]scheduler.Outcome)
	for _, o := range outcomes {
		if o.AgentID == "" || o.Attempts == 0 {
			continue
		}
		k := hintKey{o.AgentID, o.Operation}
		groups[k] = append(groups[k], o)
	}

	var hints []Hint
	for k, group := range groups {
		if len(group) < max(minSamples, 1) {
			continue
		}
		hints = append(hints, deriveHint(k, group, now))
	}
	slices.SortFunc(hints, func(a, b Hint) int {
		return cmp.Or(cmp.Compare(a.AgentID, b.AgentID), cmp.Compare(a.Operation, b.Operation))
	})
	return hints
}

func deriveHint(k hintKey, group []scheduler.Outcome, now time.Time) Hint {
	var (
		successes   int
		maxAttempts int
		quality     float64
		cost        float64
		duration    time.Duration
	)
	for _, o := range group {
		if o.Success {
			successes++
			maxAttempts = max(maxAttempts, o.Attempts)
		}
		quality += o.Quality
		cost += o.Cost
		duration += o.Duration
	}

	n := len(group)
	h := Hint{
		AgentID:      k.agent,
		Operation:    k.op,
		SampleSize:   n,
		SuccessRate:  float64(successes) / float64(n),
		MeanQuality:  quality / float64(n),
		MeanCost:     cost / float64(n),
		MeanDuration: duration / time.Duration(n),
		ComputedAt:   now,
	}

	// Retrying an operation that never succeeds only burns budget
	h.SuggestedMaxAttempts = 1
	if successes > 0 {
		h.SuggestedMaxAttempts = min(max(maxAttempts+1, 1), maxSuggestedAttempts)
	}

	switch {
	case h.SuccessRate >= 0.8 && h.MeanQuality >= 0.8:
		h.PriorityBump = 1
	case h.SuccessRate < 0.5:
		h.PriorityBump = -1
	}
	return h
}
