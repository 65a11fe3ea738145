package scheduler

import (
	"cmp"
	"maps"
	"slices"
)

// Wait records a task blocked on a resource it has not been granted yet.
type Wait struct {
	TaskID   string
	Resource string
	Amount   int64
}

// WaitSnapshot is a consistent view of blocked work taken by the coordinator.
type WaitSnapshot struct {
	Tasks    []*Task             // Non-terminal tasks
	Holdings map[string][]string // Resource -> holder task IDs
	Waits    []Wait
}

// DeadlockDetector finds cycles in the wait-for graph and picks victims.
//
// The graph has an edge A -> H when A waits for a resource H holds, and an
// edge A -> B when PENDING A depends on the unfinished task B. Transitive
// waits are paths in this graph.
type DeadlockDetector struct{}

// NewDeadlockDetector creates a DeadlockDetector.
func NewDeadlockDetector() *DeadlockDetector {
	return &DeadlockDetector{}
}

// Cycles returns the sets of tasks that wait on each other, each sorted by ID.
func (d *DeadlockDetector) Cycles(s WaitSnapshot) [][]string {
	return cyclicComponents(buildWaitGraph(s))
}

// Resolve picks the tasks to cancel so the wait-for graph becomes acyclic.
// Each cycle loses its lowest-priority task, ties going to the most recently
// created. Detection repeats after every removal, so a simple cycle costs
// exactly one victim.
func (d *DeadlockDetector) Resolve(s WaitSnapshot) []string {
	graph := buildWaitGraph(s)
	byID := make(map[string]*Task, len(s.Tasks))
	for _, t := range s.Tasks {
		byID[t.ID] = t
	}

	var victims []string
	for {
		cycles := cyclicComponents(graph)
		if len(cycles) == 0 {
			return victims
		}
		victim := pickVictim(cycles[0], byID)
		victims = append(victims, victim)
		delete(graph, victim)
		for id, edges := range graph {
			graph[id] = slices.DeleteFunc(edges, func(to string) bool { return to == victim })
		}
	}
}

func pickVictim(cycle []string, byID map[string]*Task) string {
	victim := cycle[0]
	for _, id := range cycle[1:] {
		if lessVictim(byID[id], byID[victim]) {
			victim = id
		}
	}
	return victim
}

// lessVictim reports whether a should be cancelled before b.
func lessVictim(a, b *Task) bool {
	if a == nil || b == nil {
		return b == nil && a != nil
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Seq > b.Seq
}

func buildWaitGraph(s WaitSnapshot) map[string][]string {
	graph := make(map[string][]string, len(s.Tasks))
	for _, t := range s.Tasks {
		graph[t.ID] = nil
	}

	addEdge := func(from, to string) {
		if from == to {
			return
		}
		if _, ok := graph[to]; !ok {
			return
		}
		if !slices.Contains(graph[from], to) {
			graph[from] = append(graph[from], to)
		}
	}

	for _, w := range s.Waits {
		if _, ok := graph[w.TaskID]; !ok {
			continue
		}
		for _, holder := range s.Holdings[w.Resource] {
			addEdge(w.TaskID, holder)
		}
	}
	for _, t := range s.Tasks {
		if t.Status != TaskPending {
			continue
		}
		for _, dep := range t.DependsOn {
			addEdge(t.ID, dep)
		}
	}

	for id := range graph {
		slices.Sort(graph[id])
	}
	return graph
}

// cyclicComponents returns strongly connected components with more than one
// node (Tarjan), ordered by their smallest ID.
func cyclicComponents(graph map[string][]string) [][]string {
	var (
		index   int
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		out     [][]string
	)

	var connect func(v string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var comp []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			if len(comp) > 1 {
				slices.Sort(comp)
				out = append(out, comp)
			}
		}
	}

	for _, v := range slices.Sorted(maps.Keys(graph)) {
		if _, seen := indices[v]; !seen {
			connect(v)
		}
	}

	slices.SortFunc(out, func(a, b []string) int { return cmp.Compare(a[0], b[0]) })
	return out
}
