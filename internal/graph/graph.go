// Package graph derives the dependency view of an Execution's subtasks.
//
// Nothing here is persisted. Every function is a pure function of the
// subtask rows, so the graph can be rebuilt at any time from storage.
package graph

import (
	"sort"
	"time"

	"github.com/example/epicflow/internal/domain"
)

// Node is the minimal shape needed for structural validation.
type Node struct {
	ID        string
	DependsOn []string
}

// Validate checks ids, references and acyclicity, in that order.
// Nodes are visited in the given order so the reported edge is stable.
func Validate(nodes []Node) error {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return domain.NewMalformedPlanError("", "empty subtask reference")
		}
		if _, dup := index[n.ID]; dup {
			return domain.NewMalformedPlanError(n.ID, "duplicate subtask reference")
		}
		index[n.ID] = i
	}

	for _, n := range nodes {
		seen := make(map[string]bool, len(n.DependsOn))
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return domain.NewCycleError(n.ID, dep)
			}
			if _, ok := index[dep]; !ok {
				return domain.NewDanglingRefError(n.ID, dep)
			}
			if seen[dep] {
				return domain.NewMalformedPlanError(n.ID, "duplicate dependency "+dep)
			}
			seen[dep] = true
		}
	}

	// Check for cycles using DFS
	visited := make(map[string]bool, len(nodes))
	onStack := make(map[string]bool, len(nodes))

	var visit func(i int) *domain.PlanError
	visit = func(i int) *domain.PlanError {
		n := nodes[i]
		visited[n.ID] = true
		onStack[n.ID] = true

		for _, dep := range n.DependsOn {
			if !visited[dep] {
				if err := visit(index[dep]); err != nil {
					return err
				}
			} else if onStack[dep] {
				return domain.NewCycleError(n.ID, dep)
			}
		}

		onStack[n.ID] = false
		return nil
	}

	for i, n := range nodes {
		if !visited[n.ID] {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// NodesOf converts subtasks to validation nodes.
func NodesOf(subtasks []*domain.Subtask) []Node {
	nodes := make([]Node, len(subtasks))
	for i, st := range subtasks {
		nodes[i] = Node{ID: st.ID, DependsOn: st.DependsOn}
	}
	return nodes
}

// Graph is an indexed view over one Execution's subtasks.
type Graph struct {
	byID       map[string]*domain.Subtask
	ordered    []*domain.Subtask
	dependents map[string][]string
}

// New indexes subtasks. References to unknown ids are ignored here;
// Validate is the gate for structural errors.
func New(subtasks []*domain.Subtask) *Graph {
	g := &Graph{
		byID:       make(map[string]*domain.Subtask, len(subtasks)),
		ordered:    make([]*domain.Subtask, len(subtasks)),
		dependents: make(map[string][]string),
	}
	copy(g.ordered, subtasks)
	SortCandidates(g.ordered)
	for _, st := range g.ordered {
		g.byID[st.ID] = st
	}
	for _, st := range g.ordered {
		for _, dep := range st.DependsOn {
			if _, ok := g.byID[dep]; ok {
				g.dependents[dep] = append(g.dependents[dep], st.ID)
			}
		}
	}
	return g
}

// SortCandidates orders subtasks by declared position, then id.
func SortCandidates(subtasks []*domain.Subtask) {
	sort.SliceStable(subtasks, func(i, j int) bool {
		if subtasks[i].Position != subtasks[j].Position {
			return subtasks[i].Position < subtasks[j].Position
		}
		return subtasks[i].ID < subtasks[j].ID
	})
}

// Get returns a subtask by id.
func (g *Graph) Get(id string) (*domain.Subtask, bool) {
	st, ok := g.byID[id]
	return st, ok
}

// Subtasks returns all subtasks in candidate order.
func (g *Graph) Subtasks() []*domain.Subtask {
	return g.ordered
}

// DependenciesMet reports whether every dependency of st is completed.
func (g *Graph) DependenciesMet(st *domain.Subtask) bool {
	for _, dep := range st.DependsOn {
		d, ok := g.byID[dep]
		if !ok || d.Status != domain.SubtaskStatusCompleted {
			return false
		}
	}
	return true
}

// unreachableCause returns the first dependency that can never complete.
func (g *Graph) unreachableCause(st *domain.Subtask) (*domain.Subtask, bool) {
	for _, dep := range st.DependsOn {
		if d, ok := g.byID[dep]; ok && d.Status.IsUnreachableCause() {
			return d, true
		}
	}
	return nil, false
}

// Ready returns pending subtasks whose dependencies are all completed and
// whose retry backoff has elapsed, in candidate order.
func (g *Graph) Ready(now time.Time) []*domain.Subtask {
	var ready []*domain.Subtask
	for _, st := range g.ordered {
		if st.Status != domain.SubtaskStatusPending || !st.ReadyAt(now) {
			continue
		}
		if g.DependenciesMet(st) {
			ready = append(ready, st)
		}
	}
	return ready
}

// Unreachable returns pending subtasks with at least one failed or skipped
// dependency.
func (g *Graph) Unreachable() []*domain.Subtask {
	var out []*domain.Subtask
	for _, st := range g.ordered {
		if st.Status != domain.SubtaskStatusPending {
			continue
		}
		if _, ok := g.unreachableCause(st); ok {
			out = append(out, st)
		}
	}
	return out
}

// Dependents returns every subtask that transitively depends on id, in
// candidate order. id itself is not included.
func (g *Graph) Dependents(id string) []*domain.Subtask {
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.dependents[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var out []*domain.Subtask
	for _, st := range g.ordered {
		if st.ID != id && seen[st.ID] {
			out = append(out, st)
		}
	}
	return out
}

// InFlight counts assigned and running subtasks.
func (g *Graph) InFlight() int {
	n := 0
	for _, st := range g.ordered {
		if st.Status.IsInFlight() {
			n++
		}
	}
	return n
}

// AllTerminal reports whether every subtask is completed, failed or skipped.
func (g *Graph) AllTerminal() bool {
	for _, st := range g.ordered {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// DisplayStatus returns the status to show for st, deriving "blocked" for
// pending subtasks with unresolved dependencies.
func (g *Graph) DisplayStatus(st *domain.Subtask) string {
	if st.Status == domain.SubtaskStatusPending && !g.DependenciesMet(st) {
		return domain.StatusBlocked
	}
	return st.Status.String()
}

// Progress aggregates the subtask statuses.
func (g *Graph) Progress() domain.Progress {
	var p domain.Progress
	for _, st := range g.ordered {
		p.Total++
		switch st.Status {
		case domain.SubtaskStatusPending:
			if g.DependenciesMet(st) {
				p.Pending++
			} else {
				p.Blocked++
			}
		case domain.SubtaskStatusAssigned:
			p.Assigned++
		case domain.SubtaskStatusRunning:
			p.Running++
		case domain.SubtaskStatusCompleted:
			p.Completed++
		case domain.SubtaskStatusFailed:
			p.Failed++
		case domain.SubtaskStatusSkipped:
			p.Skipped++
		}
	}
	if p.Total > 0 {
		p.Percent = p.Done() * 100 / p.Total
	}
	return p
}

// TopologicalOrder returns subtasks so that every dependency precedes its
// dependents; ties keep candidate order. Unknown references are ignored.
func (g *Graph) TopologicalOrder() []*domain.Subtask {
	indegree := make(map[string]int, len(g.ordered))
	for _, st := range g.ordered {
		for _, dep := range st.DependsOn {
			if _, ok := g.byID[dep]; ok {
				indegree[st.ID]++
			}
		}
	}

	out := make([]*domain.Subtask, 0, len(g.ordered))
	done := make(map[string]bool, len(g.ordered))
	for len(out) < len(g.ordered) {
		progressed := false
		for _, st := range g.ordered {
			if done[st.ID] || indegree[st.ID] > 0 {
				continue
			}
			done[st.ID] = true
			out = append(out, st)
			for _, next := range g.dependents[st.ID] {
				indegree[next]--
			}
			progressed = true
			break
		}
		if !progressed {
			// cycle: append the remainder in candidate order
			for _, st := range g.ordered {
				if !done[st.ID] {
					out = append(out, st)
				}
			}
			break
		}
	}
	return out
}

// Depth returns the longest dependency chain length below each subtask,
// used for indentation by renderers.
func (g *Graph) Depth() map[string]int {
	depth := make(map[string]int, len(g.ordered))
	for _, st := range g.TopologicalOrder() {
		d := 0
		for _, dep := range st.DependsOn {
			if dd, ok := depth[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depth[st.ID] = d
	}
	return depth
}
