// Package graph provides the task dependency DAG used by the scheduler.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCycleDetected indicates an edge would introduce a circular dependency.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownTask indicates an edge endpoint does not exist in the graph.
var ErrUnknownTask = errors.New("unknown task")

// HourProvider resolves a task id to its estimated hours. The scheduler
// supplies this so the graph never owns task records.
type HourProvider func(taskID string) float64

// DependencyGraph represents a directed acyclic graph of task dependencies.
// An edge from -> to means "to depends on from". Completed nodes drop out
// of batch enumeration but stay visible to closure queries.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes is the set of known task ids.
	nodes map[string]bool
	// dependsOn maps task id to the ids it depends on.
	dependsOn map[string][]string
	// dependents maps task id to the ids that depend on it. Derived,
	// never ownership-bearing.
	dependents map[string][]string
	// completed tracks which tasks have been marked complete.
	completed map[string]bool
	// hours resolves task estimates for critical-path computation.
	hours HourProvider
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]bool),
		dependsOn:  make(map[string][]string),
		dependents: make(map[string][]string),
		completed:  make(map[string]bool),
		hours:      func(string) float64 { return 0 },
		debugLog:   func(format string, args ...interface{}) {},
	}
}

// SetHourProvider sets the resolver used for critical-path weights.
func (g *DependencyGraph) SetHourProvider(fn HourProvider) {
	if fn != nil {
		g.mu.Lock()
		g.hours = fn
		g.mu.Unlock()
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// AddNode registers a task id. Adding an existing node is a no-op.
func (g *DependencyGraph) AddNode(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.nodes[taskID] {
		g.nodes[taskID] = true
		g.dependsOn[taskID] = nil
	}
}

// AddEdge records that `to` depends on `from`.
// Fails with ErrUnknownTask if either endpoint is missing, and with
// ErrCycleDetected if the edge would introduce a cycle. On failure the
// graph is unchanged.
func (g *DependencyGraph) AddEdge(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.nodes[from] {
		return fmt.Errorf("edge %s -> %s: %w: %s", from, to, ErrUnknownTask, from)
	}
	if !g.nodes[to] {
		return fmt.Errorf("edge %s -> %s: %w: %s", from, to, ErrUnknownTask, to)
	}

	g.dependsOn[to] = append(g.dependsOn[to], from)
	g.dependents[from] = append(g.dependents[from], to)

	if g.hasCycleLocked() {
		// Roll back; the caller sees an unchanged graph.
		g.dependsOn[to] = g.dependsOn[to][:len(g.dependsOn[to])-1]
		g.dependents[from] = g.dependents[from][:len(g.dependents[from])-1]
		return fmt.Errorf("edge %s -> %s: %w", from, to, ErrCycleDetected)
	}

	g.debugLog("[graph.AddEdge] %s -> %s", from, to)
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.dependsOn[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// TopologicalBatches returns ordered levels of mutually independent tasks.
// Each batch contains every incomplete task whose incomplete prerequisites
// all lie in earlier batches. Within a batch, ids are sorted ascending so
// the output is deterministic.
func (g *DependencyGraph) TopologicalBatches() ([][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	// Remaining in-degree counting only incomplete prerequisites.
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		if g.completed[id] {
			continue
		}
		for _, depID := range g.dependsOn[id] {
			if !g.completed[depID] {
				indegree[id]++
			}
		}
	}

	pending := make(map[string]bool, len(g.nodes))
	for id := range g.nodes {
		if !g.completed[id] {
			pending[id] = true
		}
	}

	var batches [][]string
	for len(pending) > 0 {
		var batch []string
		for id := range pending {
			if indegree[id] == 0 {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			// Unreachable once acyclicity holds, but never loop forever.
			return nil, ErrCycleDetected
		}

		sort.Strings(batch)
		batches = append(batches, batch)

		for _, id := range batch {
			delete(pending, id)
			for _, depID := range g.dependents[id] {
				if pending[depID] {
					indegree[depID]--
				}
			}
		}
	}

	return batches, nil
}

// CriticalPath returns the longest dependency chain measured by summed
// estimated hours, as an ordered list of task ids from first to last.
// Ties break toward the ascending first-node id.
func (g *DependencyGraph) CriticalPath() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil
	}

	// Longest path ending at each node, memoized.
	type pathInfo struct {
		hours float64
		path  []string
	}
	memo := make(map[string]pathInfo, len(g.nodes))

	var longestTo func(id string) pathInfo
	longestTo = func(id string) pathInfo {
		if info, ok := memo[id]; ok {
			return info
		}

		best := pathInfo{hours: g.hours(id), path: []string{id}}
		var bestDep pathInfo
		found := false
		for _, depID := range g.dependsOn[id] {
			info := longestTo(depID)
			if !found || info.hours > bestDep.hours ||
				(info.hours == bestDep.hours && info.path[0] < bestDep.path[0]) {
				bestDep = info
				found = true
			}
		}
		if found {
			best.hours = bestDep.hours + g.hours(id)
			best.path = append(append([]string(nil), bestDep.path...), id)
		}

		memo[id] = best
		return best
	}

	var overall pathInfo
	have := false
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		info := longestTo(id)
		if !have || info.hours > overall.hours ||
			(info.hours == overall.hours && info.path[0] < overall.path[0]) {
			overall = info
			have = true
		}
	}

	if !have {
		return nil
	}
	return overall.path
}

// MarkCompleted removes a task from future batch enumeration while
// retaining it for closure queries. Marking twice is a no-op.
func (g *DependencyGraph) MarkCompleted(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.completed[taskID] {
		return
	}
	g.completed[taskID] = true
	g.debugLog("[graph.MarkCompleted] %s", taskID)
}

// IsCompleted returns true if the task has been marked complete.
func (g *DependencyGraph) IsCompleted(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.completed[taskID]
}

// Contains returns true if the task id is a node in the graph.
func (g *DependencyGraph) Contains(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the ids of tasks the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependsOn[taskID]...)
}

// Dependents returns the ids of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// Ready returns incomplete task ids whose dependencies are all complete,
// sorted ascending.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if g.completed[id] {
			continue
		}
		ok := true
		for _, depID := range g.dependsOn[id] {
			if !g.completed[depID] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}

	sort.Strings(ready)
	return ready
}

// CompletedIDs returns all task ids marked complete, sorted ascending.
func (g *DependencyGraph) CompletedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for id, done := range g.completed {
		if done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
