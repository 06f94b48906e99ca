// Package epic derives the project-level dependency view from
// task-level data: epic edges with computed strength, execution order,
// parallel phases, and conflict detection.
package epic

import (
	"fmt"
	"sort"

	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Strength classification boundaries.
const (
	blocksThreshold   = 0.7
	requiresThreshold = 0.5
	suggestsThreshold = 0.3
)

// TaskEdge is one task-level dependency: To depends on From.
type TaskEdge struct {
	From string
	To   string
}

// Phase is one parallel execution phase of epics.
type Phase struct {
	// Index is the phase number, starting at 0.
	Index int `json:"index"`
	// EpicIDs lists the epics executable in parallel in this phase.
	EpicIDs []string `json:"epic_ids"`
	// EstimatedHours is the phase duration: the longest member epic.
	EstimatedHours float64 `json:"estimated_hours"`
}

// ConflictType classifies a detected planning conflict.
type ConflictType string

const (
	// ConflictCircular is a dependency cycle between epics.
	ConflictCircular ConflictType = "circular_dependency"
	// ConflictPriorityInversion is a lower-priority epic blocking a
	// higher-priority one.
	ConflictPriorityInversion ConflictType = "priority_inversion"
	// ConflictSharedResource is two unordered epics touching the same
	// files.
	ConflictSharedResource ConflictType = "shared_resource"
)

// Conflict is one detected planning conflict.
type Conflict struct {
	Type ConflictType `json:"type"`
	// EpicIDs lists the epics involved.
	EpicIDs []string `json:"epic_ids"`
	// Critical conflicts must be resolved before execution.
	Critical bool `json:"critical"`
	// Detail explains the conflict.
	Detail string `json:"detail"`
}

// Manager derives and maintains the epic-level dependency view.
type Manager struct {
	// minDependencyStrength is the floor below which derived edges are
	// discarded.
	minDependencyStrength float64
	debugLog              *logging.DebugLogger
}

// NewManager creates an epic manager. Strength below the given minimum
// never materializes as an edge.
func NewManager(minDependencyStrength float64, debugLog *logging.DebugLogger) *Manager {
	if minDependencyStrength <= 0 {
		minDependencyStrength = suggestsThreshold
	}
	return &Manager{
		minDependencyStrength: minDependencyStrength,
		debugLog:              debugLog,
	}
}

// ValidateConsistency checks that Epic.TaskIDs and AtomicTask.EpicID
// agree in both directions.
func (m *Manager) ValidateConsistency(epics []*models.Epic, tasks []*models.AtomicTask) error {
	taskByID := make(map[string]*models.AtomicTask, len(tasks))
	for _, t := range tasks {
		taskByID[t.ID] = t
	}

	for _, e := range epics {
		for _, taskID := range e.TaskIDs {
			t, ok := taskByID[taskID]
			if !ok {
				return faults.New(faults.Validation, "epic", "ValidateConsistency",
					"epic %s lists unknown task %s", e.ID, taskID)
			}
			if t.EpicID != e.ID {
				return faults.New(faults.Validation, "epic", "ValidateConsistency",
					"task %s lists epic %q but epic %s claims it", t.ID, t.EpicID, e.ID)
			}
		}
	}

	epicByID := make(map[string]*models.Epic, len(epics))
	for _, e := range epics {
		epicByID[e.ID] = e
	}
	for _, t := range tasks {
		if t.EpicID == "" {
			continue
		}
		e, ok := epicByID[t.EpicID]
		if !ok {
			return faults.New(faults.Validation, "epic", "ValidateConsistency",
				"task %s lists unknown epic %s", t.ID, t.EpicID)
		}
		if !e.HasTask(t.ID) {
			return faults.New(faults.Validation, "epic", "ValidateConsistency",
				"task %s claims epic %s but the epic does not list it", t.ID, t.EpicID)
		}
	}

	return nil
}

// DeriveEpicDependencies groups cross-epic task edges and computes an
// epic edge per (from, to) pair. Strength combines edge density across
// both epics' task counts; edges below the minimum strength are
// dropped, and the rest classify as blocks, requires, or suggests.
func (m *Manager) DeriveEpicDependencies(epics []*models.Epic, tasks []*models.AtomicTask, edges []TaskEdge) []*models.EpicDependency {
	epicOf := make(map[string]string, len(tasks))
	for _, t := range tasks {
		epicOf[t.ID] = t.EpicID
	}
	taskCount := make(map[string]int, len(epics))
	for _, e := range epics {
		taskCount[e.ID] = len(e.TaskIDs)
	}

	type pair struct{ from, to string }
	edgeCount := make(map[pair]int)
	for _, edge := range edges {
		fromEpic, toEpic := epicOf[edge.From], epicOf[edge.To]
		if fromEpic == "" || toEpic == "" || fromEpic == toEpic {
			continue
		}
		edgeCount[pair{fromEpic, toEpic}]++
	}

	var deps []*models.EpicDependency
	for p, count := range edgeCount {
		fromTasks, toTasks := taskCount[p.from], taskCount[p.to]
		if fromTasks == 0 || toTasks == 0 {
			continue
		}

		density := float64(count) / float64(fromTasks*toTasks)
		coverage := float64(count) / float64(max(fromTasks, toTasks))
		if coverage > 1 {
			coverage = 1
		}
		strength := 0.4*density + 0.6*coverage

		if strength < m.minDependencyStrength {
			continue
		}

		dep := &models.EpicDependency{
			FromEpicID:    p.from,
			ToEpicID:      p.to,
			Strength:      strength,
			TaskEdgeCount: count,
		}
		switch {
		case strength > blocksThreshold:
			dep.Type = models.EpicDepBlocks
			dep.Critical = true
		case strength > requiresThreshold:
			dep.Type = models.EpicDepRequires
		default:
			dep.Type = models.EpicDepSuggests
		}
		deps = append(deps, dep)
	}

	sort.Slice(deps, func(i, j int) bool {
		if deps[i].FromEpicID != deps[j].FromEpicID {
			return deps[i].FromEpicID < deps[j].FromEpicID
		}
		return deps[i].ToEpicID < deps[j].ToEpicID
	})

	m.debugLog.Log("[epic.DeriveEpicDependencies] epics=%d edges=%d derived=%d",
		len(epics), len(edges), len(deps))
	return deps
}

// ExecutionOrder returns a topological order of the epics under the
// given dependencies. A cycle fails with a validation fault.
func (m *Manager) ExecutionOrder(epics []*models.Epic, deps []*models.EpicDependency) ([]string, error) {
	indegree := make(map[string]int, len(epics))
	dependents := make(map[string][]string, len(epics))
	for _, e := range epics {
		indegree[e.ID] = 0
	}
	for _, d := range deps {
		if _, ok := indegree[d.FromEpicID]; !ok {
			continue
		}
		if _, ok := indegree[d.ToEpicID]; !ok {
			continue
		}
		indegree[d.ToEpicID]++
		dependents[d.FromEpicID] = append(dependents[d.FromEpicID], d.ToEpicID)
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				unlocked = append(unlocked, dep)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}

	if len(order) != len(epics) {
		return nil, faults.New(faults.Validation, "epic", "ExecutionOrder",
			"dependency cycle among epics")
	}
	return order, nil
}

// GeneratePhases levels the epic DAG breadth-first: each phase holds the
// epics whose predecessors all sit in earlier phases. Phase duration is
// the longest member epic's estimate.
func (m *Manager) GeneratePhases(epics []*models.Epic, deps []*models.EpicDependency) ([]*Phase, error) {
	epicByID := make(map[string]*models.Epic, len(epics))
	indegree := make(map[string]int, len(epics))
	dependents := make(map[string][]string, len(epics))
	for _, e := range epics {
		epicByID[e.ID] = e
		indegree[e.ID] = 0
	}
	for _, d := range deps {
		if _, ok := indegree[d.FromEpicID]; !ok {
			continue
		}
		if _, ok := indegree[d.ToEpicID]; !ok {
			continue
		}
		indegree[d.ToEpicID]++
		dependents[d.FromEpicID] = append(dependents[d.FromEpicID], d.ToEpicID)
	}

	pending := len(epics)
	var phases []*Phase
	for pending > 0 {
		var level []string
		for id, deg := range indegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, faults.New(faults.Validation, "epic", "GeneratePhases",
				"dependency cycle among epics")
		}
		sort.Strings(level)

		phase := &Phase{Index: len(phases), EpicIDs: level}
		for _, id := range level {
			if h := epicByID[id].EstimatedHours; h > phase.EstimatedHours {
				phase.EstimatedHours = h
			}
			delete(indegree, id)
			pending--
			for _, dep := range dependents[id] {
				if _, ok := indegree[dep]; ok {
					indegree[dep]--
				}
			}
		}
		phases = append(phases, phase)
	}

	return phases, nil
}

// DetectConflicts scans the epic graph for planning conflicts: cycles
// (critical), priority inversions, and unordered epics sharing files.
func (m *Manager) DetectConflicts(epics []*models.Epic, tasks []*models.AtomicTask, deps []*models.EpicDependency) []*Conflict {
	var conflicts []*Conflict

	if cycle := findCycle(epics, deps); cycle != nil {
		conflicts = append(conflicts, &Conflict{
			Type:     ConflictCircular,
			EpicIDs:  cycle,
			Critical: true,
			Detail:   fmt.Sprintf("epics form a dependency cycle: %v", cycle),
		})
	}

	epicByID := make(map[string]*models.Epic, len(epics))
	for _, e := range epics {
		epicByID[e.ID] = e
	}

	for _, d := range deps {
		from, to := epicByID[d.FromEpicID], epicByID[d.ToEpicID]
		if from == nil || to == nil {
			continue
		}
		if from.Priority.Score() < to.Priority.Score() {
			conflicts = append(conflicts, &Conflict{
				Type:    ConflictPriorityInversion,
				EpicIDs: []string{from.ID, to.ID},
				Detail: fmt.Sprintf("%s-priority epic %s blocks %s-priority epic %s",
					from.Priority, from.ID, to.Priority, to.ID),
			})
		}
	}

	conflicts = append(conflicts, sharedFileConflicts(epics, tasks, deps)...)
	return conflicts
}

// sharedFileConflicts finds unordered epic pairs whose tasks modify the
// same files.
func sharedFileConflicts(epics []*models.Epic, tasks []*models.AtomicTask, deps []*models.EpicDependency) []*Conflict {
	ordered := make(map[[2]string]bool, len(deps))
	for _, d := range deps {
		ordered[[2]string{d.FromEpicID, d.ToEpicID}] = true
		ordered[[2]string{d.ToEpicID, d.FromEpicID}] = true
	}

	filesOf := make(map[string]map[string]bool, len(epics))
	for _, t := range tasks {
		if t.EpicID == "" {
			continue
		}
		if filesOf[t.EpicID] == nil {
			filesOf[t.EpicID] = make(map[string]bool)
		}
		for _, p := range t.FilePaths {
			filesOf[t.EpicID][p] = true
		}
	}

	var conflicts []*Conflict
	for i := 0; i < len(epics); i++ {
		for j := i + 1; j < len(epics); j++ {
			a, b := epics[i].ID, epics[j].ID
			if ordered[[2]string{a, b}] {
				continue
			}

			var shared []string
			for p := range filesOf[a] {
				if filesOf[b][p] {
					shared = append(shared, p)
				}
			}
			if len(shared) == 0 {
				continue
			}
			sort.Strings(shared)
			conflicts = append(conflicts, &Conflict{
				Type:    ConflictSharedResource,
				EpicIDs: []string{a, b},
				Detail:  fmt.Sprintf("unordered epics touch the same files: %v", shared),
			})
		}
	}
	return conflicts
}

// findCycle returns the ids on one dependency cycle, or nil.
func findCycle(epics []*models.Epic, deps []*models.EpicDependency) []string {
	adj := make(map[string][]string, len(epics))
	known := make(map[string]bool, len(epics))
	for _, e := range epics {
		known[e.ID] = true
	}
	for _, d := range deps {
		if known[d.FromEpicID] && known[d.ToEpicID] {
			adj[d.FromEpicID] = append(adj[d.FromEpicID], d.ToEpicID)
		}
	}

	colors := make(map[string]int, len(epics))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, next := range adj[id] {
			switch colors[next] {
			case 1:
				// Found a back edge; slice the cycle out of the stack.
				for i, s := range stack {
					if s == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
			case 0:
				if visit(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	ids := make([]string, 0, len(epics))
	for _, e := range epics {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}
