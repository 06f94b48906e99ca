// Package workflow tracks the phase and sub-phase lifecycle of each
// workflow: validated transitions against a static table, weighted
// progress aggregation, and persisted snapshots.
package workflow

import (
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/pkg/faults"
)

// snapshotVersion is the persisted snapshot schema version.
const snapshotVersion = 1

// Phase is a workflow lifecycle phase.
type Phase string

const (
	PhaseInitialization Phase = "initialization"
	PhaseDecomposition  Phase = "decomposition"
	PhaseOrchestration  Phase = "orchestration"
	PhaseExecution      Phase = "execution"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
	PhaseCancelled      Phase = "cancelled"
)

// phaseOrder is the happy-path phase sequence.
var phaseOrder = []Phase{
	PhaseInitialization,
	PhaseDecomposition,
	PhaseOrchestration,
	PhaseExecution,
	PhaseCompleted,
}

// phaseWeights drive overall progress aggregation. Terminal failure
// phases carry no weight.
var phaseWeights = map[Phase]float64{
	PhaseInitialization: 5,
	PhaseDecomposition:  30,
	PhaseOrchestration:  15,
	PhaseExecution:      45,
	PhaseCompleted:      5,
	PhaseFailed:         0,
	PhaseCancelled:      0,
}

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	_, ok := phaseWeights[p]
	return ok
}

// Terminal returns true for phases with no successor.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// next returns the phase after p on the happy path.
func (p Phase) next() (Phase, bool) {
	for i, phase := range phaseOrder {
		if phase == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], true
		}
	}
	return "", false
}

// State is the execution state of a phase or sub-phase.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateBlocked    State = "blocked"
	StateRetrying   State = "retrying"
)

// transitions is the static table of valid state transitions.
var transitions = map[State][]State{
	StatePending:    {StateInProgress, StateCancelled, StateBlocked},
	StateInProgress: {StateCompleted, StateFailed, StateCancelled, StateRetrying, StateBlocked},
	StateBlocked:    {StateInProgress, StateFailed, StateCancelled},
	StateRetrying:   {StateInProgress, StateFailed, StateCancelled},
	// completed, failed, cancelled are terminal.
}

// canTransition returns true if from -> to appears in the table.
func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SubPhaseExecution is the live state of one sub-phase.
type SubPhaseExecution struct {
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	State    State   `json:"state"`
	Progress float64 `json:"progress"`
}

// PhaseStatus is the live state of one phase.
type PhaseStatus struct {
	Phase     Phase                `json:"phase"`
	State     State                `json:"state"`
	Progress  float64              `json:"progress"`
	SubPhases []*SubPhaseExecution `json:"sub_phases,omitempty"`
	StartTime *time.Time           `json:"start_time,omitempty"`
	EndTime   *time.Time           `json:"end_time,omitempty"`
}

// TransitionRecord is one entry in the append-only transition log.
type TransitionRecord struct {
	Time  time.Time `json:"time"`
	Phase Phase     `json:"phase"`
	From  State     `json:"from"`
	To    State     `json:"to"`
}

// WorkflowState is the full persisted state of one workflow.
type WorkflowState struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"task_id,omitempty"`
	CurrentPhase Phase                  `json:"current_phase"`
	Phases       map[Phase]*PhaseStatus `json:"phases"`
	Progress     float64                `json:"progress"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	Transitions  []TransitionRecord     `json:"transitions,omitempty"`
	Version      int                    `json:"version"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// TransitionListener observes committed transitions.
type TransitionListener func(workflowID string, phase Phase, from, to State)

// Manager owns workflow states and serializes their transitions.
type Manager struct {
	mu sync.Mutex

	// outputDir is where snapshots persist. Empty disables persistence.
	outputDir string
	debugLog  *logging.DebugLogger
	now       func() time.Time

	workflows map[string]*WorkflowState
	listeners []TransitionListener
}

// Option configures a Manager.
type Option func(*Manager)

// WithOutputDir enables snapshot persistence under the given directory.
func WithOutputDir(dir string) Option {
	return func(m *Manager) { m.outputDir = dir }
}

// WithTransitionListener subscribes a listener to committed transitions.
func WithTransitionListener(l TransitionListener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a workflow manager.
func NewManager(debugLog *logging.DebugLogger, opts ...Option) *Manager {
	m := &Manager{
		debugLog:  debugLog,
		now:       time.Now,
		workflows: make(map[string]*WorkflowState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartWorkflow creates a workflow in the initialization phase, pending.
// Starting an existing id fails.
func (m *Manager) StartWorkflow(workflowID, taskID string) (*WorkflowState, error) {
	if workflowID == "" {
		return nil, faults.New(faults.Validation, "workflow", "StartWorkflow",
			"empty workflow id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[workflowID]; exists {
		return nil, faults.New(faults.Validation, "workflow", "StartWorkflow",
			"workflow %s already exists", workflowID)
	}

	now := m.now()
	ws := &WorkflowState{
		ID:           workflowID,
		TaskID:       taskID,
		CurrentPhase: PhaseInitialization,
		Phases:       make(map[Phase]*PhaseStatus, len(phaseOrder)),
		StartTime:    now,
		Version:      snapshotVersion,
		UpdatedAt:    now,
	}
	for _, phase := range phaseOrder {
		ws.Phases[phase] = newPhaseStatus(phase)
	}

	m.workflows[workflowID] = ws
	m.persistLocked(ws)
	m.debugLog.Log("[workflow.StartWorkflow] %s", workflowID)

	return ws.clone(), nil
}

// newPhaseStatus builds a pending phase with its catalog sub-phases.
func newPhaseStatus(phase Phase) *PhaseStatus {
	pe := &PhaseStatus{Phase: phase, State: StatePending}
	for _, spec := range SubPhases(phase) {
		pe.SubPhases = append(pe.SubPhases, &SubPhaseExecution{
			Name:   spec.Name,
			Weight: spec.Weight,
			State:  StatePending,
		})
	}
	return pe
}

// Transition moves the current phase of a workflow to a new state. An
// edge outside the static table fails with an invariant fault. A phase
// completing on a non-terminal phase advances the workflow to the next
// phase, pending; a phase failing or cancelling moves the workflow into
// the corresponding terminal phase.
func (m *Manager) Transition(workflowID string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.getLocked(workflowID)
	if err != nil {
		return err
	}
	if ws.CurrentPhase.Terminal() {
		return faults.New(faults.Invariant, "workflow", "Transition",
			"workflow %s is in terminal phase %s", workflowID, ws.CurrentPhase)
	}

	pe := ws.Phases[ws.CurrentPhase]
	from := pe.State
	if !canTransition(from, to) {
		return faults.New(faults.Invariant, "workflow", "Transition",
			"invalid transition %s:%s -> %s", ws.CurrentPhase, from, to).
			With("workflow", workflowID)
	}

	now := m.now()
	pe.State = to
	ws.Transitions = append(ws.Transitions, TransitionRecord{
		Time:  now,
		Phase: ws.CurrentPhase,
		From:  from,
		To:    to,
	})
	ws.UpdatedAt = now

	switch to {
	case StateInProgress:
		if pe.StartTime == nil {
			pe.StartTime = &now
		}
	case StateCompleted:
		pe.Progress = 100
		for _, sp := range pe.SubPhases {
			sp.State = StateCompleted
			sp.Progress = 100
		}
		pe.EndTime = &now
		if next, ok := ws.CurrentPhase.next(); ok {
			ws.CurrentPhase = next
		}
		if ws.CurrentPhase.Terminal() {
			// The terminal completed phase has no work of its own; entering
			// it earns its weight so the workflow reads 100%.
			if tp := ws.Phases[ws.CurrentPhase]; tp != nil {
				tp.State = StateCompleted
				tp.Progress = 100
				for _, sp := range tp.SubPhases {
					sp.State = StateCompleted
					sp.Progress = 100
				}
				tp.StartTime = &now
				tp.EndTime = &now
			}
			ws.EndTime = &now
		}
	case StateFailed:
		pe.EndTime = &now
		ws.CurrentPhase = PhaseFailed
		ws.EndTime = &now
	case StateCancelled:
		pe.EndTime = &now
		ws.CurrentPhase = PhaseCancelled
		ws.EndTime = &now
	}

	ws.Progress = overallProgress(ws)
	m.persistLocked(ws)

	phase := ws.Transitions[len(ws.Transitions)-1].Phase
	for _, l := range m.listeners {
		l(workflowID, phase, from, to)
	}
	m.debugLog.Log("[workflow.Transition] %s %s:%s -> %s", workflowID, phase, from, to)

	return nil
}

// UpdateSubPhaseProgress sets a sub-phase's progress in [0,100] and
// rolls the weighted average up into the parent phase and the overall
// progress. Reaching 100 auto-completes the sub-phase.
func (m *Manager) UpdateSubPhaseProgress(workflowID, subPhase string, progress float64) error {
	if progress < 0 || progress > 100 {
		return faults.New(faults.Validation, "workflow", "UpdateSubPhaseProgress",
			"progress %v outside [0,100]", progress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.getLocked(workflowID)
	if err != nil {
		return err
	}

	pe := ws.Phases[ws.CurrentPhase]
	var target *SubPhaseExecution
	for _, sp := range pe.SubPhases {
		if sp.Name == subPhase {
			target = sp
			break
		}
	}
	if target == nil {
		return faults.New(faults.Validation, "workflow", "UpdateSubPhaseProgress",
			"phase %s has no sub-phase %q", ws.CurrentPhase, subPhase)
	}

	target.Progress = progress
	if progress >= 100 {
		target.State = StateCompleted
	} else if target.State == StatePending && progress > 0 {
		target.State = StateInProgress
	}

	// Parent phase progress is the weighted average of its sub-phases.
	var sum float64
	for _, sp := range pe.SubPhases {
		sum += sp.Weight * sp.Progress
	}
	pe.Progress = sum

	ws.Progress = overallProgress(ws)
	ws.UpdatedAt = m.now()
	m.persistLocked(ws)

	return nil
}

// overallProgress aggregates phase progress by the static phase weights.
func overallProgress(ws *WorkflowState) float64 {
	var total, weighted float64
	for _, phase := range phaseOrder {
		w := phaseWeights[phase]
		total += w
		if pe, ok := ws.Phases[phase]; ok {
			weighted += w * pe.Progress
		}
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}

// Get returns a copy of a workflow state, rehydrating from disk when it
// is not in memory. Malformed snapshots read as absent.
func (m *Manager) Get(workflowID string) (*WorkflowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.getLocked(workflowID)
	if err != nil {
		return nil, false
	}
	return ws.clone(), true
}

// Progress returns the overall progress of a workflow in [0,100].
func (m *Manager) Progress(workflowID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws, err := m.getLocked(workflowID)
	if err != nil {
		return 0, err
	}
	return ws.Progress, nil
}

// getLocked finds a workflow in memory or rehydrates it from disk.
func (m *Manager) getLocked(workflowID string) (*WorkflowState, error) {
	if ws, ok := m.workflows[workflowID]; ok {
		return ws, nil
	}

	if m.outputDir != "" {
		if ws, err := loadSnapshot(m.outputDir, workflowID); err == nil {
			m.workflows[workflowID] = ws
			return ws, nil
		}
	}

	return nil, faults.New(faults.Validation, "workflow", "get",
		"unknown workflow %s", workflowID)
}

// persistLocked writes a snapshot if persistence is enabled.
func (m *Manager) persistLocked(ws *WorkflowState) {
	if m.outputDir == "" {
		return
	}
	if err := saveSnapshot(m.outputDir, ws); err != nil {
		m.debugLog.Log("[workflow.persist] %s: %v", ws.ID, err)
	}
}

// clone returns a deep copy safe to hand to callers.
func (ws *WorkflowState) clone() *WorkflowState {
	cp := *ws
	cp.Phases = make(map[Phase]*PhaseStatus, len(ws.Phases))
	for phase, pe := range ws.Phases {
		pcp := *pe
		pcp.SubPhases = make([]*SubPhaseExecution, len(pe.SubPhases))
		for i, sp := range pe.SubPhases {
			scp := *sp
			pcp.SubPhases[i] = &scp
		}
		cp.Phases[phase] = &pcp
	}
	cp.Transitions = append([]TransitionRecord(nil), ws.Transitions...)
	if ws.EndTime != nil {
		t := *ws.EndTime
		cp.EndTime = &t
	}
	return &cp
}
