// Package orchestrator wires the scheduler, lock manager, execution
// coordinator, workflow tracker, and epic manager into one engine. The
// core owns the project lifecycle: submit tasks, derive epic edges,
// generate a schedule, drive execution batch by batch, and track
// workflow progress.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/coordinator"
	"github.com/ShayCichocki/dispatch/internal/epic"
	"github.com/ShayCichocki/dispatch/internal/llm"
	"github.com/ShayCichocki/dispatch/internal/locks"
	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/internal/scheduler"
	"github.com/ShayCichocki/dispatch/internal/state"
	"github.com/ShayCichocki/dispatch/internal/workflow"
	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Core is the orchestration engine.
type Core struct {
	mu sync.Mutex

	cfg      *config.Config
	debugLog *logging.DebugLogger

	store  state.Store // nil disables persistence
	caller llm.Caller  // nil disables LLM discovery

	locks     *locks.Manager
	sched     *scheduler.Scheduler
	coord     *coordinator.Coordinator
	workflows *workflow.Manager
	epics     *epic.Manager

	// events republishes coordinator events to callers.
	events   chan coordinator.Event
	pumpStop chan struct{}
	pumpDone chan struct{}

	// batchRetryWait is how long Run waits before re-offering a batch
	// that found no viable agent.
	batchRetryWait time.Duration

	running bool
}

// Option configures a Core.
type Option func(*Core)

// WithStore enables SQLite persistence of projects, tasks, epics, and
// derived epic dependencies.
func WithStore(s state.Store) Option {
	return func(c *Core) { c.store = s }
}

// WithLLMCaller enables intelligent epic relationship discovery.
func WithLLMCaller(caller llm.Caller) Option {
	return func(c *Core) { c.caller = caller }
}

// WithBatchRetryWait overrides how long Run waits before retrying a
// batch that exhausted the agent pool.
func WithBatchRetryWait(d time.Duration) Option {
	return func(c *Core) {
		if d > 0 {
			c.batchRetryWait = d
		}
	}
}

// New creates the orchestration core. The agent channel is the outbound
// transport to agents; everything else is built from the configuration.
func New(cfg *config.Config, channel coordinator.AgentChannel, debugLog *logging.DebugLogger, opts ...Option) *Core {
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Core{
		cfg:            cfg,
		debugLog:       debugLog,
		events:         make(chan coordinator.Event, 256),
		pumpStop:       make(chan struct{}),
		pumpDone:       make(chan struct{}),
		batchRetryWait: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.locks = locks.NewManager(lockConfig(cfg.Locks), debugLog)
	c.coord = coordinator.New(&cfg.Execution, c.locks, channel, debugLog)
	c.sched = scheduler.New(&cfg.Scheduling, debugLog,
		scheduler.WithAgentProvider(c.coord.Agents))
	c.workflows = workflow.NewManager(debugLog,
		workflow.WithOutputDir(cfg.Scheduling.OutputDir))
	c.epics = epic.NewManager(0, debugLog)

	return c
}

// lockConfig maps the loaded lock settings onto the lock manager's
// tuning, keeping its defaults for anything unset.
func lockConfig(cfg config.LocksConfig) locks.Config {
	lc := locks.DefaultConfig()
	if cfg.DefaultLockTimeout > 0 {
		lc.DefaultTimeout = cfg.DefaultLockTimeout
	}
	if cfg.MaxLockTimeout > 0 {
		lc.MaxTimeout = cfg.MaxLockTimeout
	}
	if cfg.LockCleanupInterval > 0 {
		lc.CleanupInterval = cfg.LockCleanupInterval
	}
	lc.EnableDeadlockDetection = cfg.EnableDeadlockDetection
	lc.EnableAuditTrail = cfg.EnableLockAuditTrail
	return lc
}

// Start brings up the coordinator and background loops.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return faults.New(faults.Invariant, "orchestrator", "Start", "already running")
	}
	c.running = true
	c.mu.Unlock()

	if err := c.coord.Start(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	go c.pumpEvents()

	if c.cfg.Scheduling.EnableDynamicOptimization {
		c.sched.StartOptimization()
	}

	c.debugLog.Log("[orchestrator.Start] core running")
	return nil
}

// Stop shuts down the optimization loop, the coordinator, and the lock
// manager, in that order.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.sched.StopOptimization()
	c.coord.Stop()
	close(c.pumpStop)
	<-c.pumpDone
	c.locks.Close()

	c.debugLog.Log("[orchestrator.Stop] core stopped")
}

// Events returns the republished coordinator event stream.
func (c *Core) Events() <-chan coordinator.Event {
	return c.events
}

// RegisterAgent adds an agent to the execution pool.
func (c *Core) RegisterAgent(agent *models.Agent) error {
	return c.coord.RegisterAgent(agent)
}

// UnregisterAgent removes an agent and cancels its executions.
func (c *Core) UnregisterAgent(agentID string) {
	c.coord.UnregisterAgent(agentID)
}

// Heartbeat records agent liveness.
func (c *Core) Heartbeat(agentID string) {
	c.coord.Heartbeat(agentID)
}

// SubmitTasks validates and persists a task set, derives epic
// dependencies when epics are given, generates a schedule, and starts
// the project workflow through its planning phases.
func (c *Core) SubmitTasks(projectID string, tasks []*models.AtomicTask, epics []*models.Epic) (*models.ExecutionSchedule, error) {
	if projectID == "" {
		return nil, faults.New(faults.Validation, "orchestrator", "SubmitTasks",
			"empty project id")
	}

	if _, err := c.workflows.StartWorkflow(projectID, ""); err != nil {
		return nil, err
	}
	// Initialization holds until the inputs check out.
	if err := c.workflows.Transition(projectID, workflow.StateInProgress); err != nil {
		return nil, err
	}

	if len(epics) > 0 {
		if err := c.epics.ValidateConsistency(epics, tasks); err != nil {
			c.failWorkflow(projectID)
			return nil, err
		}
	}

	if err := c.persistSubmission(projectID, tasks, epics); err != nil {
		c.failWorkflow(projectID)
		return nil, err
	}
	if err := c.workflows.Transition(projectID, workflow.StateCompleted); err != nil {
		return nil, err
	}

	// Decomposition: derive the epic-level view from the task edges.
	if err := c.workflows.Transition(projectID, workflow.StateInProgress); err != nil {
		return nil, err
	}
	if len(epics) > 0 {
		deps := c.epics.DeriveEpicDependencies(epics, tasks, taskEdges(tasks))
		if err := c.persistEpicDependencies(epics, deps); err != nil {
			c.failWorkflow(projectID)
			return nil, err
		}
	}
	if err := c.workflows.Transition(projectID, workflow.StateCompleted); err != nil {
		return nil, err
	}

	// Orchestration: build the schedule.
	if err := c.workflows.Transition(projectID, workflow.StateInProgress); err != nil {
		return nil, err
	}
	schedule, err := c.sched.GenerateSchedule(tasks, projectID)
	if err != nil {
		c.failWorkflow(projectID)
		return nil, err
	}
	if err := c.workflows.Transition(projectID, workflow.StateCompleted); err != nil {
		return nil, err
	}

	c.debugLog.Log("[orchestrator.SubmitTasks] project=%s tasks=%d epics=%d schedule=%s",
		projectID, len(tasks), len(epics), schedule.ID)
	return schedule, nil
}

// taskEdges flattens task dependencies into explicit edges.
func taskEdges(tasks []*models.AtomicTask) []epic.TaskEdge {
	var edges []epic.TaskEdge
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			edges = append(edges, epic.TaskEdge{From: dep, To: t.ID})
		}
	}
	return edges
}

// persistSubmission writes the project, tasks, and epics to the store.
func (c *Core) persistSubmission(projectID string, tasks []*models.AtomicTask, epics []*models.Epic) error {
	if c.store == nil {
		return nil
	}

	existing, err := c.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if existing == nil {
		project := &state.Project{
			ID:        projectID,
			Name:      projectID,
			Status:    state.ProjectActive,
			CreatedAt: time.Now(),
		}
		if err := c.store.CreateProject(project); err != nil {
			return err
		}
	}

	for _, e := range epics {
		have, err := c.store.GetEpic(e.ID)
		if err != nil {
			return err
		}
		if have == nil {
			err = c.store.CreateEpic(e)
		} else {
			err = c.store.UpdateEpic(e)
		}
		if err != nil {
			return err
		}
	}

	for _, t := range tasks {
		have, err := c.store.GetTask(t.ID)
		if err != nil {
			return err
		}
		if have == nil {
			err = c.store.CreateTask(t)
		} else {
			err = c.store.UpdateTask(t)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// persistEpicDependencies stores the derived epic edges.
func (c *Core) persistEpicDependencies(epics []*models.Epic, deps []*models.EpicDependency) error {
	if c.store == nil {
		return nil
	}
	ids := make([]string, 0, len(epics))
	for _, e := range epics {
		ids = append(ids, e.ID)
	}
	return c.store.ReplaceEpicDependencies(ids, deps)
}

// DiscoverEpicRelationships runs LLM-backed discovery over the stored
// epic set and persists any accepted edges alongside the derived ones.
func (c *Core) DiscoverEpicRelationships(ctx context.Context, epics []*models.Epic, existing []*models.EpicDependency) ([]*models.EpicDependency, error) {
	if c.caller == nil {
		return nil, faults.New(faults.Configuration, "orchestrator", "DiscoverEpicRelationships",
			"no LLM caller configured")
	}

	discovered, err := c.epics.DiscoverIntelligentRelationships(ctx, c.caller, epics, existing)
	if err != nil {
		return nil, err
	}
	if len(discovered) > 0 {
		if err := c.persistEpicDependencies(epics, append(existing, discovered...)); err != nil {
			return nil, err
		}
	}
	return discovered, nil
}

// EpicPhases levels the epic DAG into parallel execution phases.
func (c *Core) EpicPhases(epics []*models.Epic, deps []*models.EpicDependency) ([]*epic.Phase, error) {
	return c.epics.GeneratePhases(epics, deps)
}

// EpicConflicts reports planning conflicts in the epic graph.
func (c *Core) EpicConflicts(epics []*models.Epic, tasks []*models.AtomicTask, deps []*models.EpicDependency) []*epic.Conflict {
	return c.epics.DetectConflicts(epics, tasks, deps)
}

// Run drives execution batch by batch until the schedule drains or the
// context is cancelled. It returns the terminal batch status.
func (c *Core) Run(ctx context.Context, projectID string) (models.BatchStatus, error) {
	if err := c.workflows.Transition(projectID, workflow.StateInProgress); err != nil {
		return "", err
	}

	overall := models.BatchCompleted
	dispatched := false

	for {
		if err := ctx.Err(); err != nil {
			c.cancelWorkflow(projectID)
			return "", faults.Wrap(err, faults.Canceled, "orchestrator", "Run",
				"execution interrupted")
		}

		batch := c.sched.NextExecutionBatch()
		if len(batch) == 0 {
			break
		}
		dispatched = true

		status, err := c.coord.ExecuteBatch(ctx, batch)
		if err != nil {
			// An exhausted pool is not a workflow failure: the batch
			// stays scheduled and is re-offered on the next cycle, when
			// agents may have capacity again.
			if faults.IsKind(err, faults.Exhausted) {
				c.debugLog.Log("[orchestrator.Run] project=%s batch deferred: %v", projectID, err)
				select {
				case <-ctx.Done():
				case <-time.After(c.batchRetryWait):
				}
				continue
			}
			c.failWorkflow(projectID)
			return status, err
		}
		c.reconcileBatch(batch)

		switch status {
		case models.BatchFailed:
			c.failWorkflow(projectID)
			return models.BatchFailed, faults.New(faults.Exhausted, "orchestrator", "Run",
				"batch failed for project %s", projectID)
		case models.BatchPartial:
			overall = models.BatchPartial
		}
	}

	if !dispatched {
		c.debugLog.Log("[orchestrator.Run] project=%s nothing to execute", projectID)
	}

	// Completing the execution phase advances the workflow into its
	// terminal completed phase.
	if err := c.workflows.Transition(projectID, workflow.StateCompleted); err != nil {
		return overall, err
	}

	return overall, nil
}

// reconcileBatch folds execution outcomes back into the scheduler and
// the store after a batch returns.
func (c *Core) reconcileBatch(batch []*models.ScheduledTask) {
	for _, st := range batch {
		exec, ok := c.coord.ExecutionStatus(st.Task.ID)
		if !ok {
			continue
		}

		switch exec.Status {
		case models.ExecutionCompleted:
			c.sched.MarkTaskCompleted(st.Task.ID)
			st.Task.Status = models.TaskStatusCompleted
			if st.Task.CompletedAt == nil && exec.EndTime != nil {
				t := *exec.EndTime
				st.Task.CompletedAt = &t
			}
		case models.ExecutionFailed, models.ExecutionTimeout:
			st.Task.Status = models.TaskStatusBlocked
			if exec.Result != nil && exec.Result.Error != "" {
				st.Task.BlockedReason = exec.Result.Error
			}
		case models.ExecutionCancelled:
			st.Task.Status = models.TaskStatusCancelled
		}

		if c.store != nil {
			if err := c.store.UpdateTask(st.Task); err != nil {
				c.debugLog.Log("[orchestrator.reconcileBatch] persist task %s: %v", st.Task.ID, err)
			}
		}
	}
}

// failWorkflow moves the current phase to failed, best effort.
func (c *Core) failWorkflow(projectID string) {
	if err := c.workflows.Transition(projectID, workflow.StateFailed); err != nil {
		c.debugLog.Log("[orchestrator.failWorkflow] %s: %v", projectID, err)
	}
}

// cancelWorkflow moves the current phase to cancelled, best effort.
func (c *Core) cancelWorkflow(projectID string) {
	if err := c.workflows.Transition(projectID, workflow.StateCancelled); err != nil {
		c.debugLog.Log("[orchestrator.cancelWorkflow] %s: %v", projectID, err)
	}
}

// WorkflowProgress reports the overall progress of a project workflow.
func (c *Core) WorkflowProgress(projectID string) (float64, error) {
	return c.workflows.Progress(projectID)
}

// WorkflowState returns a snapshot of the project workflow.
func (c *Core) WorkflowState(projectID string) (*workflow.WorkflowState, bool) {
	return c.workflows.Get(projectID)
}

// Schedule returns the current schedule, if any.
func (c *Core) Schedule() *models.ExecutionSchedule {
	return c.sched.CurrentSchedule()
}

// UpdateTasks applies task updates to the current schedule.
func (c *Core) UpdateTasks(updated []*models.AtomicTask) (*models.ExecutionSchedule, error) {
	return c.sched.UpdateSchedule(updated)
}

// ExecutionStatus returns the live or retained execution for a task.
func (c *Core) ExecutionStatus(taskID string) (*models.TaskExecution, bool) {
	return c.coord.ExecutionStatus(taskID)
}

// CancelExecution cancels a task's in-flight execution.
func (c *Core) CancelExecution(taskID string) {
	c.coord.CancelExecution(taskID)
}

// Metrics returns the coordinator's execution statistics.
func (c *Core) Metrics() coordinator.Metrics {
	return c.coord.Metrics()
}

// Agents returns the registered agent pool.
func (c *Core) Agents() []*models.Agent {
	return c.coord.Agents()
}

// pumpEvents republishes coordinator events to the core's channel,
// dropping when the subscriber is slow.
func (c *Core) pumpEvents() {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.pumpStop:
			return
		case ev, ok := <-c.coord.Events():
			if !ok {
				return
			}
			select {
			case c.events <- ev:
			default:
			}
		}
	}
}
