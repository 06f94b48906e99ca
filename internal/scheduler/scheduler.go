// Package scheduler turns a set of atomic tasks into an execution
// schedule: parallel batches ordered by a configurable algorithm, with
// per-task scoring, resource reservations, and optional agent
// pre-assignment.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/graph"
	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// optimizationFloor is the efficiency below which the optimization loop
// regenerates the schedule.
const optimizationFloor = 0.7

// AgentProvider supplies the current agent pool snapshot for scoring and
// pre-assignment. A nil provider means no agents are registered.
type AgentProvider func() []*models.Agent

// Scheduler generates and maintains execution schedules.
type Scheduler struct {
	mu sync.Mutex

	cfg      *config.SchedulingConfig
	debugLog *logging.DebugLogger

	agents AgentProvider
	now    func() time.Time

	// tasks is the scheduler's working set, keyed by task id.
	tasks map[string]*models.AtomicTask
	graph *graph.DependencyGraph

	current *models.ExecutionSchedule
	// batchCursor is the index of the next batch to hand out.
	batchCursor int

	optimizeStop chan struct{}
	optimizeDone chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAgentProvider wires the agent pool snapshot used for scoring and
// pre-assignment.
func WithAgentProvider(p AgentProvider) Option {
	return func(s *Scheduler) { s.agents = p }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler with the given configuration.
func New(cfg *config.SchedulingConfig, debugLog *logging.DebugLogger, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = &config.Default().Scheduling
	}
	s := &Scheduler{
		cfg:      cfg,
		debugLog: debugLog,
		now:      time.Now,
		tasks:    make(map[string]*models.AtomicTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateSchedule validates the task set, builds the dependency graph,
// and produces a fresh schedule using the configured algorithm.
func (s *Scheduler) GenerateSchedule(tasks []*models.AtomicTask, projectID string) (*models.ExecutionSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateTasks(tasks); err != nil {
		return nil, err
	}

	taskMap := make(map[string]*models.AtomicTask, len(tasks))
	for _, t := range tasks {
		taskMap[t.ID] = t
	}

	g, err := buildGraph(taskMap)
	if err != nil {
		return nil, err
	}

	version := 1
	if s.current != nil {
		version = s.current.Version + 1
	}

	schedule, err := s.buildSchedule(taskMap, g, projectID, version, false)
	if err != nil {
		return nil, err
	}

	s.tasks = taskMap
	s.graph = g
	s.current = schedule
	s.batchCursor = 0

	s.debugLog.Log("[scheduler.GenerateSchedule] id=%s tasks=%d batches=%d algorithm=%s",
		schedule.ID, len(taskMap), len(schedule.Batches), schedule.Algorithm)

	if s.cfg.OutputDir != "" {
		if err := saveSchedule(s.cfg.OutputDir, schedule); err != nil {
			s.debugLog.Log("[scheduler.GenerateSchedule] snapshot save failed: %v", err)
		}
	}

	return schedule, nil
}

// UpdateSchedule applies task updates to the current schedule. If the
// fraction of changed tasks exceeds the reschedule sensitivity
// threshold, the whole schedule is regenerated; otherwise only the
// changed tasks are re-scored in place and the version is bumped.
func (s *Scheduler) UpdateSchedule(updated []*models.AtomicTask) (*models.ExecutionSchedule, error) {
	s.mu.Lock()

	if s.current == nil {
		s.mu.Unlock()
		return nil, faults.New(faults.Validation, "scheduler", "UpdateSchedule",
			"no schedule to update")
	}

	changed := 0
	for _, t := range updated {
		if _, ok := s.tasks[t.ID]; ok {
			changed++
		}
	}
	ratio := float64(changed) / float64(len(s.tasks))
	threshold := s.cfg.RescheduleSensitivity.Threshold()

	structural := false
	for _, t := range updated {
		old, ok := s.tasks[t.ID]
		if !ok || !sameStrings(old.Dependencies, t.Dependencies) {
			structural = true
			break
		}
	}

	if structural || ratio > threshold {
		// Full regeneration with the merged task set.
		merged := make([]*models.AtomicTask, 0, len(s.tasks))
		byID := make(map[string]*models.AtomicTask, len(s.tasks))
		for id, t := range s.tasks {
			byID[id] = t
		}
		for _, t := range updated {
			byID[t.ID] = t
		}
		for _, t := range byID {
			merged = append(merged, t)
		}
		projectID := s.current.ProjectID
		s.mu.Unlock()

		s.debugLog.Log("[scheduler.UpdateSchedule] full reschedule: ratio=%.2f threshold=%.2f structural=%v",
			ratio, threshold, structural)
		return s.GenerateSchedule(merged, projectID)
	}

	defer s.mu.Unlock()

	// Incremental: re-score changed tasks in place.
	sc := s.scoreContextLocked()
	for _, t := range updated {
		if _, ok := s.tasks[t.ID]; !ok {
			continue
		}
		s.tasks[t.ID] = t
		if st, ok := s.current.ScheduledTasks[t.ID]; ok {
			st.Task = t
			st.Scores = scoreTask(t, sc)
		}
	}
	s.current.Version++
	s.current.IsOptimal = false
	s.current.GeneratedAt = s.now()

	s.debugLog.Log("[scheduler.UpdateSchedule] incremental update: changed=%d version=%d",
		changed, s.current.Version)

	if s.cfg.OutputDir != "" {
		if err := saveSchedule(s.cfg.OutputDir, s.current); err != nil {
			s.debugLog.Log("[scheduler.UpdateSchedule] snapshot save failed: %v", err)
		}
	}

	return s.current, nil
}

// NextExecutionBatch returns the scheduled tasks of the next batch that
// still has incomplete members, or nil when the schedule is drained.
// Tasks already marked complete are filtered out of the returned batch.
func (s *Scheduler) NextExecutionBatch() []*models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.graph == nil {
		return nil
	}

	for s.batchCursor < len(s.current.Batches) {
		batch := s.current.Batches[s.batchCursor]

		var pending []*models.ScheduledTask
		for _, id := range batch.TaskIDs {
			if s.graph.IsCompleted(id) {
				continue
			}
			if st, ok := s.current.ScheduledTasks[id]; ok {
				pending = append(pending, st)
			}
		}

		if len(pending) > 0 {
			return pending
		}
		s.batchCursor++
	}

	return nil
}

// MarkTaskCompleted records a task as done. Marking an unknown task or
// marking twice is a no-op.
func (s *Scheduler) MarkTaskCompleted(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.graph == nil || !s.graph.Contains(taskID) || s.graph.IsCompleted(taskID) {
		return
	}

	s.graph.MarkCompleted(taskID)
	if t, ok := s.tasks[taskID]; ok {
		t.Status = models.TaskStatusCompleted
		now := s.now()
		t.CompletedAt = &now
	}

	s.debugLog.Log("[scheduler.MarkTaskCompleted] %s", taskID)
}

// CurrentSchedule returns the live schedule, or nil before generation.
func (s *Scheduler) CurrentSchedule() *models.ExecutionSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ReadyTasks returns the scheduled tasks whose dependencies are all
// complete, in ascending id order.
func (s *Scheduler) ReadyTasks() []*models.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.graph == nil {
		return nil
	}

	var ready []*models.ScheduledTask
	for _, id := range s.graph.Ready() {
		if st, ok := s.current.ScheduledTasks[id]; ok {
			ready = append(ready, st)
		}
	}
	return ready
}

// StartOptimization runs the periodic optimization loop. When schedule
// efficiency drops below the floor, the schedule is regenerated and the
// result marked optimal. Calling twice is a no-op.
func (s *Scheduler) StartOptimization() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.EnableDynamicOptimization || s.optimizeStop != nil {
		return
	}

	interval := s.cfg.OptimizationInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.optimizeStop = make(chan struct{})
	s.optimizeDone = make(chan struct{})
	go s.optimizationLoop(interval, s.optimizeStop, s.optimizeDone)
}

// StopOptimization stops the optimization loop and waits for it to exit.
func (s *Scheduler) StopOptimization() {
	s.mu.Lock()
	stop, done := s.optimizeStop, s.optimizeDone
	s.optimizeStop = nil
	s.optimizeDone = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *Scheduler) optimizationLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.optimizeOnce()
		}
	}
}

// optimizeOnce regenerates the schedule if it is packing poorly.
func (s *Scheduler) optimizeOnce() {
	s.mu.Lock()

	if s.current == nil || s.current.Utilization.Efficiency >= optimizationFloor {
		s.mu.Unlock()
		return
	}

	taskMap := s.tasks
	g := s.graph
	projectID := s.current.ProjectID
	version := s.current.Version + 1

	schedule, err := s.buildSchedule(taskMap, g, projectID, version, true)
	if err != nil {
		s.mu.Unlock()
		s.debugLog.Log("[scheduler.optimizeOnce] rebuild failed: %v", err)
		return
	}

	s.current = schedule
	s.batchCursor = 0
	s.mu.Unlock()

	s.debugLog.Log("[scheduler.optimizeOnce] rescheduled: version=%d efficiency=%.2f",
		schedule.Version, schedule.Utilization.Efficiency)
}

// buildSchedule assembles a schedule from a validated task map and its
// graph. Callers hold s.mu.
func (s *Scheduler) buildSchedule(taskMap map[string]*models.AtomicTask, g *graph.DependencyGraph, projectID string, version int, optimal bool) (*models.ExecutionSchedule, error) {
	algorithm := models.SchedulingAlgorithm(s.cfg.Algorithm)
	batchIDs, err := g.TopologicalBatches()
	if err != nil {
		return nil, faults.Wrap(err, faults.Validation, "scheduler", "buildSchedule",
			"dependency graph rejected")
	}

	sc := s.scoreContextForGraph(g)

	scores := make(map[string]models.TaskScores, len(taskMap))
	for id, t := range taskMap {
		scores[id] = scoreTask(t, sc)
	}

	scheduled := make(map[string]*models.ScheduledTask, len(taskMap))
	var batches []*models.ParallelBatch
	start := sc.now
	cursor := start

	for i, ids := range batchIDs {
		members := make([]*models.AtomicTask, 0, len(ids))
		for _, id := range ids {
			members = append(members, taskMap[id])
		}
		orderBatch(members, scores, algorithm, sc)
		resources := assignResources(members, algorithm, &s.cfg.Resources)

		duration := batchDuration(members)
		batchEnd := cursor.Add(duration)

		orderedIDs := make([]string, 0, len(members))
		for _, t := range members {
			orderedIDs = append(orderedIDs, t.ID)
			taskEnd := cursor.Add(time.Duration(t.EstimatedHours * float64(time.Hour)))
			scheduled[t.ID] = &models.ScheduledTask{
				Task:              t,
				ScheduledStart:    cursor,
				ScheduledEnd:      taskEnd,
				Resources:         resources[t.ID],
				BatchID:           i,
				PrerequisiteTasks: g.Dependencies(t.ID),
				DependentTasks:    g.Dependents(t.ID),
				Scores:            scores[t.ID],
				Algorithm:         algorithm,
			}
		}

		batches = append(batches, &models.ParallelBatch{
			ID:       i,
			TaskIDs:  orderedIDs,
			Start:    cursor,
			End:      batchEnd,
			Duration: duration,
		})
		cursor = batchEnd
	}

	assignAgents(scheduled, sc.agents, version)

	schedule := &models.ExecutionSchedule{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		ScheduledTasks: scheduled,
		Batches:        batches,
		Algorithm:      algorithm,
		Version:        version,
		IsOptimal:      optimal,
		GeneratedAt:    sc.now,
	}

	totalDuration := cursor.Sub(start)
	schedule.Timeline = models.ScheduleTimeline{
		Start:             start,
		End:               cursor,
		TotalDuration:     totalDuration,
		CriticalPath:      g.CriticalPath(),
		ParallelismFactor: parallelismFactor(schedule.TotalTaskHours(), totalDuration),
	}
	schedule.Utilization = s.utilizationLocked(scheduled, batches, totalDuration)

	return schedule, nil
}

// parallelismFactor is total task hours over wall hours. A zero-duration
// schedule is defined to have factor 1.
func parallelismFactor(taskHours float64, totalDuration time.Duration) float64 {
	if totalDuration <= 0 {
		return 1
	}
	return taskHours / totalDuration.Hours()
}

// utilizationLocked summarizes the planned resource footprint.
func (s *Scheduler) utilizationLocked(scheduled map[string]*models.ScheduledTask, batches []*models.ParallelBatch, totalDuration time.Duration) models.ResourceUtilization {
	var peakMem int
	var cpuSum float64

	for _, batch := range batches {
		mem := 0
		cpu := 0.0
		for _, id := range batch.TaskIDs {
			st := scheduled[id]
			mem += st.Resources.MemoryMB
			cpu += st.Resources.CPUWeight
		}
		if mem > peakMem {
			peakMem = mem
		}
		cpuSum += cpu
	}

	var avgCPU float64
	if len(batches) > 0 {
		avgCPU = cpuSum / float64(len(batches))
	}

	var taskHours float64
	for _, st := range scheduled {
		taskHours += st.Task.EstimatedHours
	}

	efficiency := 1.0
	agents := s.cfg.Resources.AvailableAgents
	if agents > 0 && totalDuration > 0 {
		efficiency = clamp01(taskHours / (totalDuration.Hours() * float64(agents)))
	}

	return models.ResourceUtilization{
		PeakMemoryMB:     peakMem,
		AvgCPUWeight:     avgCPU,
		AgentUtilization: agentUtilization(scheduled, totalDuration.Hours()),
		Efficiency:       efficiency,
	}
}

// scoreContextLocked builds the scoring snapshot against the live graph.
func (s *Scheduler) scoreContextLocked() *scoreContext {
	return s.scoreContextForGraph(s.graph)
}

func (s *Scheduler) scoreContextForGraph(g *graph.DependencyGraph) *scoreContext {
	var agents []*models.Agent
	if s.agents != nil {
		agents = s.agents()
	}

	criticalPath := make(map[string]bool)
	fanout := func(string) int { return 0 }
	active := 0
	if g != nil {
		for _, id := range g.CriticalPath() {
			criticalPath[id] = true
		}
		fanout = func(id string) int { return len(g.Dependents(id)) }
	}

	var memUsed int
	var cpuUsed float64
	for _, a := range agents {
		memUsed += a.CurrentUsage.MemoryMB
		cpuUsed += a.CurrentUsage.CPUWeight
		active += a.CurrentUsage.ActiveTasks
	}

	memFrac := 0.0
	if s.cfg.Resources.MaxMemoryMB > 0 {
		memFrac = float64(memUsed) / float64(s.cfg.Resources.MaxMemoryMB)
	}
	cpuFrac := 0.0
	if max := s.cfg.Resources.MaxCPUUtilization * float64(s.cfg.Resources.AvailableAgents+1); max > 0 {
		cpuFrac = cpuUsed / max
	}

	return &scoreContext{
		now:            s.now(),
		criticalPath:   criticalPath,
		fanout:         fanout,
		resources:      &s.cfg.Resources,
		weights:        s.cfg.Weights,
		agents:         agents,
		currentMemFrac: clamp01(memFrac),
		currentCPUFrac: clamp01(cpuFrac),
		activeTasks:    active,
	}
}

// validateTasks rejects empty sets, duplicate ids, bad enums, negative
// estimates, and dependencies pointing outside the set.
func validateTasks(tasks []*models.AtomicTask) error {
	if len(tasks) == 0 {
		return faults.New(faults.Validation, "scheduler", "validateTasks",
			"no tasks to schedule")
	}

	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return faults.New(faults.Validation, "scheduler", "validateTasks",
				"task with empty id")
		}
		if ids[t.ID] {
			return faults.New(faults.Validation, "scheduler", "validateTasks",
				"duplicate task id %q", t.ID)
		}
		ids[t.ID] = true

		if !t.Type.Valid() {
			return faults.New(faults.Validation, "scheduler", "validateTasks",
				"task %s: unknown type %q", t.ID, t.Type)
		}
		if !t.Priority.Valid() {
			return faults.New(faults.Validation, "scheduler", "validateTasks",
				"task %s: unknown priority %q", t.ID, t.Priority)
		}
		if t.EstimatedHours < 0 {
			return faults.New(faults.Validation, "scheduler", "validateTasks",
				"task %s: negative estimate %v", t.ID, t.EstimatedHours)
		}
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !ids[dep] {
				return faults.New(faults.Validation, "scheduler", "validateTasks",
					"task %s depends on unknown task %q", t.ID, dep)
			}
		}
	}

	return nil
}

// buildGraph constructs the dependency DAG for a validated task map.
func buildGraph(taskMap map[string]*models.AtomicTask) (*graph.DependencyGraph, error) {
	g := graph.New()
	g.SetHourProvider(func(id string) float64 {
		if t, ok := taskMap[id]; ok {
			return t.EstimatedHours
		}
		return 0
	})

	for id := range taskMap {
		g.AddNode(id)
	}
	for id, t := range taskMap {
		for _, dep := range t.Dependencies {
			if err := g.AddEdge(dep, id); err != nil {
				return nil, faults.Wrap(err, faults.Validation, "scheduler", "buildGraph",
					"invalid dependency %s -> %s", dep, id)
			}
		}
	}

	// Completed tasks drop out of batches but keep the closure intact.
	for id, t := range taskMap {
		if t.Status == models.TaskStatusCompleted {
			g.MarkCompleted(id)
		}
	}

	return g, nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
