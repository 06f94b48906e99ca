// Package coordinator executes scheduled batches against a pool of
// registered agents: it reserves locks, dispatches payloads over the
// agent channel, applies timeouts and retries, tracks agent health via
// heartbeats, and publishes state-change events.
package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/locks"
	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Hook observes an execution lifecycle edge. Hooks are awaited before
// the execution proceeds, but a failing or panicking hook never fails
// the execution itself.
type Hook func(ctx context.Context, exec *models.TaskExecution) error

// Metrics is a point-in-time snapshot of coordinator counters.
type Metrics struct {
	RegisteredAgents   int
	ActiveExecutions   int
	RetainedExecutions int
	Completed          int
	Failed             int
	Cancelled          int
	TimedOut           int
	Retries            int
	DroppedEvents      uint64
}

// agentStats tracks per-agent outcome counts for success-rate upkeep.
type agentStats struct {
	executed  int
	succeeded int
}

// Coordinator dispatches scheduled tasks to agents and supervises their
// executions.
type Coordinator struct {
	mu sync.Mutex

	cfg      *config.ExecutionConfig
	locks    *locks.Manager
	channel  AgentChannel
	emitter  *EventEmitter
	debugLog *logging.DebugLogger
	now      func() time.Time

	agents map[string]*models.Agent
	stats  map[string]*agentStats

	// executions holds live executions keyed by execution id; byTask
	// indexes them by task id.
	executions map[string]*models.TaskExecution
	byTask     map[string]string
	cancels    map[string]context.CancelFunc

	// retained holds terminal executions until retention eviction.
	retained   map[string]*models.TaskExecution
	retainedAt map[string]time.Time

	beforeStart []Hook
	afterFinish []Hook

	pollInterval time.Duration
	taskTimeout  time.Duration
	startupWait  time.Duration
	roundRobin   int

	paused  bool
	delayMs int

	completed int
	failed    int
	cancelled int
	timedOut  int
	retries   int

	running bool
	stop    chan struct{}
	loops   sync.WaitGroup
	execWG  sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEmitter supplies a shared event emitter.
func WithEmitter(e *EventEmitter) Option {
	return func(c *Coordinator) { c.emitter = e }
}

// WithPollInterval overrides the agent response poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithTaskTimeout overrides the per-attempt response timeout, which
// otherwise comes from task_timeout_minutes.
func WithTaskTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.taskTimeout = d
		}
	}
}

// WithStartupWait overrides how long Start waits for the agent channel
// to become ready.
func WithStartupWait(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.startupWait = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a coordinator. The lock manager and agent channel are
// required collaborators.
func New(cfg *config.ExecutionConfig, lockMgr *locks.Manager, channel AgentChannel, debugLog *logging.DebugLogger, opts ...Option) *Coordinator {
	if cfg == nil {
		cfg = &config.Default().Execution
	}
	c := &Coordinator{
		cfg:          cfg,
		locks:        lockMgr,
		channel:      channel,
		debugLog:     debugLog,
		now:          time.Now,
		agents:       make(map[string]*models.Agent),
		stats:        make(map[string]*agentStats),
		executions:   make(map[string]*models.TaskExecution),
		byTask:       make(map[string]string),
		cancels:      make(map[string]context.CancelFunc),
		retained:     make(map[string]*models.TaskExecution),
		retainedAt:   make(map[string]time.Time),
		pollInterval: 5 * time.Second,
		taskTimeout:  time.Duration(cfg.TaskTimeoutMinutes) * time.Minute,
		startupWait:  30 * time.Second,
		delayMs:      cfg.DefaultExecutionDelayMs,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.emitter == nil {
		c.emitter = NewEventEmitter(256)
	}
	return c
}

// Events returns the coordinator's event stream.
func (c *Coordinator) Events() <-chan Event {
	return c.emitter.Events()
}

// Start waits for the agent channel to become ready, then launches the
// coordination and resource-monitoring loops. Starting twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.channel == nil {
		c.mu.Unlock()
		return faults.New(faults.Configuration, "coordinator", "Start",
			"no agent channel configured")
	}
	c.mu.Unlock()

	if r, ok := c.channel.(readiable); ok {
		deadline := c.now().Add(c.startupWait)
		for !r.Ready() {
			if c.now().After(deadline) {
				return faults.New(faults.Timeout, "coordinator", "Start",
					"agent channel not ready after %s", c.startupWait)
			}
			select {
			case <-ctx.Done():
				return faults.Wrap(ctx.Err(), faults.Canceled, "coordinator", "Start",
					"startup interrupted")
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	c.mu.Lock()
	c.running = true
	c.stop = make(chan struct{})
	c.mu.Unlock()

	c.loops.Add(2)
	go c.coordinationLoop()
	go c.resourceMonitorLoop()

	c.debugLog.Log("[coordinator.Start] running")
	return nil
}

// Stop cancels all live executions and shuts down the background loops.
// Safe to call twice.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	stop := c.stop
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	close(stop)
	c.execWG.Wait()
	c.loops.Wait()

	c.debugLog.Log("[coordinator.Stop] stopped")
}

// RegisterAgent adds an agent to the pool.
func (c *Coordinator) RegisterAgent(agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return faults.New(faults.Validation, "coordinator", "RegisterAgent",
			"agent must have an id")
	}

	c.mu.Lock()
	if _, exists := c.agents[agent.ID]; exists {
		c.mu.Unlock()
		return faults.New(faults.Validation, "coordinator", "RegisterAgent",
			"agent %s already registered", agent.ID)
	}

	reg := agent.Clone()
	if reg.Status == "" {
		reg.Status = models.AgentStatusIdle
	}
	reg.Metadata.LastHeartbeat = c.now()
	c.agents[reg.ID] = reg
	c.stats[reg.ID] = &agentStats{}
	c.mu.Unlock()

	c.emit(Event{Type: EventAgentRegistered, AgentID: agent.ID})
	c.debugLog.Log("[coordinator.RegisterAgent] %s", agent.ID)
	return nil
}

// UnregisterAgent removes an agent and cancels its live executions.
// Unregistering an unknown agent is a no-op.
func (c *Coordinator) UnregisterAgent(agentID string) {
	c.mu.Lock()
	if _, exists := c.agents[agentID]; !exists {
		c.mu.Unlock()
		return
	}
	delete(c.agents, agentID)
	delete(c.stats, agentID)
	cancels := c.cancelsForAgentLocked(agentID)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.emit(Event{Type: EventAgentUnregistered, AgentID: agentID})
}

// Heartbeat records liveness for an agent. An offline agent that
// heartbeats again comes back as idle.
func (c *Coordinator) Heartbeat(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agent, ok := c.agents[agentID]
	if !ok {
		return
	}
	agent.Metadata.LastHeartbeat = c.now()
	if agent.Status == models.AgentStatusOffline {
		agent.Status = models.AgentStatusIdle
	}
}

// Agents returns a snapshot of the registered agents.
func (c *Coordinator) Agents() []*models.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*models.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegisterBeforeStartHook adds a hook awaited before each execution
// enters running.
func (c *Coordinator) RegisterBeforeStartHook(h Hook) {
	c.mu.Lock()
	c.beforeStart = append(c.beforeStart, h)
	c.mu.Unlock()
}

// RegisterAfterFinishHook adds a hook awaited after each execution
// reaches a terminal state.
func (c *Coordinator) RegisterAfterFinishHook(h Hook) {
	c.mu.Lock()
	c.afterFinish = append(c.afterFinish, h)
	c.mu.Unlock()
}

// SetPaused pauses or resumes dispatching. Live executions continue;
// new dispatches wait.
func (c *Coordinator) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// SetExecutionDelay overrides the pre-dispatch delay in milliseconds.
// Only honored when execution delays are enabled in config.
func (c *Coordinator) SetExecutionDelay(ms int) {
	c.mu.Lock()
	c.delayMs = ms
	c.mu.Unlock()
}

// ExecuteBatch verifies the batch is feasible against the current agent
// pool, then dispatches every task in parallel with bounded fan-out and
// waits for all of them. Returns completed if every execution
// succeeded, failed if none did, partial otherwise.
func (c *Coordinator) ExecuteBatch(ctx context.Context, batch []*models.ScheduledTask) (models.BatchStatus, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return models.BatchFailed, faults.New(faults.Invariant, "coordinator", "ExecuteBatch",
			"coordinator not started")
	}
	if len(batch) == 0 {
		c.mu.Unlock()
		return models.BatchFailed, faults.New(faults.Validation, "coordinator", "ExecuteBatch",
			"empty batch")
	}

	// Feasibility simulation: every task must have a viable agent before
	// anything is dispatched.
	assignments := make(map[string]string, len(batch))
	simulated := make(map[string]models.AgentUsage, len(c.agents))
	for _, st := range batch {
		agentID, err := c.selectAgentLocked(st, simulated)
		if err != nil {
			c.mu.Unlock()
			return models.BatchFailed, err
		}
		assignments[st.Task.ID] = agentID
		usage := simulated[agentID]
		usage.MemoryMB += st.Resources.MemoryMB
		usage.CPUWeight += st.Resources.CPUWeight
		usage.ActiveTasks++
		simulated[agentID] = usage
	}
	fanOut := len(c.agents)
	c.mu.Unlock()

	if fanOut < 1 {
		fanOut = 1
	}
	sem := make(chan struct{}, fanOut)

	results := make(chan bool, len(batch))
	var wg sync.WaitGroup
	for _, st := range batch {
		wg.Add(1)
		c.execWG.Add(1)
		go func(st *models.ScheduledTask) {
			defer wg.Done()
			defer c.execWG.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results <- c.runExecution(ctx, st, assignments[st.Task.ID])
		}(st)
	}
	wg.Wait()
	close(results)

	succeeded, total := 0, 0
	for ok := range results {
		total++
		if ok {
			succeeded++
		}
	}

	switch {
	case succeeded == total:
		return models.BatchCompleted, nil
	case succeeded == 0:
		return models.BatchFailed, nil
	default:
		return models.BatchPartial, nil
	}
}

// CancelExecution cancels the live execution of a task. Cancelling an
// unknown or already-terminal execution is a no-op, and the cancelled
// event is emitted at most once.
func (c *Coordinator) CancelExecution(taskID string) {
	c.mu.Lock()
	execID, ok := c.byTask[taskID]
	var cancel context.CancelFunc
	if ok {
		cancel = c.cancels[execID]
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ExecutionStatus returns the live or retained execution for a task.
func (c *Coordinator) ExecutionStatus(taskID string) (*models.TaskExecution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if execID, ok := c.byTask[taskID]; ok {
		if exec, ok := c.executions[execID]; ok {
			return exec.Clone(), true
		}
	}
	for _, exec := range c.retained {
		if exec.TaskID() == taskID {
			return exec.Clone(), true
		}
	}
	return nil, false
}

// Metrics returns a snapshot of coordinator counters.
func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Metrics{
		RegisteredAgents:   len(c.agents),
		ActiveExecutions:   len(c.executions),
		RetainedExecutions: len(c.retained),
		Completed:          c.completed,
		Failed:             c.failed,
		Cancelled:          c.cancelled,
		TimedOut:           c.timedOut,
		Retries:            c.retries,
		DroppedEvents:      c.emitter.DroppedCount(),
	}
}

// selectAgentLocked picks the agent for a task. The pre-assigned agent
// wins when it is registered, capable, and has capacity under the
// simulated load; otherwise the configured load-balancing strategy
// chooses among viable agents.
func (c *Coordinator) selectAgentLocked(st *models.ScheduledTask, simulated map[string]models.AgentUsage) (string, error) {
	viable := func(a *models.Agent) bool {
		if a.Status == models.AgentStatusOffline || a.Status == models.AgentStatusError {
			return false
		}
		if !a.CanExecute(st.Task.Type) {
			return false
		}
		extra := simulated[a.ID]
		if a.CurrentUsage.MemoryMB+extra.MemoryMB+st.Resources.MemoryMB > a.Capacity.MaxMemoryMB {
			return false
		}
		if a.CurrentUsage.CPUWeight+extra.CPUWeight+st.Resources.CPUWeight > a.Capacity.MaxCPUWeight {
			return false
		}
		return a.CurrentUsage.ActiveTasks+extra.ActiveTasks < a.Capacity.MaxConcurrentTasks
	}

	if pre := st.Resources.AgentID; pre != "" {
		if a, ok := c.agents[pre]; ok && viable(a) {
			return pre, nil
		}
	}

	ids := make([]string, 0, len(c.agents))
	for id, a := range c.agents {
		if viable(a) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", faults.New(faults.Exhausted, "coordinator", "selectAgent",
			"no viable agent for task %s (type %s)", st.Task.ID, st.Task.Type)
	}
	sort.Strings(ids)

	switch c.cfg.LoadBalancingStrategy {
	case "round_robin":
		id := ids[c.roundRobin%len(ids)]
		c.roundRobin++
		return id, nil
	case "least_loaded":
		best := ids[0]
		for _, id := range ids[1:] {
			if c.loadOf(id, simulated) < c.loadOf(best, simulated) {
				best = id
			}
		}
		return best, nil
	case "priority_based":
		best := ids[0]
		for _, id := range ids[1:] {
			if c.agents[id].Metadata.SuccessRate > c.agents[best].Metadata.SuccessRate {
				best = id
			}
		}
		return best, nil
	default: // resource_aware
		best := ids[0]
		for _, id := range ids[1:] {
			if c.freeMemOf(id, simulated) > c.freeMemOf(best, simulated) {
				best = id
			}
		}
		return best, nil
	}
}

func (c *Coordinator) loadOf(agentID string, simulated map[string]models.AgentUsage) int {
	return c.agents[agentID].CurrentUsage.ActiveTasks + simulated[agentID].ActiveTasks
}

func (c *Coordinator) freeMemOf(agentID string, simulated map[string]models.AgentUsage) int {
	a := c.agents[agentID]
	return a.Capacity.MaxMemoryMB - a.CurrentUsage.MemoryMB - simulated[agentID].MemoryMB
}

func (c *Coordinator) cancelsForAgentLocked(agentID string) []context.CancelFunc {
	var cancels []context.CancelFunc
	for execID, exec := range c.executions {
		if exec.AgentID == agentID {
			if cancel, ok := c.cancels[execID]; ok {
				cancels = append(cancels, cancel)
			}
		}
	}
	return cancels
}

func (c *Coordinator) emit(event Event) {
	if !c.cfg.EnableExecutionStateEvents {
		return
	}
	event.Timestamp = c.now()
	c.emitter.Emit(event)
}

// coordinationLoop runs housekeeping once a second: heartbeat sweep and
// retention eviction.
func (c *Coordinator) coordinationLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweepHeartbeats()
			c.evictRetained()
		}
	}
}

// resourceMonitorLoop periodically logs aggregate agent load.
func (c *Coordinator) resourceMonitorLoop() {
	defer c.loops.Done()

	interval := c.cfg.ResourceMonitoringInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			var mem, active int
			var cpu float64
			for _, a := range c.agents {
				mem += a.CurrentUsage.MemoryMB
				cpu += a.CurrentUsage.CPUWeight
				active += a.CurrentUsage.ActiveTasks
			}
			agents := len(c.agents)
			c.mu.Unlock()

			c.debugLog.Log("[coordinator.monitor] agents=%d active=%d mem=%dMB cpu=%.2f",
				agents, active, mem, cpu)
		}
	}
}

// sweepHeartbeats marks agents offline when they miss two heartbeat
// intervals, and cancels their live executions.
func (c *Coordinator) sweepHeartbeats() {
	interval := c.cfg.AgentHeartbeatInterval
	if interval <= 0 {
		return
	}
	cutoff := c.now().Add(-2 * interval)

	c.mu.Lock()
	var offline []string
	var cancels []context.CancelFunc
	for id, agent := range c.agents {
		if agent.Status == models.AgentStatusOffline {
			continue
		}
		if agent.Metadata.LastHeartbeat.Before(cutoff) {
			agent.Status = models.AgentStatusOffline
			offline = append(offline, id)
			cancels = append(cancels, c.cancelsForAgentLocked(id)...)
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, id := range offline {
		c.emit(Event{Type: EventAgentOffline, AgentID: id})
		c.debugLog.Log("[coordinator.sweepHeartbeats] agent %s offline", id)
	}
}

// evictRetained drops terminal executions past the retention window.
func (c *Coordinator) evictRetained() {
	retention := time.Duration(c.cfg.ExecutionRetentionMinutes) * time.Minute
	if retention <= 0 {
		return
	}
	cutoff := c.now().Add(-retention)

	c.mu.Lock()
	for id, at := range c.retainedAt {
		if at.Before(cutoff) {
			delete(c.retained, id)
			delete(c.retainedAt, id)
		}
	}
	c.mu.Unlock()
}
