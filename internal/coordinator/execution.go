package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/locks"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// runExecution drives one task execution end to end and reports whether
// it succeeded. The protocol: reserve locks in task, agent, file order;
// dispatch the payload; poll for a response until the task timeout;
// retry timed-out attempts under auto recovery; release locks in
// reverse order and retire the execution.
func (c *Coordinator) runExecution(ctx context.Context, st *models.ScheduledTask, agentID string) bool {
	execID := uuid.New().String()
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := &models.TaskExecution{
		ScheduledTask: st,
		AgentID:       agentID,
		Status:        models.ExecutionQueued,
		ResourceUsage: models.ExecutionResourceUsage{
			MemoryMB:  st.Resources.MemoryMB,
			CPUWeight: st.Resources.CPUWeight,
		},
		Metadata: models.ExecutionMetadata{ExecutionID: execID},
	}

	c.mu.Lock()
	c.executions[execID] = exec
	c.byTask[st.Task.ID] = execID
	c.cancels[execID] = cancel
	c.mu.Unlock()

	c.emit(Event{Type: EventExecutionQueued, TaskID: st.Task.ID, ExecutionID: execID, AgentID: agentID})

	c.waitWhilePaused(execCtx)
	c.applyExecutionDelay(execCtx)

	held, err := c.acquireExecutionLocks(execCtx, st, execID, agentID)
	if err != nil {
		c.finish(exec, models.ExecutionFailed, &models.ExecutionResult{
			Success: false,
			Error:   err.Error(),
		})
		return false
	}
	defer c.releaseExecutionLocks(held)

	c.markRunning(exec)
	c.runHooks(execCtx, c.hooksSnapshot(&c.beforeStart), exec)

	status, result := c.attemptLoop(execCtx, exec)

	c.finish(exec, status, result)
	return status == models.ExecutionCompleted
}

// attemptLoop sends the payload and polls for a response, retrying
// timed-out attempts while auto recovery allows.
func (c *Coordinator) attemptLoop(ctx context.Context, exec *models.TaskExecution) (models.ExecutionStatus, *models.ExecutionResult) {
	taskID := exec.TaskID()
	timeout := c.taskTimeout

	for {
		if ctx.Err() != nil {
			return models.ExecutionCancelled, nil
		}

		payload, err := buildPayload(exec.ScheduledTask, exec.Metadata.ExecutionID, c.now())
		if err != nil {
			return models.ExecutionFailed, &models.ExecutionResult{Success: false, Error: err.Error()}
		}

		if !c.channel.SendTask(exec.AgentID, payload) {
			return models.ExecutionFailed, &models.ExecutionResult{
				Success: false,
				Error:   "agent unreachable",
			}
		}

		raw, received, cancelled := c.pollForResponse(ctx, exec.AgentID, timeout)
		if cancelled {
			return models.ExecutionCancelled, nil
		}
		if received {
			result := parseResponse(raw)
			if result.Success {
				return models.ExecutionCompleted, result
			}
			return models.ExecutionFailed, result
		}

		// Attempt timed out.
		c.mu.Lock()
		exec.Metadata.TimeoutCount++
		c.timedOut++
		canRetry := c.cfg.EnableAutoRecovery && exec.Metadata.RetryCount < c.cfg.MaxRetryAttempts
		if canRetry {
			exec.Metadata.RetryCount++
			now := c.now()
			exec.Metadata.LastRetryAt = &now
			c.retries++
		}
		c.mu.Unlock()

		c.emit(Event{Type: EventExecutionTimeout, TaskID: taskID, ExecutionID: exec.Metadata.ExecutionID, AgentID: exec.AgentID})

		// Out of retries: the execution fails. The timeout history stays
		// in Metadata.TimeoutCount and the timed-out counter.
		if !canRetry {
			return models.ExecutionFailed, &models.ExecutionResult{
				Success: false,
				Error:   "no agent response before the task timeout",
			}
		}

		c.emit(Event{
			Type:        EventExecutionRetrying,
			TaskID:      taskID,
			ExecutionID: exec.Metadata.ExecutionID,
			AgentID:     exec.AgentID,
		})
		c.debugLog.Log("[coordinator.attemptLoop] retrying %s (attempt %d)", taskID, exec.Metadata.RetryCount)

		delay := time.Duration(c.cfg.RetryDelaySeconds) * time.Second
		select {
		case <-ctx.Done():
			return models.ExecutionCancelled, nil
		case <-time.After(delay):
		}
	}
}

// pollForResponse polls the agent channel until a response arrives, the
// timeout lapses, or the execution is cancelled.
func (c *Coordinator) pollForResponse(ctx context.Context, agentID string, timeout time.Duration) (raw string, received, cancelled bool) {
	deadline := c.now().Add(timeout)

	for {
		if ctx.Err() != nil {
			return "", false, true
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return "", false, false
		}

		poll := c.pollInterval
		if poll > remaining {
			poll = remaining
		}

		if resp, ok := c.channel.ReceiveResponse(agentID, poll); ok {
			return resp, true, false
		}
	}
}

// acquireExecutionLocks reserves the task, agent, and file locks for an
// execution in canonical order. On failure everything already held is
// released in reverse.
func (c *Coordinator) acquireExecutionLocks(ctx context.Context, st *models.ScheduledTask, execID, agentID string) ([]*locks.Lock, error) {
	resources := []struct {
		name string
		mode locks.Mode
	}{
		{locks.TaskResource(st.Task.ID), locks.ModeExecute},
		{locks.AgentResource(agentID), locks.ModeExecute},
	}

	paths := append([]string(nil), st.Task.FilePaths...)
	for _, p := range paths {
		resources = append(resources, struct {
			name string
			mode locks.Mode
		}{locks.FileResource(p), locks.ModeWrite})
	}

	var held []*locks.Lock
	for _, r := range resources {
		lock, err := c.locks.Acquire(ctx, r.name, execID, r.mode, locks.AcquireOptions{
			Metadata: map[string]string{"task": st.Task.ID},
		})
		if err != nil {
			c.releaseExecutionLocks(held)
			return nil, err
		}
		held = append(held, lock)
	}
	return held, nil
}

// releaseExecutionLocks releases locks in reverse acquisition order.
func (c *Coordinator) releaseExecutionLocks(held []*locks.Lock) {
	for i := len(held) - 1; i >= 0; i-- {
		c.locks.Release(held[i].ID)
	}
}

// markRunning transitions an execution to running and reserves agent
// capacity.
func (c *Coordinator) markRunning(exec *models.TaskExecution) {
	c.mu.Lock()
	exec.Status = models.ExecutionRunning
	exec.StartTime = c.now()

	if agent, ok := c.agents[exec.AgentID]; ok {
		agent.CurrentUsage.MemoryMB += exec.ResourceUsage.MemoryMB
		agent.CurrentUsage.CPUWeight += exec.ResourceUsage.CPUWeight
		agent.CurrentUsage.ActiveTasks++
		agent.Status = models.AgentStatusBusy
	}
	c.mu.Unlock()

	c.emit(Event{
		Type:        EventExecutionStarted,
		TaskID:      exec.TaskID(),
		ExecutionID: exec.Metadata.ExecutionID,
		AgentID:     exec.AgentID,
	})
}

// finish records the terminal state exactly once, updates agent usage
// and statistics, runs after-finish hooks, and moves the execution into
// the retention map.
func (c *Coordinator) finish(exec *models.TaskExecution, status models.ExecutionStatus, result *models.ExecutionResult) {
	c.mu.Lock()
	if exec.Status.Terminal() {
		c.mu.Unlock()
		return
	}

	wasRunning := exec.Status == models.ExecutionRunning
	exec.Status = status
	end := c.now()
	exec.EndTime = &end
	exec.Result = result
	if wasRunning {
		exec.ActualDuration = end.Sub(exec.StartTime)
	}

	switch status {
	case models.ExecutionCompleted:
		c.completed++
	case models.ExecutionFailed:
		c.failed++
	case models.ExecutionCancelled:
		c.cancelled++
	}

	if agent, ok := c.agents[exec.AgentID]; ok && wasRunning {
		agent.CurrentUsage.MemoryMB -= exec.ResourceUsage.MemoryMB
		agent.CurrentUsage.CPUWeight -= exec.ResourceUsage.CPUWeight
		agent.CurrentUsage.ActiveTasks--
		if agent.CurrentUsage.ActiveTasks <= 0 && agent.Status == models.AgentStatusBusy {
			agent.Status = models.AgentStatusIdle
		}

		stats := c.stats[exec.AgentID]
		if stats != nil {
			stats.executed++
			if status == models.ExecutionCompleted {
				stats.succeeded++
			}
			agent.Metadata.TotalExecuted = stats.executed
			agent.Metadata.SuccessRate = float64(stats.succeeded) / float64(stats.executed)
			// Running average over executed count.
			prev := agent.Metadata.AverageExecutionTime
			agent.Metadata.AverageExecutionTime = prev +
				(exec.ActualDuration-prev)/time.Duration(stats.executed)
		}
	}

	execID := exec.Metadata.ExecutionID
	delete(c.executions, execID)
	delete(c.byTask, exec.TaskID())
	delete(c.cancels, execID)
	c.retained[execID] = exec
	c.retainedAt[execID] = end

	afterHooks := append([]Hook(nil), c.afterFinish...)
	c.mu.Unlock()

	c.runHooks(context.Background(), afterHooks, exec)

	eventType := map[models.ExecutionStatus]EventType{
		models.ExecutionCompleted: EventExecutionCompleted,
		models.ExecutionFailed:    EventExecutionFailed,
		models.ExecutionCancelled: EventExecutionCancelled,
		models.ExecutionTimeout:   EventExecutionTimeout,
	}[status]
	if eventType != "" {
		evt := Event{
			Type:        eventType,
			TaskID:      exec.TaskID(),
			ExecutionID: execID,
			AgentID:     exec.AgentID,
		}
		if result != nil && result.Error != "" {
			evt.Message = result.Error
		}
		c.emit(evt)
	}

	c.debugLog.Log("[coordinator.finish] task=%s execution=%s status=%s",
		exec.TaskID(), execID, status)
}

// hooksSnapshot copies a hook slice under the coordinator lock.
func (c *Coordinator) hooksSnapshot(src *[]Hook) []Hook {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Hook(nil), (*src)...)
}

// runHooks awaits each hook in order. A hook error or panic is logged
// and isolated; it never affects the execution outcome.
func (c *Coordinator) runHooks(ctx context.Context, hooks []Hook, exec *models.TaskExecution) {
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.debugLog.Log("[coordinator.runHooks] hook panic for %s: %v", exec.TaskID(), r)
				}
			}()
			if err := hook(ctx, exec); err != nil {
				c.debugLog.Log("[coordinator.runHooks] hook error for %s: %v", exec.TaskID(), err)
			}
		}()
	}
}

// waitWhilePaused blocks while dispatching is paused.
func (c *Coordinator) waitWhilePaused(ctx context.Context) {
	for {
		c.mu.Lock()
		paused := c.paused
		c.mu.Unlock()
		if !paused || ctx.Err() != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// applyExecutionDelay sleeps the configured pre-dispatch delay.
func (c *Coordinator) applyExecutionDelay(ctx context.Context) {
	c.mu.Lock()
	enabled := c.cfg.EnableExecutionDelays
	delay := time.Duration(c.delayMs) * time.Millisecond
	c.mu.Unlock()

	if !enabled || delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}
