package models

import "time"

// AgentStatus represents the current state of a worker agent.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is available for work.
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy indicates the agent is executing at least one task.
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOffline indicates the agent stopped heartbeating.
	AgentStatusOffline AgentStatus = "offline"
	// AgentStatusError indicates the agent reported an internal error.
	AgentStatusError AgentStatus = "error"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusOffline, AgentStatusError:
		return true
	default:
		return false
	}
}

// AgentCapacity is the hard resource ceiling of an agent.
type AgentCapacity struct {
	// MaxMemoryMB is the memory ceiling in megabytes.
	MaxMemoryMB int `json:"max_memory_mb"`
	// MaxCPUWeight is the cpu ceiling as a weight (1.0 = one core).
	MaxCPUWeight float64 `json:"max_cpu_weight"`
	// MaxConcurrentTasks is the maximum number of simultaneous tasks.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// AgentUsage is the live resource consumption of an agent.
// Usage never exceeds the agent's capacity on any axis.
type AgentUsage struct {
	// MemoryMB is the memory currently reserved, in megabytes.
	MemoryMB int `json:"memory_mb"`
	// CPUWeight is the cpu weight currently reserved.
	CPUWeight float64 `json:"cpu_weight"`
	// ActiveTasks is the number of tasks currently running.
	ActiveTasks int `json:"active_tasks"`
}

// AgentMetadata carries bookkeeping the coordinator maintains per agent.
type AgentMetadata struct {
	// LastHeartbeat is when the agent last reported liveness.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// TotalExecuted is the number of executions this agent finished.
	TotalExecuted int `json:"total_executed"`
	// AverageExecutionTime is the running average execution duration.
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	// SuccessRate is the fraction of executions that succeeded, in [0,1].
	SuccessRate float64 `json:"success_rate"`
}

// Agent represents a worker agent registered with the coordinator.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Name is the human-readable agent name.
	Name string `json:"name"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// Capabilities lists the task types this agent can execute.
	Capabilities []TaskType `json:"capabilities,omitempty"`
	// Capacity is the agent's resource ceiling.
	Capacity AgentCapacity `json:"capacity"`
	// CurrentUsage is the agent's live resource consumption.
	CurrentUsage AgentUsage `json:"current_usage"`
	// Metadata carries liveness and statistics bookkeeping.
	Metadata AgentMetadata `json:"metadata"`
}

// CanExecute returns true if the agent declares the given task type as a
// capability. An agent with no declared capabilities accepts every type.
func (a *Agent) CanExecute(taskType TaskType) bool {
	if len(a.Capabilities) == 0 {
		return true
	}
	for _, c := range a.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Fits returns true if reserving the given resources would keep the agent
// within capacity on every axis.
func (a *Agent) Fits(memoryMB int, cpuWeight float64) bool {
	if a.CurrentUsage.MemoryMB+memoryMB > a.Capacity.MaxMemoryMB {
		return false
	}
	if a.CurrentUsage.CPUWeight+cpuWeight > a.Capacity.MaxCPUWeight {
		return false
	}
	return a.CurrentUsage.ActiveTasks < a.Capacity.MaxConcurrentTasks
}

// FreeCapacity returns the unreserved memory and cpu on this agent.
func (a *Agent) FreeCapacity() (memoryMB int, cpuWeight float64) {
	return a.Capacity.MaxMemoryMB - a.CurrentUsage.MemoryMB,
		a.Capacity.MaxCPUWeight - a.CurrentUsage.CPUWeight
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]TaskType(nil), a.Capabilities...)
	return &cp
}
