package models

import "time"

// ExecutionStatus represents the current state of a task execution.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Valid returns true if the status is a known value.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionQueued, ExecutionRunning, ExecutionCompleted,
		ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	default:
		return false
	}
}

// ExecutionResult is the parsed outcome reported by an agent.
type ExecutionResult struct {
	// Success is whether the agent reported success.
	Success bool `json:"success"`
	// Output is the agent's textual output.
	Output string `json:"output,omitempty"`
	// Error is the failure description, if any.
	Error string `json:"error,omitempty"`
	// ExitCode is the agent-reported exit code, if any.
	ExitCode int `json:"exit_code,omitempty"`
}

// ExecutionResourceUsage tracks resources consumed by one execution.
type ExecutionResourceUsage struct {
	MemoryMB  int     `json:"memory_mb"`
	CPUWeight float64 `json:"cpu_weight"`
}

// ExecutionMetadata carries retry and identity bookkeeping.
type ExecutionMetadata struct {
	// ExecutionID is the unique identifier for this execution attempt chain.
	ExecutionID string `json:"execution_id"`
	// RetryCount is the number of retries performed so far.
	RetryCount int `json:"retry_count"`
	// TimeoutCount is the number of timeouts observed so far.
	TimeoutCount int `json:"timeout_count"`
	// LastRetryAt is when the most recent retry was scheduled.
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
}

// TaskExecution links a scheduled task to the agent running it.
// The coordinator creates it, owns it for its lifetime, and moves it into
// a retention map after it reaches a terminal state.
type TaskExecution struct {
	// ScheduledTask is the placement being executed.
	ScheduledTask *ScheduledTask `json:"scheduled_task"`
	// AgentID is the agent assigned to this execution.
	AgentID string `json:"agent_id"`
	// Status is the current state of the execution.
	Status ExecutionStatus `json:"status"`
	// StartTime is when the execution entered running.
	StartTime time.Time `json:"start_time"`
	// EndTime is when the execution reached a terminal state.
	EndTime *time.Time `json:"end_time,omitempty"`
	// ActualDuration is EndTime - StartTime for finished executions.
	ActualDuration time.Duration `json:"actual_duration,omitempty"`
	// Result is the parsed agent outcome, if any.
	Result *ExecutionResult `json:"result,omitempty"`
	// ResourceUsage tracks resources reserved for this execution.
	ResourceUsage ExecutionResourceUsage `json:"resource_usage"`
	// Metadata carries retry and identity bookkeeping.
	Metadata ExecutionMetadata `json:"metadata"`
}

// TaskID returns the id of the task being executed.
func (e *TaskExecution) TaskID() string {
	return e.ScheduledTask.Task.ID
}

// Clone returns a shallow-safe copy for handing to callers.
// The scheduled task pointer is shared; status fields are copied.
func (e *TaskExecution) Clone() *TaskExecution {
	cp := *e
	if e.EndTime != nil {
		t := *e.EndTime
		cp.EndTime = &t
	}
	if e.Result != nil {
		r := *e.Result
		cp.Result = &r
	}
	if e.Metadata.LastRetryAt != nil {
		t := *e.Metadata.LastRetryAt
		cp.Metadata.LastRetryAt = &t
	}
	return &cp
}

// BatchStatus summarizes the outcome of a dispatched batch.
type BatchStatus string

const (
	// BatchCompleted means every execution in the batch succeeded.
	BatchCompleted BatchStatus = "completed"
	// BatchPartial means some executions failed.
	BatchPartial BatchStatus = "partial"
	// BatchFailed means every execution failed.
	BatchFailed BatchStatus = "failed"
)

// TaskPayload is the JSON document sent to an agent over the channel.
type TaskPayload struct {
	TaskID             string       `json:"taskId"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Type               TaskType     `json:"type"`
	Priority           TaskPriority `json:"priority"`
	EstimatedHours     float64      `json:"estimatedHours"`
	AcceptanceCriteria []string     `json:"acceptanceCriteria,omitempty"`
	Tags               []string     `json:"tags,omitempty"`
	ProjectID          string       `json:"projectId"`
	Dependencies       []string     `json:"dependencies,omitempty"`
	ExecutionID        string       `json:"executionId"`
	Timestamp          string       `json:"timestamp"`
}
