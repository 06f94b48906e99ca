package models

import "time"

// SchedulingAlgorithm selects how tasks are ordered into batches.
// The set is closed; dispatch on the value, not on plugins.
type SchedulingAlgorithm string

const (
	AlgorithmPriorityFirst    SchedulingAlgorithm = "priority_first"
	AlgorithmEarliestDeadline SchedulingAlgorithm = "earliest_deadline"
	AlgorithmCriticalPath     SchedulingAlgorithm = "critical_path"
	AlgorithmResourceBalanced SchedulingAlgorithm = "resource_balanced"
	AlgorithmShortestJob      SchedulingAlgorithm = "shortest_job"
	AlgorithmHybridOptimal    SchedulingAlgorithm = "hybrid_optimal"
)

// Valid returns true if the algorithm is a known value.
func (a SchedulingAlgorithm) Valid() bool {
	switch a {
	case AlgorithmPriorityFirst, AlgorithmEarliestDeadline, AlgorithmCriticalPath,
		AlgorithmResourceBalanced, AlgorithmShortestJob, AlgorithmHybridOptimal:
		return true
	default:
		return false
	}
}

// TaskScores holds the nine orthogonal scoring factors for a task,
// each in [0,1], plus the weighted total.
type TaskScores struct {
	Priority          float64 `json:"priority"`
	Deadline          float64 `json:"deadline"`
	Dependency        float64 `json:"dependency"`
	Resource          float64 `json:"resource"`
	Duration          float64 `json:"duration"`
	SystemLoad        float64 `json:"system_load"`
	Complexity        float64 `json:"complexity"`
	BusinessImpact    float64 `json:"business_impact"`
	AgentAvailability float64 `json:"agent_availability"`
	Total             float64 `json:"total"`
}

// AssignedResources is the resource reservation for a scheduled task.
type AssignedResources struct {
	// MemoryMB is the reserved memory in megabytes.
	MemoryMB int `json:"memory_mb"`
	// CPUWeight is the reserved cpu weight.
	CPUWeight float64 `json:"cpu_weight"`
	// AgentID is the pre-assigned agent, if any.
	AgentID string `json:"agent_id,omitempty"`
}

// ScheduledTask is an atomic task placed on the schedule timeline.
type ScheduledTask struct {
	// Task is the underlying atomic task.
	Task *AtomicTask `json:"task"`
	// ScheduledStart is when the task is planned to begin.
	ScheduledStart time.Time `json:"scheduled_start"`
	// ScheduledEnd is when the task is planned to finish.
	ScheduledEnd time.Time `json:"scheduled_end"`
	// Resources is the reservation backing this placement.
	Resources AssignedResources `json:"resources"`
	// BatchID is the parallel batch this task belongs to.
	BatchID int `json:"batch_id"`
	// PrerequisiteTasks lists tasks that must finish first.
	PrerequisiteTasks []string `json:"prerequisite_tasks,omitempty"`
	// DependentTasks lists tasks waiting on this one.
	DependentTasks []string `json:"dependent_tasks,omitempty"`
	// Scores is the scoring snapshot used for placement.
	Scores TaskScores `json:"scores"`
	// Algorithm tags which algorithm produced this placement.
	Algorithm SchedulingAlgorithm `json:"algorithm"`
}

// ParallelBatch is a set of mutually independent tasks scheduled together.
type ParallelBatch struct {
	// ID is the batch index, assigned monotonically.
	ID int `json:"id"`
	// TaskIDs lists the member task ids in deterministic order.
	TaskIDs []string `json:"task_ids"`
	// Start is when the batch is planned to begin.
	Start time.Time `json:"start"`
	// End is when the batch is planned to finish, including buffer.
	End time.Time `json:"end"`
	// Duration is End - Start.
	Duration time.Duration `json:"duration"`
}

// ScheduleTimeline summarizes the planned execution window.
type ScheduleTimeline struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	// TotalDuration is the planned wall time for the whole schedule.
	TotalDuration time.Duration `json:"total_duration"`
	// CriticalPath lists the task ids on the longest dependency chain.
	CriticalPath []string `json:"critical_path,omitempty"`
	// ParallelismFactor is total task hours / total duration.
	// An empty schedule has factor 1.
	ParallelismFactor float64 `json:"parallelism_factor"`
}

// ResourceUtilization summarizes the planned resource footprint.
type ResourceUtilization struct {
	// PeakMemoryMB is the largest per-batch memory demand.
	PeakMemoryMB int `json:"peak_memory_mb"`
	// AvgCPUWeight is the mean per-batch cpu demand.
	AvgCPUWeight float64 `json:"avg_cpu_weight"`
	// AgentUtilization maps agent id to planned busy fraction.
	AgentUtilization map[string]float64 `json:"agent_utilization,omitempty"`
	// Efficiency is the overall packing efficiency in [0,1].
	Efficiency float64 `json:"efficiency"`
}

// ExecutionSchedule is the scheduler's output: ordered parallel batches
// with per-task placements and resource reservations.
type ExecutionSchedule struct {
	// ID is the unique identifier for this schedule.
	ID string `json:"id"`
	// ProjectID is the project this schedule belongs to.
	ProjectID string `json:"project_id"`
	// ScheduledTasks maps task id to its placement.
	ScheduledTasks map[string]*ScheduledTask `json:"scheduled_tasks"`
	// Batches lists the parallel batches in execution order.
	Batches []*ParallelBatch `json:"batches"`
	// Timeline summarizes the planned window.
	Timeline ScheduleTimeline `json:"timeline"`
	// Utilization summarizes the planned resource footprint.
	Utilization ResourceUtilization `json:"utilization"`
	// Algorithm is the algorithm that produced this schedule.
	Algorithm SchedulingAlgorithm `json:"algorithm"`
	// Version increments on every regeneration or update.
	Version int `json:"version"`
	// IsOptimal marks schedules produced by a full optimization pass.
	IsOptimal bool `json:"is_optimal"`
	// GeneratedAt is when this schedule was produced.
	GeneratedAt time.Time `json:"generated_at"`
}

// Batch returns the batch with the given id, or nil.
func (s *ExecutionSchedule) Batch(id int) *ParallelBatch {
	for _, b := range s.Batches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// TotalTaskHours sums the estimated hours of all scheduled tasks.
func (s *ExecutionSchedule) TotalTaskHours() float64 {
	var total float64
	for _, st := range s.ScheduledTasks {
		total += st.Task.EstimatedHours
	}
	return total
}
