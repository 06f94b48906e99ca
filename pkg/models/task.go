package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the task is being worked on.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusBlocked indicates the task cannot proceed.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusBlocked, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// TaskType classifies the kind of work a task represents.
type TaskType string

const (
	TaskTypeDevelopment   TaskType = "development"
	TaskTypeTesting       TaskType = "testing"
	TaskTypeDocumentation TaskType = "documentation"
	TaskTypeResearch      TaskType = "research"
	TaskTypeDeployment    TaskType = "deployment"
	TaskTypeReview        TaskType = "review"
)

// Valid returns true if the type is a known value.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeDevelopment, TaskTypeTesting, TaskTypeDocumentation,
		TaskTypeResearch, TaskTypeDeployment, TaskTypeReview:
		return true
	default:
		return false
	}
}

// TaskPriority ranks the urgency of a task.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Valid returns true if the priority is a known value.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Score returns the priority factor used in task scoring.
func (p TaskPriority) Score() float64 {
	switch p {
	case PriorityCritical:
		return 1.0
	case PriorityHigh:
		return 0.8
	case PriorityMedium:
		return 0.6
	case PriorityLow:
		return 0.4
	default:
		return 0.6
	}
}

// DeadlineMultiplier returns the estimated-hours multiplier used to derive
// an implied deadline for a task of this priority. Critical tasks get the
// tightest window.
func (p TaskPriority) DeadlineMultiplier() float64 {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 4
	case PriorityLow:
		return 8
	default:
		return 4
	}
}

// AtomicTask represents a unit of work small enough for a single agent
// session, with explicit acceptance criteria.
type AtomicTask struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Type classifies the work (development, testing, ...).
	Type TaskType `json:"type"`
	// Priority ranks the urgency of the task.
	Priority TaskPriority `json:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// EstimatedHours is the estimated effort in hours. Never negative.
	EstimatedHours float64 `json:"estimated_hours"`
	// Dependencies lists task IDs that must complete before this task.
	Dependencies []string `json:"dependencies,omitempty"`
	// FilePaths lists files this task is expected to modify.
	FilePaths []string `json:"file_paths,omitempty"`
	// EpicID is the epic this task belongs to, if any.
	EpicID string `json:"epic_id,omitempty"`
	// ProjectID is the project this task belongs to.
	ProjectID string `json:"project_id,omitempty"`
	// Tags carries freeform labels (critical-path, customer-facing, ...).
	Tags []string `json:"tags,omitempty"`
	// AcceptanceCriteria defines the criteria for task completion.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	// TestingRequirements lists required tests for this task.
	TestingRequirements []string `json:"testing_requirements,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task was completed, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// BlockedReason explains why the task is blocked, if it is.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty"`
}

// HasTag returns true if the task carries the given tag.
func (t *AtomicTask) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}
