package models

// EpicStatus represents the current state of an epic.
type EpicStatus string

const (
	EpicStatusPlanned    EpicStatus = "planned"
	EpicStatusInProgress EpicStatus = "in_progress"
	EpicStatusCompleted  EpicStatus = "completed"
	EpicStatusCancelled  EpicStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s EpicStatus) Valid() bool {
	switch s {
	case EpicStatusPlanned, EpicStatusInProgress, EpicStatusCompleted, EpicStatusCancelled:
		return true
	default:
		return false
	}
}

// Epic is a cohesive collection of atomic tasks, usually aligned with a
// functional area of the project. Epic.TaskIDs and AtomicTask.EpicID must
// stay mutually consistent; the epic manager enforces this.
type Epic struct {
	// ID is the unique identifier for this epic.
	ID string `json:"id"`
	// Title is the short description of the epic.
	Title string `json:"title"`
	// Description provides detailed information about the epic.
	Description string `json:"description,omitempty"`
	// Status is the current state of the epic.
	Status EpicStatus `json:"status"`
	// Priority ranks the urgency of the epic.
	Priority TaskPriority `json:"priority"`
	// ProjectID is the project this epic belongs to.
	ProjectID string `json:"project_id"`
	// TaskIDs lists the member tasks in order. Entries are unique.
	TaskIDs []string `json:"task_ids,omitempty"`
	// Dependencies lists epic IDs this epic depends on.
	Dependencies []string `json:"dependencies,omitempty"`
	// EstimatedHours is the summed estimate of the member tasks.
	EstimatedHours float64 `json:"estimated_hours"`
	// Tags carries freeform labels.
	Tags []string `json:"tags,omitempty"`
}

// HasTask returns true if the epic lists the given task as a member.
func (e *Epic) HasTask(taskID string) bool {
	for _, id := range e.TaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// AddTask appends a task to the epic if not already present.
func (e *Epic) AddTask(taskID string) {
	if e.HasTask(taskID) {
		return
	}
	e.TaskIDs = append(e.TaskIDs, taskID)
}

// EpicDependencyType classifies a derived epic-level dependency.
type EpicDependencyType string

const (
	// EpicDepBlocks means the upstream epic must finish before the
	// downstream one can start. Strength > 0.7.
	EpicDepBlocks EpicDependencyType = "blocks"
	// EpicDepRequires means the downstream epic needs the upstream one
	// but limited overlap is tolerable. Strength in (0.5, 0.7].
	EpicDepRequires EpicDependencyType = "requires"
	// EpicDepSuggests means ordering the epics is advisable.
	// Strength in [0.3, 0.5].
	EpicDepSuggests EpicDependencyType = "suggests"
	// EpicDepEnables is a semantic relationship discovered by the LLM
	// helper: the upstream epic unlocks value in the downstream one.
	EpicDepEnables EpicDependencyType = "enables"
)

// EpicDependency is an epic-level edge derived from task-level edges or
// discovered semantically.
type EpicDependency struct {
	// FromEpicID is the upstream epic.
	FromEpicID string `json:"from_epic_id"`
	// ToEpicID is the downstream epic that depends on FromEpicID.
	ToEpicID string `json:"to_epic_id"`
	// Type classifies the dependency.
	Type EpicDependencyType `json:"type"`
	// Strength is the computed dependency strength in [0,1].
	Strength float64 `json:"strength"`
	// Critical marks blocking dependencies that gate scheduling.
	Critical bool `json:"critical"`
	// TaskEdgeCount is the number of task edges backing this epic edge.
	TaskEdgeCount int `json:"task_edge_count,omitempty"`
	// Reason explains a semantically discovered edge.
	Reason string `json:"reason,omitempty"`
}
