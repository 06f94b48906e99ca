// Package state provides SQLite-backed persistence for dispatch.
package state

import (
	"io"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ProjectStore handles project-related persistence operations.
type ProjectStore interface {
	CreateProject(p *Project) error
	GetProject(id string) (*Project, error)
	UpdateProject(p *Project) error
	ListProjects(status *ProjectStatus) ([]Project, error)
}

// TaskStore handles task-related persistence operations.
type TaskStore interface {
	CreateTask(t *models.AtomicTask) error
	GetTask(id string) (*models.AtomicTask, error)
	UpdateTask(t *models.AtomicTask) error
	ListTasksByProject(projectID string) ([]models.AtomicTask, error)
	ListTasksByEpic(epicID string) ([]models.AtomicTask, error)
}

// EpicStore handles epic-related persistence operations.
type EpicStore interface {
	CreateEpic(e *models.Epic) error
	GetEpic(id string) (*models.Epic, error)
	UpdateEpic(e *models.Epic) error
	ListEpicsByProject(projectID string) ([]models.Epic, error)
}

// DependencyStore handles derived epic-dependency persistence.
type DependencyStore interface {
	ReplaceEpicDependencies(projectEpicIDs []string, deps []*models.EpicDependency) error
	ListEpicDependencies(epicIDs []string) ([]models.EpicDependency, error)
}

// Migrator handles database schema migrations. Separating this allows
// clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for state persistence. It lets the
// orchestrator work with any backend without depending on the concrete
// SQLite implementation.
type Store interface {
	io.Closer
	Migrator
	ProjectStore
	TaskStore
	EpicStore
	DependencyStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ Migrator        = (*DB)(nil)
	_ ProjectStore    = (*DB)(nil)
	_ TaskStore       = (*DB)(nil)
	_ EpicStore       = (*DB)(nil)
	_ DependencyStore = (*DB)(nil)
)
