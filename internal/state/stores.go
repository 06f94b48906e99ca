package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ProjectStatus represents the status of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

// Project groups the epics and tasks of one body of work.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// encodeList serializes a string slice as a JSON column. Nil and empty
// store as NULL.
func encodeList(list []string) (*string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// decodeList parses a JSON list column.
func decodeList(col sql.NullString) ([]string, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(col.String), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Project CRUD operations

// CreateProject creates a new project.
func (db *DB) CreateProject(p *Project) error {
	_, err := db.Exec(`
		INSERT INTO projects (id, name, description, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, string(p.Status), formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID. A missing project returns nil
// without error.
func (db *DB) GetProject(id string) (*Project, error) {
	row := db.QueryRow(`
		SELECT id, name, description, status, created_at
		FROM projects WHERE id = ?
	`, id)

	var p Project
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	p.CreatedAt, _ = parseTime(createdAt)
	return &p, nil
}

// UpdateProject updates a project.
func (db *DB) UpdateProject(p *Project) error {
	_, err := db.Exec(`
		UPDATE projects SET name = ?, description = ?, status = ? WHERE id = ?
	`, p.Name, p.Description, string(p.Status), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// ListProjects lists all projects, optionally filtered by status.
func (db *DB) ListProjects(status *ProjectStatus) ([]Project, error) {
	var rows *sql.Rows
	var err error

	if status != nil {
		rows, err = db.Query(`
			SELECT id, name, description, status, created_at
			FROM projects WHERE status = ? ORDER BY created_at DESC
		`, string(*status))
	} else {
		rows, err = db.Query(`
			SELECT id, name, description, status, created_at
			FROM projects ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt, _ = parseTime(createdAt)
		projects = append(projects, p)
	}
	return projects, nil
}

// Task CRUD operations

// CreateTask creates a new task.
func (db *DB) CreateTask(t *models.AtomicTask) error {
	deps, err := encodeList(t.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	files, err := encodeList(t.FilePaths)
	if err != nil {
		return fmt.Errorf("encode file paths: %w", err)
	}
	tags, err := encodeList(t.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	acceptance, err := encodeList(t.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("encode acceptance criteria: %w", err)
	}
	testing, err := encodeList(t.TestingRequirements)
	if err != nil {
		return fmt.Errorf("encode testing requirements: %w", err)
	}

	var completedAt *string
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	_, err = db.Exec(`
		INSERT INTO tasks (id, project_id, epic_id, title, description, type, priority, status,
			estimated_hours, dependencies, file_paths, tags, acceptance_criteria,
			testing_requirements, blocked_reason, retry_count, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ProjectID, t.EpicID, t.Title, t.Description, string(t.Type), string(t.Priority),
		string(t.Status), t.EstimatedHours, deps, files, tags, acceptance, testing,
		t.BlockedReason, t.RetryCount, formatTime(t.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// taskColumns is the select list shared by task queries.
const taskColumns = `id, project_id, epic_id, title, description, type, priority, status,
	estimated_hours, dependencies, file_paths, tags, acceptance_criteria,
	testing_requirements, blocked_reason, retry_count, created_at, completed_at`

// scanTask populates a task from one row of taskColumns.
func scanTask(scan func(dest ...any) error) (*models.AtomicTask, error) {
	var t models.AtomicTask
	var epicID, description, blockedReason sql.NullString
	var deps, files, tags, acceptance, testing sql.NullString
	var createdAt string
	var completedAt sql.NullString

	err := scan(&t.ID, &t.ProjectID, &epicID, &t.Title, &description, &t.Type, &t.Priority,
		&t.Status, &t.EstimatedHours, &deps, &files, &tags, &acceptance, &testing,
		&blockedReason, &t.RetryCount, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.EpicID = epicID.String
	t.Description = description.String
	t.BlockedReason = blockedReason.String
	if t.Dependencies, err = decodeList(deps); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if t.FilePaths, err = decodeList(files); err != nil {
		return nil, fmt.Errorf("decode file paths: %w", err)
	}
	if t.Tags, err = decodeList(tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if t.AcceptanceCriteria, err = decodeList(acceptance); err != nil {
		return nil, fmt.Errorf("decode acceptance criteria: %w", err)
	}
	if t.TestingRequirements, err = decodeList(testing); err != nil {
		return nil, fmt.Errorf("decode testing requirements: %w", err)
	}
	t.CreatedAt, _ = parseTime(createdAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// GetTask retrieves a task by ID. A missing task returns nil without
// error.
func (db *DB) GetTask(id string) (*models.AtomicTask, error) {
	row := db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)

	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask updates a task.
func (db *DB) UpdateTask(t *models.AtomicTask) error {
	deps, err := encodeList(t.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	files, err := encodeList(t.FilePaths)
	if err != nil {
		return fmt.Errorf("encode file paths: %w", err)
	}
	tags, err := encodeList(t.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	acceptance, err := encodeList(t.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("encode acceptance criteria: %w", err)
	}
	testing, err := encodeList(t.TestingRequirements)
	if err != nil {
		return fmt.Errorf("encode testing requirements: %w", err)
	}

	var completedAt *string
	if t.CompletedAt != nil {
		s := formatTime(*t.CompletedAt)
		completedAt = &s
	}

	_, err = db.Exec(`
		UPDATE tasks SET project_id = ?, epic_id = ?, title = ?, description = ?, type = ?,
			priority = ?, status = ?, estimated_hours = ?, dependencies = ?, file_paths = ?,
			tags = ?, acceptance_criteria = ?, testing_requirements = ?, blocked_reason = ?,
			retry_count = ?, completed_at = ?
		WHERE id = ?
	`, t.ProjectID, t.EpicID, t.Title, t.Description, string(t.Type), string(t.Priority),
		string(t.Status), t.EstimatedHours, deps, files, tags, acceptance, testing,
		t.BlockedReason, t.RetryCount, completedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

// listTasks runs one task query and scans all rows.
func (db *DB) listTasks(query string, args ...any) ([]models.AtomicTask, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.AtomicTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, nil
}

// ListTasksByProject lists all tasks of a project.
func (db *DB) ListTasksByProject(projectID string) ([]models.AtomicTask, error) {
	return db.listTasks("SELECT "+taskColumns+" FROM tasks WHERE project_id = ? ORDER BY created_at, id", projectID)
}

// ListTasksByEpic lists all tasks of an epic.
func (db *DB) ListTasksByEpic(epicID string) ([]models.AtomicTask, error) {
	return db.listTasks("SELECT "+taskColumns+" FROM tasks WHERE epic_id = ? ORDER BY created_at, id", epicID)
}

// Epic CRUD operations

// CreateEpic creates a new epic.
func (db *DB) CreateEpic(e *models.Epic) error {
	taskIDs, err := encodeList(e.TaskIDs)
	if err != nil {
		return fmt.Errorf("encode task ids: %w", err)
	}
	deps, err := encodeList(e.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	tags, err := encodeList(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = db.Exec(`
		INSERT INTO epics (id, project_id, title, description, status, priority, task_ids,
			dependencies, estimated_hours, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.Title, e.Description, string(e.Status), string(e.Priority),
		taskIDs, deps, e.EstimatedHours, tags)
	if err != nil {
		return fmt.Errorf("create epic: %w", err)
	}
	return nil
}

const epicColumns = `id, project_id, title, description, status, priority, task_ids,
	dependencies, estimated_hours, tags`

// scanEpic populates an epic from one row of epicColumns.
func scanEpic(scan func(dest ...any) error) (*models.Epic, error) {
	var e models.Epic
	var description sql.NullString
	var taskIDs, deps, tags sql.NullString

	err := scan(&e.ID, &e.ProjectID, &e.Title, &description, &e.Status, &e.Priority,
		&taskIDs, &deps, &e.EstimatedHours, &tags)
	if err != nil {
		return nil, err
	}

	e.Description = description.String
	if e.TaskIDs, err = decodeList(taskIDs); err != nil {
		return nil, fmt.Errorf("decode task ids: %w", err)
	}
	if e.Dependencies, err = decodeList(deps); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if e.Tags, err = decodeList(tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &e, nil
}

// GetEpic retrieves an epic by ID. A missing epic returns nil without
// error.
func (db *DB) GetEpic(id string) (*models.Epic, error) {
	row := db.QueryRow("SELECT "+epicColumns+" FROM epics WHERE id = ?", id)

	e, err := scanEpic(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get epic: %w", err)
	}
	return e, nil
}

// UpdateEpic updates an epic.
func (db *DB) UpdateEpic(e *models.Epic) error {
	taskIDs, err := encodeList(e.TaskIDs)
	if err != nil {
		return fmt.Errorf("encode task ids: %w", err)
	}
	deps, err := encodeList(e.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	tags, err := encodeList(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}

	_, err = db.Exec(`
		UPDATE epics SET project_id = ?, title = ?, description = ?, status = ?, priority = ?,
			task_ids = ?, dependencies = ?, estimated_hours = ?, tags = ?
		WHERE id = ?
	`, e.ProjectID, e.Title, e.Description, string(e.Status), string(e.Priority),
		taskIDs, deps, e.EstimatedHours, tags, e.ID)
	if err != nil {
		return fmt.Errorf("update epic: %w", err)
	}
	return nil
}

// ListEpicsByProject lists all epics of a project.
func (db *DB) ListEpicsByProject(projectID string) ([]models.Epic, error) {
	rows, err := db.Query("SELECT "+epicColumns+" FROM epics WHERE project_id = ? ORDER BY id", projectID)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()

	var epics []models.Epic
	for rows.Next() {
		e, err := scanEpic(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		epics = append(epics, *e)
	}
	return epics, nil
}

// Epic dependency operations

// ReplaceEpicDependencies atomically replaces the derived edges among
// the given epics with the new set. Edges touching other epics are
// untouched.
func (db *DB) ReplaceEpicDependencies(epicIDs []string, deps []*models.EpicDependency) error {
	member := make(map[string]bool, len(epicIDs))
	for _, id := range epicIDs {
		member[id] = true
	}

	return db.Transaction(func(tx *sql.Tx) error {
		for _, id := range epicIDs {
			if _, err := tx.Exec(
				"DELETE FROM epic_dependencies WHERE from_epic_id = ? OR to_epic_id = ?", id, id); err != nil {
				return fmt.Errorf("clear epic dependencies: %w", err)
			}
		}

		for _, d := range deps {
			if !member[d.FromEpicID] || !member[d.ToEpicID] {
				return fmt.Errorf("epic dependency %s->%s references an epic outside the replacement set",
					d.FromEpicID, d.ToEpicID)
			}
			critical := 0
			if d.Critical {
				critical = 1
			}
			if _, err := tx.Exec(`
				INSERT INTO epic_dependencies (from_epic_id, to_epic_id, type, strength, critical, task_edge_count, reason)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, d.FromEpicID, d.ToEpicID, string(d.Type), d.Strength, critical, d.TaskEdgeCount, d.Reason); err != nil {
				return fmt.Errorf("insert epic dependency: %w", err)
			}
		}
		return nil
	})
}

// ListEpicDependencies lists the stored edges touching any of the given
// epics.
func (db *DB) ListEpicDependencies(epicIDs []string) ([]models.EpicDependency, error) {
	member := make(map[string]bool, len(epicIDs))
	for _, id := range epicIDs {
		member[id] = true
	}

	rows, err := db.Query(`
		SELECT from_epic_id, to_epic_id, type, strength, critical, task_edge_count, reason
		FROM epic_dependencies ORDER BY from_epic_id, to_epic_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list epic dependencies: %w", err)
	}
	defer rows.Close()

	var deps []models.EpicDependency
	for rows.Next() {
		var d models.EpicDependency
		var critical int
		var reason sql.NullString
		if err := rows.Scan(&d.FromEpicID, &d.ToEpicID, &d.Type, &d.Strength, &critical,
			&d.TaskEdgeCount, &reason); err != nil {
			return nil, fmt.Errorf("scan epic dependency: %w", err)
		}
		if !member[d.FromEpicID] && !member[d.ToEpicID] {
			continue
		}
		d.Critical = critical != 0
		d.Reason = reason.String
		deps = append(deps, d)
	}
	return deps, nil
}
