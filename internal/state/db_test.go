package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var version int
	row := db.QueryRow("SELECT MAX(version) FROM schema_version")
	if err := row.Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != 4 {
		t.Errorf("schema version = %d, want 4", version)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	db := testDB(t)

	p := &Project{
		ID:        "proj-1",
		Name:      "demo",
		Status:    ProjectActive,
		CreatedAt: time.Now(),
	}
	if err := db.CreateProject(p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := db.GetProject("proj-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got == nil || got.Name != "demo" || got.Status != ProjectActive {
		t.Errorf("unexpected project: %+v", got)
	}

	p.Status = ProjectCompleted
	if err := db.UpdateProject(p); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}

	status := ProjectCompleted
	list, err := db.ListProjects(&status)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 completed project, got %d", len(list))
	}

	missing, err := db.GetProject("nope")
	if err != nil || missing != nil {
		t.Errorf("missing project should return nil, nil; got %v, %v", missing, err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := testDB(t)

	task := &models.AtomicTask{
		ID:                  "t1",
		Title:               "build the parser",
		Type:                models.TaskTypeDevelopment,
		Priority:            models.PriorityHigh,
		Status:              models.TaskStatusPending,
		EstimatedHours:      3.5,
		Dependencies:        []string{"t0"},
		FilePaths:           []string{"parser.go", "lexer.go"},
		Tags:                []string{"critical-path"},
		AcceptanceCriteria:  []string{"parses all fixtures"},
		TestingRequirements: []string{"unit tests"},
		EpicID:              "e1",
		ProjectID:           "proj-1",
		CreatedAt:           time.Now(),
	}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := db.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil {
		t.Fatal("task not found")
	}
	if got.EstimatedHours != 3.5 || got.EpicID != "e1" {
		t.Errorf("unexpected task: %+v", got)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "t0" {
		t.Errorf("dependencies = %v", got.Dependencies)
	}
	if len(got.FilePaths) != 2 {
		t.Errorf("file paths = %v", got.FilePaths)
	}

	now := time.Now()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	if err := db.UpdateTask(task); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, err = db.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask after update: %v", err)
	}
	if got.Status != models.TaskStatusCompleted || got.CompletedAt == nil {
		t.Errorf("update not persisted: %+v", got)
	}

	byEpic, err := db.ListTasksByEpic("e1")
	if err != nil {
		t.Fatalf("ListTasksByEpic: %v", err)
	}
	if len(byEpic) != 1 {
		t.Errorf("expected 1 task in epic, got %d", len(byEpic))
	}

	byProject, err := db.ListTasksByProject("proj-1")
	if err != nil {
		t.Fatalf("ListTasksByProject: %v", err)
	}
	if len(byProject) != 1 {
		t.Errorf("expected 1 task in project, got %d", len(byProject))
	}
}

func TestEpicRoundTrip(t *testing.T) {
	db := testDB(t)

	e := &models.Epic{
		ID:             "e1",
		Title:          "authentication",
		Status:         models.EpicStatusPlanned,
		Priority:       models.PriorityHigh,
		ProjectID:      "proj-1",
		TaskIDs:        []string{"t1", "t2"},
		EstimatedHours: 8,
	}
	if err := db.CreateEpic(e); err != nil {
		t.Fatalf("CreateEpic: %v", err)
	}

	got, err := db.GetEpic("e1")
	if err != nil {
		t.Fatalf("GetEpic: %v", err)
	}
	if got == nil || len(got.TaskIDs) != 2 || got.Priority != models.PriorityHigh {
		t.Errorf("unexpected epic: %+v", got)
	}

	e.Status = models.EpicStatusInProgress
	e.AddTask("t3")
	if err := db.UpdateEpic(e); err != nil {
		t.Fatalf("UpdateEpic: %v", err)
	}

	list, err := db.ListEpicsByProject("proj-1")
	if err != nil {
		t.Fatalf("ListEpicsByProject: %v", err)
	}
	if len(list) != 1 || len(list[0].TaskIDs) != 3 {
		t.Errorf("unexpected epic list: %+v", list)
	}
}

func TestEpicDependencyReplace(t *testing.T) {
	db := testDB(t)

	deps := []*models.EpicDependency{
		{FromEpicID: "e1", ToEpicID: "e2", Type: models.EpicDepBlocks, Strength: 0.8, Critical: true, TaskEdgeCount: 3},
	}
	if err := db.ReplaceEpicDependencies([]string{"e1", "e2"}, deps); err != nil {
		t.Fatalf("ReplaceEpicDependencies: %v", err)
	}

	got, err := db.ListEpicDependencies([]string{"e1"})
	if err != nil {
		t.Fatalf("ListEpicDependencies: %v", err)
	}
	if len(got) != 1 || got[0].Type != models.EpicDepBlocks || !got[0].Critical {
		t.Fatalf("unexpected dependencies: %+v", got)
	}

	// Replacing with an empty set clears the edges.
	if err := db.ReplaceEpicDependencies([]string{"e1", "e2"}, nil); err != nil {
		t.Fatalf("ReplaceEpicDependencies (clear): %v", err)
	}
	got, err = db.ListEpicDependencies([]string{"e1"})
	if err != nil {
		t.Fatalf("ListEpicDependencies after clear: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no edges after clear, got %d", len(got))
	}

	// Edges referencing epics outside the replacement set are rejected.
	bad := []*models.EpicDependency{{FromEpicID: "e1", ToEpicID: "other"}}
	if err := db.ReplaceEpicDependencies([]string{"e1"}, bad); err == nil {
		t.Error("expected rejection of out-of-set edge")
	}
}

func TestPurgeCompletedTasks(t *testing.T) {
	db := testDB(t)

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	for _, tc := range []struct {
		id          string
		completedAt *time.Time
	}{
		{"old", &old},
		{"recent", &recent},
	} {
		task := &models.AtomicTask{
			ID:          tc.id,
			Title:       tc.id,
			Type:        models.TaskTypeDevelopment,
			Priority:    models.PriorityMedium,
			Status:      models.TaskStatusCompleted,
			ProjectID:   "proj-1",
			CreatedAt:   old,
			CompletedAt: tc.completedAt,
		}
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask %s: %v", tc.id, err)
		}
	}

	count, err := db.PurgeCompletedTasks(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeCompletedTasks: %v", err)
	}
	if count != 1 {
		t.Errorf("purged %d tasks, want 1", count)
	}

	if got, _ := db.GetTask("recent"); got == nil {
		t.Error("recent task should survive the purge")
	}
	if got, _ := db.GetTask("old"); got != nil {
		t.Error("old task should be purged")
	}
}
