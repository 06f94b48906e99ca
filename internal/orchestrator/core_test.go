package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/state"
	"github.com/ShayCichocki/dispatch/internal/workflow"
	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// scriptedChannel acknowledges every task with a canned result. Task ids
// listed in failures report failure instead.
type scriptedChannel struct {
	mu        sync.Mutex
	failures  map[string]bool
	responses map[string][]string
	sent      int
}

func newScriptedChannel(failures ...string) *scriptedChannel {
	fail := make(map[string]bool, len(failures))
	for _, id := range failures {
		fail[id] = true
	}
	return &scriptedChannel{
		failures:  fail,
		responses: make(map[string][]string),
	}
}

func (s *scriptedChannel) SendTask(agentID string, payload []byte) bool {
	var p models.TaskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}

	result := `{"success": true, "output": "done"}`
	if s.failures[p.TaskID] {
		result = fmt.Sprintf(`{"success": false, "error": "task %s broke"}`, p.TaskID)
	}

	s.mu.Lock()
	s.responses[agentID] = append(s.responses[agentID], result)
	s.sent++
	s.mu.Unlock()
	return true
}

func (s *scriptedChannel) ReceiveResponse(agentID string, poll time.Duration) (string, bool) {
	deadline := time.Now().Add(poll)
	for {
		s.mu.Lock()
		queue := s.responses[agentID]
		if len(queue) > 0 {
			resp := queue[0]
			s.responses[agentID] = queue[1:]
			s.mu.Unlock()
			return resp, true
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return "", false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testAgent(id string) *models.Agent {
	return &models.Agent{
		ID:     id,
		Name:   id,
		Status: models.AgentStatusIdle,
		Capacity: models.AgentCapacity{
			MaxMemoryMB:        8192,
			MaxCPUWeight:       4,
			MaxConcurrentTasks: 4,
		},
	}
}

func submitTask(id string, deps ...string) *models.AtomicTask {
	return &models.AtomicTask{
		ID:             id,
		Title:          "task " + id,
		Type:           models.TaskTypeDevelopment,
		Priority:       models.PriorityMedium,
		Status:         models.TaskStatusPending,
		EstimatedHours: 1,
		Dependencies:   deps,
		ProjectID:      "proj-1",
		CreatedAt:      time.Now(),
	}
}

func newTestCore(t *testing.T, channel *scriptedChannel, opts ...Option) *Core {
	t.Helper()

	cfg := config.Default()
	cfg.Scheduling.OutputDir = ""
	cfg.Execution.EnableAutoRecovery = false

	core := New(cfg, channel, nil, opts...)
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(core.Stop)

	if err := core.RegisterAgent(testAgent("agent-1")); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	return core
}

func TestSubmitAndRunProject(t *testing.T) {
	channel := newScriptedChannel()
	core := newTestCore(t, channel)

	tasks := []*models.AtomicTask{
		submitTask("t1"),
		submitTask("t2", "t1"),
		submitTask("t3", "t1"),
	}

	schedule, err := core.SubmitTasks("proj-1", tasks, nil)
	if err != nil {
		t.Fatalf("SubmitTasks: %v", err)
	}
	if len(schedule.Batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(schedule.Batches))
	}

	// Submission walks the workflow through its planning phases.
	ws, ok := core.WorkflowState("proj-1")
	if !ok {
		t.Fatal("workflow missing after submit")
	}
	if ws.CurrentPhase != workflow.PhaseExecution {
		t.Errorf("phase after submit = %s, want execution", ws.CurrentPhase)
	}

	status, err := core.Run(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.BatchCompleted {
		t.Errorf("status = %s, want completed", status)
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		exec, ok := core.ExecutionStatus(id)
		if !ok || exec.Status != models.ExecutionCompleted {
			t.Errorf("task %s not completed: %+v", id, exec)
		}
	}

	ws, _ = core.WorkflowState("proj-1")
	if ws.CurrentPhase != workflow.PhaseCompleted {
		t.Errorf("terminal phase = %s, want completed", ws.CurrentPhase)
	}
	progress, err := core.WorkflowProgress("proj-1")
	if err != nil {
		t.Fatalf("WorkflowProgress: %v", err)
	}
	if progress != 100 {
		t.Errorf("progress = %v, want 100", progress)
	}

	m := core.Metrics()
	if m.Completed != 3 || m.Failed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRunReportsPartialFailure(t *testing.T) {
	channel := newScriptedChannel("t2")
	core := newTestCore(t, channel)

	tasks := []*models.AtomicTask{
		submitTask("t1"),
		submitTask("t2"),
	}
	if _, err := core.SubmitTasks("proj-1", tasks, nil); err != nil {
		t.Fatalf("SubmitTasks: %v", err)
	}

	status, err := core.Run(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status != models.BatchPartial {
		t.Errorf("status = %s, want partial", status)
	}

	exec, ok := core.ExecutionStatus("t2")
	if !ok || exec.Status != models.ExecutionFailed {
		t.Errorf("t2 should have failed: %+v", exec)
	}
}

func TestSubmitTasksValidation(t *testing.T) {
	core := newTestCore(t, newScriptedChannel())

	if _, err := core.SubmitTasks("", []*models.AtomicTask{submitTask("t1")}, nil); !faults.IsKind(err, faults.Validation) {
		t.Errorf("empty project id: expected Validation fault, got %v", err)
	}

	// An empty task set fails validation and the workflow with it.
	if _, err := core.SubmitTasks("proj-1", nil, nil); !faults.IsKind(err, faults.Validation) {
		t.Errorf("empty task set: expected Validation fault, got %v", err)
	}
	ws, ok := core.WorkflowState("proj-1")
	if !ok || ws.CurrentPhase != workflow.PhaseFailed {
		t.Errorf("workflow should be failed after bad submit, got %+v", ws)
	}
}

func TestSubmitTasksRejectsInconsistentEpics(t *testing.T) {
	core := newTestCore(t, newScriptedChannel())

	tasks := []*models.AtomicTask{submitTask("t1")}
	epics := []*models.Epic{{
		ID:        "e1",
		Title:     "epic",
		Status:    models.EpicStatusPlanned,
		Priority:  models.PriorityHigh,
		ProjectID: "proj-1",
		TaskIDs:   []string{"t1", "missing"},
	}}

	if _, err := core.SubmitTasks("proj-1", tasks, epics); !faults.IsKind(err, faults.Validation) {
		t.Errorf("expected Validation fault, got %v", err)
	}
}

func TestSubmitPersistsToStore(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	core := newTestCore(t, newScriptedChannel(), WithStore(db))

	task := submitTask("t1")
	task.EpicID = "e1"
	epics := []*models.Epic{{
		ID:        "e1",
		Title:     "epic",
		Status:    models.EpicStatusPlanned,
		Priority:  models.PriorityHigh,
		ProjectID: "proj-1",
		TaskIDs:   []string{"t1"},
	}}

	if _, err := core.SubmitTasks("proj-1", []*models.AtomicTask{task}, epics); err != nil {
		t.Fatalf("SubmitTasks: %v", err)
	}

	project, err := db.GetProject("proj-1")
	if err != nil || project == nil {
		t.Fatalf("project not persisted: %v", err)
	}
	stored, err := db.GetTask("t1")
	if err != nil || stored == nil {
		t.Fatalf("task not persisted: %v", err)
	}
	storedEpic, err := db.GetEpic("e1")
	if err != nil || storedEpic == nil {
		t.Fatalf("epic not persisted: %v", err)
	}

	if _, err := core.Run(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stored, err = db.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask after run: %v", err)
	}
	if stored.Status != models.TaskStatusCompleted || stored.CompletedAt == nil {
		t.Errorf("completion not persisted: %+v", stored)
	}
}

func TestRunDefersBatchUntilAgentAvailable(t *testing.T) {
	channel := newScriptedChannel()

	cfg := config.Default()
	cfg.Scheduling.OutputDir = ""
	cfg.Execution.EnableAutoRecovery = false

	core := New(cfg, channel, nil, WithBatchRetryWait(20*time.Millisecond))
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(core.Stop)

	// Only a documentation agent is registered, so the development task
	// has nowhere to run yet.
	docs := testAgent("docs-only")
	docs.Capabilities = []models.TaskType{models.TaskTypeDocumentation}
	if err := core.RegisterAgent(docs); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}

	if _, err := core.SubmitTasks("proj-1", []*models.AtomicTask{submitTask("t1")}, nil); err != nil {
		t.Fatalf("SubmitTasks: %v", err)
	}

	// A capable agent joins while Run is waiting the batch out.
	go func() {
		time.Sleep(100 * time.Millisecond)
		if err := core.RegisterAgent(testAgent("agent-1")); err != nil {
			t.Errorf("RegisterAgent: %v", err)
		}
	}()

	status, err := core.Run(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("Run should recover once an agent has capacity: %v", err)
	}
	if status != models.BatchCompleted {
		t.Errorf("status = %s, want completed", status)
	}

	ws, _ := core.WorkflowState("proj-1")
	if ws.CurrentPhase != workflow.PhaseCompleted {
		t.Errorf("phase = %s, want completed", ws.CurrentPhase)
	}
}

func TestRunCancelledContext(t *testing.T) {
	core := newTestCore(t, newScriptedChannel())

	if _, err := core.SubmitTasks("proj-1", []*models.AtomicTask{submitTask("t1")}, nil); err != nil {
		t.Fatalf("SubmitTasks: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := core.Run(ctx, "proj-1"); !faults.IsKind(err, faults.Canceled) {
		t.Errorf("expected Canceled fault, got %v", err)
	}
	ws, _ := core.WorkflowState("proj-1")
	if ws.CurrentPhase != workflow.PhaseCancelled {
		t.Errorf("phase = %s, want cancelled", ws.CurrentPhase)
	}
}

func TestEventsRepublished(t *testing.T) {
	core := newTestCore(t, newScriptedChannel())

	if _, err := core.SubmitTasks("proj-1", []*models.AtomicTask{submitTask("t1")}, nil); err != nil {
		t.Fatalf("SubmitTasks: %v", err)
	}
	if _, err := core.Run(context.Background(), "proj-1"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// At minimum the registration event reaches subscribers.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-core.Events():
			if ev.Type != "" {
				return
			}
		case <-deadline:
			t.Fatal("no events republished")
		}
	}
}
