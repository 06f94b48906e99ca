package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/pkg/faults"
)

func TestCatalogWeightsSumToOne(t *testing.T) {
	for _, phase := range phaseOrder {
		specs := SubPhases(phase)
		if len(specs) == 0 {
			t.Errorf("phase %s has no sub-phases", phase)
			continue
		}
		var sum float64
		for _, spec := range specs {
			sum += spec.Weight
		}
		if sum < 0.999 || sum > 1.001 {
			t.Errorf("phase %s weights sum to %v", phase, sum)
		}
	}
}

func TestParseCatalogRejectsBadWeights(t *testing.T) {
	bad := []byte(`
phases:
  execution:
    - name: only
      weight: 0.5
`)
	if _, err := parseCatalog(bad); err == nil {
		t.Error("expected rejection of weights not summing to 1")
	}

	unknown := []byte(`
phases:
  daydreaming:
    - name: x
      weight: 1.0
`)
	if _, err := parseCatalog(unknown); err == nil {
		t.Error("expected rejection of unknown phase")
	}
}

func TestStartWorkflow(t *testing.T) {
	m := NewManager(logging.NopLogger())

	ws, err := m.StartWorkflow("wf-1", "task-1")
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if ws.CurrentPhase != PhaseInitialization {
		t.Errorf("expected initialization phase, got %s", ws.CurrentPhase)
	}
	if ws.Phases[PhaseInitialization].State != StatePending {
		t.Errorf("expected pending state, got %s", ws.Phases[PhaseInitialization].State)
	}
	if len(ws.Phases[PhaseExecution].SubPhases) != 3 {
		t.Errorf("expected 3 execution sub-phases, got %d", len(ws.Phases[PhaseExecution].SubPhases))
	}

	if _, err := m.StartWorkflow("wf-1", "task-1"); err == nil {
		t.Error("expected duplicate workflow rejection")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewManager(logging.NopLogger())
	if _, err := m.StartWorkflow("wf-1", ""); err != nil {
		t.Fatal(err)
	}

	// pending -> completed is not in the table.
	err := m.Transition("wf-1", StateCompleted)
	if err == nil {
		t.Fatal("expected invalid transition rejection")
	}
	if !faults.IsKind(err, faults.Invariant) {
		t.Errorf("expected Invariant fault, got %v", err)
	}

	// The rejected transition must not change state.
	ws, _ := m.Get("wf-1")
	if ws.Phases[PhaseInitialization].State != StatePending {
		t.Errorf("state changed after rejected transition: %s", ws.Phases[PhaseInitialization].State)
	}
	if len(ws.Transitions) != 0 {
		t.Errorf("rejected transition must not be logged, got %d entries", len(ws.Transitions))
	}
}

func TestPhaseCompletionAdvancesWorkflow(t *testing.T) {
	m := NewManager(logging.NopLogger())
	if _, err := m.StartWorkflow("wf-1", ""); err != nil {
		t.Fatal(err)
	}

	if err := m.Transition("wf-1", StateInProgress); err != nil {
		t.Fatalf("in_progress: %v", err)
	}
	if err := m.Transition("wf-1", StateCompleted); err != nil {
		t.Fatalf("completed: %v", err)
	}

	ws, _ := m.Get("wf-1")
	if ws.CurrentPhase != PhaseDecomposition {
		t.Errorf("expected advance to decomposition, got %s", ws.CurrentPhase)
	}
	if ws.Phases[PhaseInitialization].Progress != 100 {
		t.Errorf("completed phase should read 100, got %v", ws.Phases[PhaseInitialization].Progress)
	}
	if ws.Phases[PhaseDecomposition].State != StatePending {
		t.Errorf("next phase should start pending, got %s", ws.Phases[PhaseDecomposition].State)
	}
	if len(ws.Transitions) != 2 {
		t.Errorf("expected 2 transition log entries, got %d", len(ws.Transitions))
	}
}

func TestFailureMovesToTerminalPhase(t *testing.T) {
	m := NewManager(logging.NopLogger())
	if _, err := m.StartWorkflow("wf-1", ""); err != nil {
		t.Fatal(err)
	}

	if err := m.Transition("wf-1", StateInProgress); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition("wf-1", StateFailed); err != nil {
		t.Fatal(err)
	}

	ws, _ := m.Get("wf-1")
	if ws.CurrentPhase != PhaseFailed {
		t.Errorf("expected failed phase, got %s", ws.CurrentPhase)
	}
	if ws.EndTime == nil {
		t.Error("expected EndTime on terminal workflow")
	}

	// Terminal workflows accept no further transitions.
	if err := m.Transition("wf-1", StateInProgress); err == nil {
		t.Error("expected rejection after terminal phase")
	}
}

func TestSubPhaseProgressRollsUp(t *testing.T) {
	m := NewManager(logging.NopLogger())
	if _, err := m.StartWorkflow("wf-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition("wf-1", StateInProgress); err != nil {
		t.Fatal(err)
	}

	// initialization: validate_input 0.4, load_state 0.6.
	if err := m.UpdateSubPhaseProgress("wf-1", "validate_input", 50); err != nil {
		t.Fatalf("UpdateSubPhaseProgress: %v", err)
	}

	ws, _ := m.Get("wf-1")
	pe := ws.Phases[PhaseInitialization]
	if pe.Progress != 20 { // 0.4 * 50
		t.Errorf("expected phase progress 20, got %v", pe.Progress)
	}
	if pe.SubPhases[0].State != StateInProgress {
		t.Errorf("expected in_progress sub-phase, got %s", pe.SubPhases[0].State)
	}

	// 100 auto-completes the sub-phase.
	if err := m.UpdateSubPhaseProgress("wf-1", "validate_input", 100); err != nil {
		t.Fatal(err)
	}
	ws, _ = m.Get("wf-1")
	if ws.Phases[PhaseInitialization].SubPhases[0].State != StateCompleted {
		t.Error("expected auto-completed sub-phase at 100")
	}

	if err := m.UpdateSubPhaseProgress("wf-1", "no_such", 10); err == nil {
		t.Error("expected unknown sub-phase rejection")
	}
	if err := m.UpdateSubPhaseProgress("wf-1", "load_state", 120); err == nil {
		t.Error("expected out-of-range progress rejection")
	}
}

func TestHappyPathProgressIsMonotone(t *testing.T) {
	m := NewManager(logging.NopLogger())
	if _, err := m.StartWorkflow("wf-1", ""); err != nil {
		t.Fatal(err)
	}

	var last float64
	step := func(state State) {
		t.Helper()
		if err := m.Transition("wf-1", state); err != nil {
			t.Fatalf("transition to %s: %v", state, err)
		}
		p, err := m.Progress("wf-1")
		if err != nil {
			t.Fatal(err)
		}
		if p < last {
			t.Fatalf("progress went backwards: %v -> %v", last, p)
		}
		last = p
	}

	// Drive initialization through execution to completion.
	for i := 0; i < 4; i++ {
		step(StateInProgress)
		step(StateCompleted)
	}

	ws, _ := m.Get("wf-1")
	if ws.CurrentPhase != PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", ws.CurrentPhase)
	}
	if last != 100 {
		t.Errorf("expected 100%% once the workflow reaches its completed phase, got %v", last)
	}
	if ws.Phases[PhaseCompleted].State != StateCompleted {
		t.Errorf("terminal phase should be marked completed, got %s", ws.Phases[PhaseCompleted].State)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(logging.NopLogger(), WithOutputDir(dir))

	if _, err := m.StartWorkflow("wf-1", "task-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition("wf-1", StateInProgress); err != nil {
		t.Fatal(err)
	}

	// A fresh manager over the same dir rehydrates the workflow.
	m2 := NewManager(logging.NopLogger(), WithOutputDir(dir))
	ws, ok := m2.Get("wf-1")
	if !ok {
		t.Fatal("expected rehydrated workflow")
	}
	if ws.CurrentPhase != PhaseInitialization {
		t.Errorf("expected initialization phase, got %s", ws.CurrentPhase)
	}
	if ws.Phases[PhaseInitialization].State != StateInProgress {
		t.Errorf("expected in_progress after rehydrate, got %s", ws.Phases[PhaseInitialization].State)
	}

	// Rehydrated state keeps serving transitions.
	if err := m2.Transition("wf-1", StateCompleted); err != nil {
		t.Errorf("transition after rehydrate: %v", err)
	}
}

func TestMalformedSnapshotReadsAsAbsent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, snapshotsSubdir)
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "broken.json"), []byte("{oops"), 0644); err != nil {
		t.Fatal(err)
	}

	m := NewManager(logging.NopLogger(), WithOutputDir(dir))
	if _, ok := m.Get("broken"); ok {
		t.Error("malformed snapshot must read as absent")
	}
}

func TestCleanupSnapshotsHonorsEndTime(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(logging.NopLogger(), WithOutputDir(dir))

	// An ended workflow, backdated past the retention window.
	if _, err := m.StartWorkflow("old", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition("old", StateInProgress); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition("old", StateFailed); err != nil {
		t.Fatal(err)
	}
	stale, _ := m.Get("old")
	past := time.Now().AddDate(0, 0, -30)
	stale.EndTime = &past
	if err := saveSnapshot(dir, stale); err != nil {
		t.Fatal(err)
	}

	// A live workflow must survive cleanup.
	if _, err := m.StartWorkflow("live", ""); err != nil {
		t.Fatal(err)
	}

	removed, err := CleanupSnapshots(dir, 7)
	if err != nil {
		t.Fatalf("CleanupSnapshots: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, snapshotsSubdir, "live.json")); err != nil {
		t.Errorf("live snapshot should survive: %v", err)
	}
}

func TestTransitionListener(t *testing.T) {
	var got []State
	m := NewManager(logging.NopLogger(),
		WithTransitionListener(func(id string, phase Phase, from, to State) {
			got = append(got, to)
		}))

	if _, err := m.StartWorkflow("wf-1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition("wf-1", StateInProgress); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition("wf-1", StateCompleted); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 || got[0] != StateInProgress || got[1] != StateCompleted {
		t.Errorf("expected listener to see [in_progress completed], got %v", got)
	}
}

func TestResolveWorkflowID(t *testing.T) {
	cases := []struct {
		name     string
		taskID   string
		metadata map[string]string
		want     string
		wantErr  bool
	}{
		{"jobId wins", "t1", map[string]string{"jobId": "job-9", "sessionId": "s-1"}, "job-9", false},
		{"sessionId second", "t1", map[string]string{"sessionId": "s-1"}, "s-1", false},
		{"taskId fallback", "t1", nil, "t1", false},
		{"atomic subtask collapses", "epic-7-atomic-3", nil, "epic-7", false},
		{"impl subtask collapses", "epic-7-impl-12", nil, "epic-7", false},
		{"generic subtask collapses", "wf-alpha-review-2", nil, "wf-alpha", false},
		{"plain id passes through", "workflow-main", nil, "workflow-main", false},
		{"nothing fails", "", nil, "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ResolveWorkflowID(c.taskID, c.metadata)
			if c.wantErr {
				if err == nil {
					t.Fatal("expected typed failure")
				}
				if !faults.IsKind(err, faults.Validation) {
					t.Errorf("expected Validation fault, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveWorkflowID: %v", err)
			}
			if got != c.want {
				t.Errorf("expected %q, got %q", c.want, got)
			}
		})
	}
}
