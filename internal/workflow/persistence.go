package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/faults"
)

// snapshotsSubdir is where workflow snapshots live under the output dir.
const snapshotsSubdir = "workflow-states"

// saveSnapshot writes a workflow snapshot to
// <dir>/workflow-states/<id>.json via temp file and rename.
func saveSnapshot(dir string, ws *WorkflowState) error {
	target := filepath.Join(dir, snapshotsSubdir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return faults.Wrap(err, faults.Transient, "workflow", "saveSnapshot",
			"create snapshot directory")
	}

	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return faults.Wrap(err, faults.Invariant, "workflow", "saveSnapshot",
			"marshal workflow %s", ws.ID)
	}

	path := filepath.Join(target, ws.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return faults.Wrap(err, faults.Transient, "workflow", "saveSnapshot",
			"write snapshot %s", ws.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return faults.Wrap(err, faults.Transient, "workflow", "saveSnapshot",
			"commit snapshot %s", ws.ID)
	}

	return nil
}

// loadSnapshot rehydrates a workflow from disk. Malformed snapshots are
// rejected rather than partially loaded.
func loadSnapshot(dir, workflowID string) (*WorkflowState, error) {
	path := filepath.Join(dir, snapshotsSubdir, workflowID+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(err, faults.Validation, "workflow", "loadSnapshot",
			"read snapshot %s", workflowID)
	}

	ws := &WorkflowState{}
	if err := json.Unmarshal(data, ws); err != nil {
		return nil, faults.Wrap(err, faults.Validation, "workflow", "loadSnapshot",
			"malformed snapshot %s", workflowID)
	}
	if ws.ID == "" || !ws.CurrentPhase.Valid() || ws.Phases == nil {
		return nil, faults.New(faults.Validation, "workflow", "loadSnapshot",
			"snapshot %s missing required fields", workflowID)
	}

	return ws, nil
}

// CleanupSnapshots removes snapshots of workflows that ended more than
// retentionDays ago. Returns the number of files removed.
func CleanupSnapshots(dir string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	target := filepath.Join(dir, snapshotsSubdir)
	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, faults.Wrap(err, faults.Transient, "workflow", "CleanupSnapshots",
			"list snapshot directory")
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".json")
		ws, err := loadSnapshot(dir, id)
		if err != nil || ws.EndTime == nil {
			// Malformed or still-running snapshots are left alone.
			continue
		}
		if ws.EndTime.Before(cutoff) {
			if err := os.Remove(filepath.Join(target, entry.Name())); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}
