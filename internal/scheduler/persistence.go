package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// schedulesSubdir is where schedule snapshots live under the output dir.
const schedulesSubdir = "schedules"

// saveSchedule writes a schedule snapshot to <dir>/schedules/<id>.json.
// The write goes through a temp file and rename so readers never see a
// partial snapshot.
func saveSchedule(dir string, schedule *models.ExecutionSchedule) error {
	target := filepath.Join(dir, schedulesSubdir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return faults.Wrap(err, faults.Transient, "scheduler", "saveSchedule",
			"create snapshot directory")
	}

	data, err := json.MarshalIndent(schedule, "", "  ")
	if err != nil {
		return faults.Wrap(err, faults.Invariant, "scheduler", "saveSchedule",
			"marshal schedule %s", schedule.ID)
	}

	path := filepath.Join(target, schedule.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return faults.Wrap(err, faults.Transient, "scheduler", "saveSchedule",
			"write snapshot %s", schedule.ID)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return faults.Wrap(err, faults.Transient, "scheduler", "saveSchedule",
			"commit snapshot %s", schedule.ID)
	}

	return nil
}

// LoadSchedule reads a schedule snapshot back from <dir>/schedules.
func LoadSchedule(dir, scheduleID string) (*models.ExecutionSchedule, error) {
	path := filepath.Join(dir, schedulesSubdir, scheduleID+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrap(err, faults.Validation, "scheduler", "LoadSchedule",
			"read snapshot %s", scheduleID)
	}

	schedule := &models.ExecutionSchedule{}
	if err := json.Unmarshal(data, schedule); err != nil {
		return nil, faults.Wrap(err, faults.Validation, "scheduler", "LoadSchedule",
			"malformed snapshot %s", scheduleID)
	}
	if schedule.ID == "" {
		return nil, faults.New(faults.Validation, "scheduler", "LoadSchedule",
			"snapshot %s has no schedule id", scheduleID)
	}

	return schedule, nil
}

// CleanupSnapshots removes schedule snapshots older than the retention
// window. Returns the number of files removed.
func CleanupSnapshots(dir string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	target := filepath.Join(dir, schedulesSubdir)
	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, faults.Wrap(err, faults.Transient, "scheduler", "CleanupSnapshots",
			"list snapshot directory")
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(target, entry.Name())); err == nil {
				removed++
			}
		}
	}

	return removed, nil
}
