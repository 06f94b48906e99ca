package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Scheduling.Algorithm != string(models.AlgorithmHybridOptimal) {
		t.Errorf("expected hybrid_optimal default, got %s", cfg.Scheduling.Algorithm)
	}
	if cfg.Scheduling.Weights.Dependencies != 0.35 {
		t.Errorf("expected dependencies weight 0.35, got %v", cfg.Scheduling.Weights.Dependencies)
	}
	if cfg.Execution.TaskTimeoutMinutes != 30 {
		t.Errorf("expected 30 minute task timeout, got %d", cfg.Execution.TaskTimeoutMinutes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
scheduling:
  algorithm: shortest_job
  reschedule_sensitivity: high
execution:
  task_timeout_minutes: 5
  load_balancing_strategy: least_loaded
locks:
  default_lock_timeout: 10s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Scheduling.Algorithm != "shortest_job" {
		t.Errorf("expected shortest_job, got %s", cfg.Scheduling.Algorithm)
	}
	if cfg.Scheduling.RescheduleSensitivity != SensitivityHigh {
		t.Errorf("expected high sensitivity, got %s", cfg.Scheduling.RescheduleSensitivity)
	}
	if cfg.Execution.TaskTimeoutMinutes != 5 {
		t.Errorf("expected timeout 5, got %d", cfg.Execution.TaskTimeoutMinutes)
	}
	if cfg.Locks.DefaultLockTimeout != 10*time.Second {
		t.Errorf("expected 10s lock timeout, got %v", cfg.Locks.DefaultLockTimeout)
	}

	// Defaults fill unset fields.
	if cfg.Execution.MaxRetryAttempts != 2 {
		t.Errorf("expected default retry attempts 2, got %d", cfg.Execution.MaxRetryAttempts)
	}
}

func TestValidateRejectsUnknownAlgorithm(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.Algorithm = "guesswork"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !faults.IsKind(err, faults.Configuration) {
		t.Errorf("expected Configuration fault, got %v", err)
	}
}

func TestValidateRejectsWeightOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.Scheduling.Weights.Deadline = 1.5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for weight > 1")
	}

	cfg = Default()
	cfg.Scheduling.Weights.Complexity = -0.1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for negative weight")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.Execution.LoadBalancingStrategy = "wishful_thinking"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for unknown strategy")
	}
}

func TestSensitivityThreshold(t *testing.T) {
	cases := []struct {
		s    RescheduleSensitivity
		want float64
	}{
		{SensitivityLow, 0.3},
		{SensitivityMedium, 0.2},
		{SensitivityHigh, 0.1},
	}
	for _, c := range cases {
		if got := c.s.Threshold(); got != c.want {
			t.Errorf("%s: expected threshold %v, got %v", c.s, c.want, got)
		}
	}
}

func TestTypeResourcesFallback(t *testing.T) {
	r := &ResourcesConfig{}

	q := r.TypeResources(models.TaskTypeTesting)
	if q.MemoryMB != 768 {
		t.Errorf("expected testing quota 768MB, got %d", q.MemoryMB)
	}

	unknown := r.TypeResources(models.TaskType("mystery"))
	if unknown.MemoryMB != 1024 {
		t.Errorf("expected development fallback for unknown type, got %d", unknown.MemoryMB)
	}
}
