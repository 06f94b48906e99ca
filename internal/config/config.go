// Package config handles configuration loading for dispatch.
// It supports XDG config paths, project-level overrides, and environment
// variables, with every knob represented explicitly and defaulted.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/dispatch/pkg/faults"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Config holds all configuration for dispatch.
type Config struct {
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Locks      LocksConfig      `mapstructure:"locks"`
	Storage    StorageConfig    `mapstructure:"storage"`
	LLM        LLMConfig        `mapstructure:"llm"`
}

// ScoringWeights weights the nine scoring factors. Values are in [0,1].
// The legacy factors (priority, resources, duration) default to zero.
type ScoringWeights struct {
	Dependencies      float64 `mapstructure:"dependencies"`
	Deadline          float64 `mapstructure:"deadline"`
	SystemLoad        float64 `mapstructure:"system_load"`
	Complexity        float64 `mapstructure:"complexity"`
	BusinessImpact    float64 `mapstructure:"business_impact"`
	AgentAvailability float64 `mapstructure:"agent_availability"`
	Priority          float64 `mapstructure:"priority"`
	Resources         float64 `mapstructure:"resources"`
	Duration          float64 `mapstructure:"duration"`
}

// TaskTypeResources is the per-task-type resource quota.
type TaskTypeResources struct {
	MemoryMB   int     `mapstructure:"memory_mb"`
	CPUWeight  float64 `mapstructure:"cpu_weight"`
	AgentCount int     `mapstructure:"agent_count"`
}

// ResourcesConfig bounds the scheduler's resource model.
type ResourcesConfig struct {
	MaxConcurrentTasks int     `mapstructure:"max_concurrent_tasks"`
	MaxMemoryMB        int     `mapstructure:"max_memory_mb"`
	MaxCPUUtilization  float64 `mapstructure:"max_cpu_utilization"`
	AvailableAgents    int     `mapstructure:"available_agents"`
	// TaskTypeResources maps task type to its quota.
	TaskTypeResources map[string]TaskTypeResources `mapstructure:"task_type_resources"`
}

// RescheduleSensitivity tunes when an update forces a full re-schedule.
type RescheduleSensitivity string

const (
	SensitivityLow    RescheduleSensitivity = "low"
	SensitivityMedium RescheduleSensitivity = "medium"
	SensitivityHigh   RescheduleSensitivity = "high"
)

// Threshold returns the change ratio above which a full re-schedule runs.
func (s RescheduleSensitivity) Threshold() float64 {
	switch s {
	case SensitivityLow:
		return 0.3
	case SensitivityHigh:
		return 0.1
	default:
		return 0.2
	}
}

// SchedulingConfig tunes the task scheduler.
type SchedulingConfig struct {
	Algorithm                 string                `mapstructure:"algorithm"`
	Weights                   ScoringWeights        `mapstructure:"weights"`
	Resources                 ResourcesConfig       `mapstructure:"resources"`
	DeadlineBuffer            time.Duration         `mapstructure:"deadline_buffer"`
	RescheduleSensitivity     RescheduleSensitivity `mapstructure:"reschedule_sensitivity"`
	EnableDynamicOptimization bool                  `mapstructure:"enable_dynamic_optimization"`
	OptimizationInterval      time.Duration         `mapstructure:"optimization_interval"`
	// OutputDir is where schedule snapshots are persisted. Empty disables
	// persistence.
	OutputDir string `mapstructure:"output_dir"`
	// SnapshotRetentionDays bounds how long snapshots are kept.
	SnapshotRetentionDays int `mapstructure:"snapshot_retention_days"`
}

// ExecutionConfig tunes the execution coordinator.
type ExecutionConfig struct {
	MaxConcurrentBatches       int           `mapstructure:"max_concurrent_batches"`
	TaskTimeoutMinutes         int           `mapstructure:"task_timeout_minutes"`
	MaxRetryAttempts           int           `mapstructure:"max_retry_attempts"`
	RetryDelaySeconds          int           `mapstructure:"retry_delay_seconds"`
	AgentHeartbeatInterval     time.Duration `mapstructure:"agent_heartbeat_interval"`
	ResourceMonitoringInterval time.Duration `mapstructure:"resource_monitoring_interval"`
	EnableAutoRecovery         bool          `mapstructure:"enable_auto_recovery"`
	LoadBalancingStrategy      string        `mapstructure:"load_balancing_strategy"`
	EnableExecutionStateEvents bool          `mapstructure:"enable_execution_state_events"`
	ExecutionRetentionMinutes  int           `mapstructure:"execution_retention_minutes"`
	EnableExecutionDelays      bool          `mapstructure:"enable_execution_delays"`
	DefaultExecutionDelayMs    int           `mapstructure:"default_execution_delay_ms"`
}

// LocksConfig tunes the lock manager.
type LocksConfig struct {
	EnableLockAuditTrail    bool          `mapstructure:"enable_lock_audit_trail"`
	EnableDeadlockDetection bool          `mapstructure:"enable_deadlock_detection"`
	DefaultLockTimeout      time.Duration `mapstructure:"default_lock_timeout"`
	MaxLockTimeout          time.Duration `mapstructure:"max_lock_timeout"`
	LockCleanupInterval     time.Duration `mapstructure:"lock_cleanup_interval"`
}

// StorageConfig locates the SQLite store.
type StorageConfig struct {
	// Path is the database file path. Empty uses the project-local default.
	Path string `mapstructure:"path"`
}

// LLMConfig tunes the optional LLM helper.
type LLMConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	// UseAWSBedrock routes calls through AWS Bedrock instead of the
	// direct Anthropic API.
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
// 1. Environment variables (DISPATCH_*, ANTHROPIC_API_KEY)
// 2. Project config (.dispatch.yaml in current directory or parent)
// 3. User config (~/.config/dispatch/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.BindEnv("llm.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.LLM.APIKey = os.ExpandEnv(cfg.LLM.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects nonsensical knobs. Failures are Configuration faults.
func (c *Config) Validate() error {
	if !models.SchedulingAlgorithm(c.Scheduling.Algorithm).Valid() {
		return faults.New(faults.Configuration, "config", "Validate",
			"unknown scheduling algorithm %q", c.Scheduling.Algorithm)
	}

	weights := []struct {
		name  string
		value float64
	}{
		{"dependencies", c.Scheduling.Weights.Dependencies},
		{"deadline", c.Scheduling.Weights.Deadline},
		{"system_load", c.Scheduling.Weights.SystemLoad},
		{"complexity", c.Scheduling.Weights.Complexity},
		{"business_impact", c.Scheduling.Weights.BusinessImpact},
		{"agent_availability", c.Scheduling.Weights.AgentAvailability},
		{"priority", c.Scheduling.Weights.Priority},
		{"resources", c.Scheduling.Weights.Resources},
		{"duration", c.Scheduling.Weights.Duration},
	}
	for _, w := range weights {
		if w.value < 0 || w.value > 1 {
			return faults.New(faults.Configuration, "config", "Validate",
				"weight %s=%v outside [0,1]", w.name, w.value)
		}
	}

	switch c.Scheduling.RescheduleSensitivity {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
	default:
		return faults.New(faults.Configuration, "config", "Validate",
			"unknown reschedule sensitivity %q", c.Scheduling.RescheduleSensitivity)
	}

	if c.Scheduling.Resources.MaxConcurrentTasks <= 0 {
		return faults.New(faults.Configuration, "config", "Validate",
			"max_concurrent_tasks must be positive")
	}
	if c.Scheduling.Resources.MaxMemoryMB <= 0 {
		return faults.New(faults.Configuration, "config", "Validate",
			"max_memory_mb must be positive")
	}

	switch c.Execution.LoadBalancingStrategy {
	case "round_robin", "least_loaded", "resource_aware", "priority_based":
	default:
		return faults.New(faults.Configuration, "config", "Validate",
			"unknown load balancing strategy %q", c.Execution.LoadBalancingStrategy)
	}

	if c.Execution.TaskTimeoutMinutes <= 0 {
		return faults.New(faults.Configuration, "config", "Validate",
			"task_timeout_minutes must be positive")
	}
	if c.Execution.MaxRetryAttempts < 0 {
		return faults.New(faults.Configuration, "config", "Validate",
			"max_retry_attempts must not be negative")
	}

	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Scheduling defaults
	v.SetDefault("scheduling.algorithm", string(models.AlgorithmHybridOptimal))
	v.SetDefault("scheduling.weights.dependencies", 0.35)
	v.SetDefault("scheduling.weights.deadline", 0.25)
	v.SetDefault("scheduling.weights.system_load", 0.20)
	v.SetDefault("scheduling.weights.complexity", 0.10)
	v.SetDefault("scheduling.weights.business_impact", 0.05)
	v.SetDefault("scheduling.weights.agent_availability", 0.05)
	v.SetDefault("scheduling.weights.priority", 0.0)
	v.SetDefault("scheduling.weights.resources", 0.0)
	v.SetDefault("scheduling.weights.duration", 0.0)
	v.SetDefault("scheduling.resources.max_concurrent_tasks", 10)
	v.SetDefault("scheduling.resources.max_memory_mb", 8192)
	v.SetDefault("scheduling.resources.max_cpu_utilization", 0.8)
	v.SetDefault("scheduling.resources.available_agents", 3)
	v.SetDefault("scheduling.deadline_buffer", "2h")
	v.SetDefault("scheduling.reschedule_sensitivity", string(SensitivityMedium))
	v.SetDefault("scheduling.enable_dynamic_optimization", false)
	v.SetDefault("scheduling.optimization_interval", "5m")
	v.SetDefault("scheduling.output_dir", "")
	v.SetDefault("scheduling.snapshot_retention_days", 7)

	// Execution defaults
	v.SetDefault("execution.max_concurrent_batches", 1)
	v.SetDefault("execution.task_timeout_minutes", 30)
	v.SetDefault("execution.max_retry_attempts", 2)
	v.SetDefault("execution.retry_delay_seconds", 30)
	v.SetDefault("execution.agent_heartbeat_interval", "30s")
	v.SetDefault("execution.resource_monitoring_interval", "10s")
	v.SetDefault("execution.enable_auto_recovery", true)
	v.SetDefault("execution.load_balancing_strategy", "resource_aware")
	v.SetDefault("execution.enable_execution_state_events", true)
	v.SetDefault("execution.execution_retention_minutes", 60)
	v.SetDefault("execution.enable_execution_delays", false)
	v.SetDefault("execution.default_execution_delay_ms", 0)

	// Lock manager defaults
	v.SetDefault("locks.enable_lock_audit_trail", false)
	v.SetDefault("locks.enable_deadlock_detection", true)
	v.SetDefault("locks.default_lock_timeout", "30s")
	v.SetDefault("locks.max_lock_timeout", "5m")
	v.SetDefault("locks.lock_cleanup_interval", "30s")

	// Storage defaults
	v.SetDefault("storage.path", "")

	// LLM defaults
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.use_aws_bedrock", false)
	v.SetDefault("llm.aws_region", "")
	v.SetDefault("llm.aws_profile", "")
}

// getUserConfigDir returns the XDG config directory for dispatch.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dispatch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "dispatch")
	}
	return filepath.Join(home, ".config", "dispatch")
}

// findProjectConfig searches for .dispatch.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".dispatch.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Scheduling: SchedulingConfig{
			Algorithm: string(models.AlgorithmHybridOptimal),
			Weights: ScoringWeights{
				Dependencies:      0.35,
				Deadline:          0.25,
				SystemLoad:        0.20,
				Complexity:        0.10,
				BusinessImpact:    0.05,
				AgentAvailability: 0.05,
			},
			Resources: ResourcesConfig{
				MaxConcurrentTasks: 10,
				MaxMemoryMB:        8192,
				MaxCPUUtilization:  0.8,
				AvailableAgents:    3,
				TaskTypeResources:  DefaultTaskTypeResources(),
			},
			DeadlineBuffer:        2 * time.Hour,
			RescheduleSensitivity: SensitivityMedium,
			OptimizationInterval:  5 * time.Minute,
			SnapshotRetentionDays: 7,
		},
		Execution: ExecutionConfig{
			MaxConcurrentBatches:       1,
			TaskTimeoutMinutes:         30,
			MaxRetryAttempts:           2,
			RetryDelaySeconds:          30,
			AgentHeartbeatInterval:     30 * time.Second,
			ResourceMonitoringInterval: 10 * time.Second,
			EnableAutoRecovery:         true,
			LoadBalancingStrategy:      "resource_aware",
			EnableExecutionStateEvents: true,
			ExecutionRetentionMinutes:  60,
		},
		Locks: LocksConfig{
			EnableDeadlockDetection: true,
			DefaultLockTimeout:      30 * time.Second,
			MaxLockTimeout:          5 * time.Minute,
			LockCleanupInterval:     30 * time.Second,
		},
	}
}

// DefaultTaskTypeResources returns the built-in per-type quotas.
func DefaultTaskTypeResources() map[string]TaskTypeResources {
	return map[string]TaskTypeResources{
		string(models.TaskTypeDevelopment):   {MemoryMB: 1024, CPUWeight: 1.0, AgentCount: 1},
		string(models.TaskTypeTesting):       {MemoryMB: 768, CPUWeight: 0.8, AgentCount: 1},
		string(models.TaskTypeDocumentation): {MemoryMB: 256, CPUWeight: 0.3, AgentCount: 1},
		string(models.TaskTypeResearch):      {MemoryMB: 512, CPUWeight: 0.5, AgentCount: 1},
		string(models.TaskTypeDeployment):    {MemoryMB: 1536, CPUWeight: 1.2, AgentCount: 1},
		string(models.TaskTypeReview):        {MemoryMB: 384, CPUWeight: 0.4, AgentCount: 1},
	}
}

// TypeResources returns the quota for a task type, falling back to the
// development quota for unknown types.
func (r *ResourcesConfig) TypeResources(taskType models.TaskType) TaskTypeResources {
	if r.TaskTypeResources != nil {
		if q, ok := r.TaskTypeResources[string(taskType)]; ok {
			return q
		}
	}
	defaults := DefaultTaskTypeResources()
	if q, ok := defaults[string(taskType)]; ok {
		return q
	}
	return defaults[string(models.TaskTypeDevelopment)]
}
