package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/agent"
	"github.com/ShayCichocki/dispatch/internal/exec"
	"github.com/ShayCichocki/dispatch/internal/llm"
	"github.com/ShayCichocki/dispatch/internal/logging"
	"github.com/ShayCichocki/dispatch/internal/orchestrator"
	"github.com/ShayCichocki/dispatch/internal/state"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var (
	runWorkerCmd string
	runAgents    int
	runDiscover  bool
	runNoStore   bool
)

var runCmd = &cobra.Command{
	Use:   "run <tasks.json>",
	Short: "Schedule and execute a task file",
	Long: `Load a task file, generate an execution schedule, and run it to
completion against a pool of worker agents.

The task file is JSON:

  {
    "project_id": "my-project",
    "tasks":  [ ... atomic tasks ... ],
    "epics":  [ ... optional epics ... ]
  }

Each dispatched task is handed to the worker command as a JSON payload
argument; the worker's stdout is parsed as the task result.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

// taskFile is the on-disk submission format.
type taskFile struct {
	ProjectID string               `json:"project_id"`
	Tasks     []*models.AtomicTask `json:"tasks"`
	Epics     []*models.Epic       `json:"epics,omitempty"`
}

func runRun(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}
	var file taskFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse task file: %w", err)
	}
	if file.ProjectID == "" {
		file.ProjectID = uuid.NewString()
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	debugLog := logging.NewDebugLoggerForDir(cfg.Scheduling.OutputDir, "dispatch")
	defer debugLog.Close()

	channel := agent.NewProcessChannel(exec.NewRunner(), runWorkerCmd, debugLog,
		agent.WithProcessTimeout(time.Duration(cfg.Execution.TaskTimeoutMinutes)*time.Minute))

	opts := []orchestrator.Option{}
	if !runNoStore {
		store, err := openStore(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, orchestrator.WithStore(store))
	}
	if runDiscover {
		client, err := llm.NewClient(cfg.LLM, debugLog)
		if err != nil {
			return fmt.Errorf("configure LLM client: %w", err)
		}
		opts = append(opts, orchestrator.WithLLMCaller(client))
	}

	core := orchestrator.New(cfg, channel, debugLog, opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := core.Start(ctx); err != nil {
		return fmt.Errorf("start core: %w", err)
	}
	defer core.Stop()

	for i := 0; i < runAgents; i++ {
		a := &models.Agent{
			ID:     fmt.Sprintf("agent-%d", i+1),
			Name:   fmt.Sprintf("worker %d", i+1),
			Status: models.AgentStatusIdle,
			Capacity: models.AgentCapacity{
				MaxMemoryMB:        4096,
				MaxCPUWeight:       2,
				MaxConcurrentTasks: 2,
			},
		}
		if err := core.RegisterAgent(a); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}

	go printEvents(core)

	schedule, err := core.SubmitTasks(file.ProjectID, file.Tasks, file.Epics)
	if err != nil {
		return fmt.Errorf("submit tasks: %w", err)
	}
	fmt.Printf("%s schedule %s: %d tasks in %d batches (%s)\n",
		color.GreenString("✓"), schedule.ID, len(schedule.ScheduledTasks),
		len(schedule.Batches), schedule.Algorithm)

	if runDiscover && len(file.Epics) > 1 {
		discovered, err := core.DiscoverEpicRelationships(ctx, file.Epics, nil)
		if err != nil {
			fmt.Printf("%s epic discovery failed: %v\n", color.YellowString("⚠"), err)
		} else {
			for _, d := range discovered {
				fmt.Printf("  discovered %s %s %s (%.2f): %s\n",
					d.FromEpicID, d.Type, d.ToEpicID, d.Strength, d.Reason)
			}
		}
	}

	status, err := core.Run(ctx, file.ProjectID)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	m := core.Metrics()
	switch status {
	case models.BatchCompleted:
		fmt.Printf("%s all %d tasks completed\n", color.GreenString("✓"), m.Completed)
	case models.BatchPartial:
		fmt.Printf("%s %d completed, %d failed, %d timed out\n",
			color.YellowString("⚠"), m.Completed, m.Failed, m.TimedOut)
	default:
		fmt.Printf("%s execution failed\n", color.RedString("✗"))
	}

	progress, _ := core.WorkflowProgress(file.ProjectID)
	fmt.Printf("workflow progress: %.0f%%\n", progress)
	return nil
}

// openStore opens the SQLite store at the configured path or the
// project-local default, and migrates it.
func openStore(path string) (*state.DB, error) {
	var db *state.DB
	var err error
	if path != "" {
		db, err = state.Open(path)
	} else {
		cwd, werr := os.Getwd()
		if werr != nil {
			return nil, fmt.Errorf("get working directory: %w", werr)
		}
		db, err = state.OpenProject(cwd)
	}
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state store: %w", err)
	}
	return db, nil
}

// printEvents streams coordinator events to the terminal.
func printEvents(core *orchestrator.Core) {
	for ev := range core.Events() {
		switch {
		case ev.Error != nil:
			fmt.Printf("  %s %s %s: %v\n", color.RedString("✗"), ev.Type, ev.TaskID, ev.Error)
		case ev.TaskID != "":
			fmt.Printf("  %s %s\n", ev.Type, ev.TaskID)
		}
	}
}

func init() {
	runCmd.Flags().StringVar(&runWorkerCmd, "worker", "", "worker command invoked per task (required)")
	runCmd.Flags().IntVar(&runAgents, "agents", 2, "number of worker agents to register")
	runCmd.Flags().BoolVar(&runDiscover, "discover", false, "run LLM-backed epic relationship discovery")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "skip SQLite persistence")
	runCmd.MarkFlagRequired("worker")
}
