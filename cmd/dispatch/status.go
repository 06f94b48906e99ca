package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/state"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored projects and task progress",
	Long: `Display the projects in the local dispatch store with their task
counts broken down by status.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		dbPath = state.GlobalDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No dispatch store found. Run 'dispatch run <tasks.json>' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state store: %w", err)
	}

	projects, err := db.ListProjects(nil)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No projects recorded.")
		return nil
	}

	for _, p := range projects {
		fmt.Printf("%s %s (%s)\n", color.CyanString("▸"), p.Name, p.Status)

		tasks, err := db.ListTasksByProject(p.ID)
		if err != nil {
			return fmt.Errorf("list tasks for %s: %w", p.ID, err)
		}

		counts := make(map[models.TaskStatus]int)
		for _, t := range tasks {
			counts[t.Status]++
		}
		if len(tasks) == 0 {
			fmt.Println("    no tasks")
			continue
		}

		fmt.Printf("    %d tasks: %s %d completed, %s %d in progress, %d pending",
			len(tasks),
			color.GreenString("✓"), counts[models.TaskStatusCompleted],
			color.YellowString("…"), counts[models.TaskStatusInProgress],
			counts[models.TaskStatusPending])
		if n := counts[models.TaskStatusBlocked]; n > 0 {
			fmt.Printf(", %s %d blocked", color.RedString("✗"), n)
		}
		if n := counts[models.TaskStatusCancelled]; n > 0 {
			fmt.Printf(", %d cancelled", n)
		}
		fmt.Println()
	}
	return nil
}
