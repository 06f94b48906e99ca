package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Multi-agent task execution engine",
	Long: `Dispatch schedules and executes atomic tasks across a pool of worker
agents. It builds a dependency graph from the submitted tasks, derives
epic-level relationships, scores and batches the work with a pluggable
scheduling algorithm, and drives execution with file-level locking,
retries, and workflow progress tracking.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dispatch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get())
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a dispatch config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
