package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "autoflow",
	Short: "Feature backlog orchestrator for autonomous coding agents",
	Long: `Autoflow drains a feature backlog through autonomous coding agents.

It orders features by dependencies and priority, dispatches them to agents
under a concurrency bound, verifies each implementation through a
configurable pipeline of review steps, and pauses itself when the model
provider runs out of quota.

Features live as JSON documents under .autoflow/features/; the pipeline is
defined in .autoflow/pipeline.yaml.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
