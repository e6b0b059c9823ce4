package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autoflow/internal/state"
	"github.com/ShayCichocki/autoflow/internal/store"
	"github.com/ShayCichocki/autoflow/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the backlog and recent run history",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	features, err := store.NewFileStore(cwd)
	if err != nil {
		return fmt.Errorf("open feature store: %w", err)
	}
	all, err := features.LoadFeatures()
	if err != nil {
		return fmt.Errorf("load features: %w", err)
	}

	if len(all) == 0 {
		fmt.Println("No features. Add JSON documents under .autoflow/features/ to get started.")
		return nil
	}

	counts := make(map[models.FeatureStatus]int)
	for _, f := range all {
		counts[f.Status]++
	}

	fmt.Printf("Backlog (%d features)\n", len(all))
	order := []models.FeatureStatus{
		models.StatusBacklog,
		models.StatusInProgress,
		models.StatusWaitingApproval,
		models.StatusVerified,
		models.StatusCompleted,
		models.StatusFailed,
		models.StatusArchived,
	}
	for _, st := range order {
		if counts[st] == 0 {
			continue
		}
		fmt.Printf("  %s %d\n", statusLabel(st), counts[st])
	}

	for _, f := range all {
		if f.Status == models.StatusFailed {
			fmt.Printf("  %s %s: %s\n", color.RedString("✗"), f.ID, f.Error)
		}
	}

	dbPath := state.ProjectDBPath(cwd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate run history: %w", err)
	}

	runs, err := db.ListRecentRuns(10)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Println("\nRecent runs")
	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("  %s %-10s feature=%s attempt=%d %s\n",
			runGlyph(r.Status), r.Status, r.FeatureID, r.Attempt, dur)
	}
	return nil
}

func statusLabel(st models.FeatureStatus) string {
	switch st {
	case models.StatusCompleted, models.StatusVerified:
		return color.GreenString("%-17s", st)
	case models.StatusFailed:
		return color.RedString("%-17s", st)
	case models.StatusInProgress, models.StatusWaitingApproval:
		return color.CyanString("%-17s", st)
	default:
		return fmt.Sprintf("%-17s", st)
	}
}

func runGlyph(st state.RunStatus) string {
	switch st {
	case state.RunVerified:
		return color.GreenString("✓")
	case state.RunFailed:
		return color.RedString("✗")
	case state.RunRequeued:
		return color.YellowString("↻")
	case state.RunActive:
		return color.CyanString("→")
	default:
		return " "
	}
}
