package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autoflow/internal/config"
	"github.com/ShayCichocki/autoflow/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine in the foreground",
	Long: `Run the orchestration engine in the foreground, printing progress
to the terminal. The engine drains the feature backlog until interrupted
with Ctrl-C.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := buildEngine(cwd, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.svc.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	fmt.Printf("%s engine running (concurrency %d), Ctrl-C to stop\n",
		color.GreenString("▶"), eng.svc.Config().MaxConcurrency)

	events := eng.svc.Events()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n%s stopping...\n", color.YellowString("■"))
			return eng.svc.Stop()
		case ev := <-events:
			printEvent(ev)
		}
	}
}

func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventFeatureDispatched:
		fmt.Printf("%s %s (%s)\n", color.CyanString("→"), ev.FeatureTitle, ev.FeatureID)
	case orchestrator.EventFeatureCompleted:
		fmt.Printf("%s %s (%s)\n", color.GreenString("✓"), ev.FeatureTitle, ev.FeatureID)
	case orchestrator.EventFeatureFailed:
		fmt.Printf("%s %s (%s): %v\n", color.RedString("✗"), ev.FeatureTitle, ev.FeatureID, ev.Error)
	case orchestrator.EventFeatureRequeued:
		fmt.Printf("%s %s requeued", color.YellowString("↻"), ev.FeatureID)
		if ev.Error != nil {
			fmt.Printf(": %v", ev.Error)
		}
		fmt.Println()
	case orchestrator.EventPhaseChanged:
		fmt.Printf("  %s %s: step %s\n", color.New(color.Faint).Sprint("·"), ev.FeatureID, ev.Step)
	case orchestrator.EventEnginePaused:
		fmt.Printf("%s paused (%s)\n", color.YellowString("⏸"), ev.Reason)
	case orchestrator.EventEngineResumed:
		fmt.Printf("%s resumed\n", color.GreenString("▶"))
	case orchestrator.EventInvalidTransition:
		fmt.Printf("%s invalid transition for %s: %v\n", color.RedString("!"), ev.FeatureID, ev.Error)
	case orchestrator.EventError:
		fmt.Printf("%s %v\n", color.RedString("!"), ev.Error)
	}
}
