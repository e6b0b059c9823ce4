package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize an autoflow project",
	Long: `Initialize a directory for use with autoflow.

This command sets up everything needed to run autoflow:
  - Creates the .autoflow directory structure
  - Writes a default pipeline.yaml
  - Adds autoflow entries to .gitignore

The directory argument is optional and defaults to the current directory.

Examples:
  autoflow init              # Initialize current directory
  autoflow init ./myproject  # Initialize specific directory
  autoflow init --force      # Reinitialize even if already set up`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}

	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing autoflow in %s...\n\n", absPath)

	autoflowDir := filepath.Join(absPath, ".autoflow")
	if _, err := os.Stat(autoflowDir); err == nil && !initForce {
		fmt.Printf("Directory already initialized. Use --force to reinitialize.\n")
		return nil
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		printStatus("⚠", "ANTHROPIC_API_KEY not set (you can set it later)", color.FgYellow)
	} else {
		printStatus("✓", "ANTHROPIC_API_KEY is set", color.FgGreen)
	}

	for _, dir := range []string{
		autoflowDir,
		filepath.Join(autoflowDir, "features"),
		filepath.Join(autoflowDir, "logs"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printStatus("✓", "Created .autoflow directory structure", color.FgGreen)

	if err := writeDefaultPipeline(autoflowDir); err != nil {
		return fmt.Errorf("writing pipeline.yaml: %w", err)
	}
	printStatus("✓", "Wrote default pipeline.yaml", color.FgGreen)

	if err := updateGitignore(absPath); err != nil {
		return fmt.Errorf("updating .gitignore: %w", err)
	}
	printStatus("✓", "Updated .gitignore with autoflow entries", color.FgGreen)

	fmt.Printf("\n%s autoflow initialization complete!\n\n", color.GreenString("✓"))
	fmt.Println("Next steps:")
	if apiKey == "" {
		fmt.Println("  1. Set your API key:")
		fmt.Println("     export ANTHROPIC_API_KEY=your-key-here")
		fmt.Println()
	}
	fmt.Println("  2. Add features as JSON documents under .autoflow/features/")
	fmt.Println()
	fmt.Println("  3. Run the engine:")
	fmt.Println("     autoflow run          # foreground")
	fmt.Println("     autoflow serve        # with the HTTP control API")
	fmt.Println()
	return nil
}

// writeDefaultPipeline creates pipeline.yaml unless one already exists.
func writeDefaultPipeline(autoflowDir string) error {
	path := filepath.Join(autoflowDir, "pipeline.yaml")
	if _, err := os.Stat(path); err == nil && !initForce {
		return nil
	}

	template := `# Autoflow verification pipeline.
# Steps run after the agent implements a feature. With
# loop_until_success, a failed required step sends the feature back to
# the agent with the reviewer's issues, up to max_loops times.
loop_until_success: true
memory_enabled: true
on_failure: stop
steps:
  - id: review
    type: review
    required: true
    auto_trigger: true
    max_loops: 3
    retries: 1
  # - id: security
  #   type: security
  #   required: false
  #   depends_on: [review]
`
	return os.WriteFile(path, []byte(template), 0644)
}

// updateGitignore adds autoflow entries to .gitignore if not present.
func updateGitignore(repoPath string) error {
	gitignorePath := filepath.Join(repoPath, ".gitignore")

	var existingContent string
	if data, err := os.ReadFile(gitignorePath); err == nil {
		existingContent = string(data)
	}

	entries := []string{
		".autoflow/logs/",
		".autoflow/history.db*",
	}

	needsUpdate := false
	for _, entry := range entries {
		if !strings.Contains(existingContent, entry) {
			needsUpdate = true
			break
		}
	}
	if !needsUpdate {
		return nil
	}

	var newContent strings.Builder
	newContent.WriteString(existingContent)
	if len(existingContent) > 0 && !strings.HasSuffix(existingContent, "\n") {
		newContent.WriteString("\n")
	}
	newContent.WriteString("\n# Autoflow\n")
	for _, entry := range entries {
		if !strings.Contains(existingContent, entry) {
			newContent.WriteString(entry + "\n")
		}
	}
	return os.WriteFile(gitignorePath, []byte(newContent.String()), 0644)
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
