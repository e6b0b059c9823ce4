package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ShayCichocki/autoflow/pkg/models"
)

func step(id string, deps ...string) models.StepConfig {
	return models.StepConfig{
		ID:          id,
		Type:        models.StepCustom,
		Required:    true,
		AutoTrigger: true,
		DependsOn:   deps,
	}
}

func TestNewValidPipeline(t *testing.T) {
	def, err := New(models.PipelineConfig{
		Steps: []models.StepConfig{
			step("review"),
			step("security", "review"),
			step("test", "review"),
			step("final", "security", "test"),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	batches := def.Batches()
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[0][0].ID != "review" {
		t.Errorf("expected review first, got %s", batches[0][0].ID)
	}
	if len(batches[1]) != 2 {
		t.Errorf("expected security and test in second batch, got %d steps", len(batches[1]))
	}
	if batches[2][0].ID != "final" {
		t.Errorf("expected final last, got %s", batches[2][0].ID)
	}
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New(models.PipelineConfig{
		Steps: []models.StepConfig{step("review"), step("review")},
	})
	if err == nil {
		t.Fatal("expected error for duplicate step ids")
	}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	_, err := New(models.PipelineConfig{
		Steps: []models.StepConfig{step("review", "ghost")},
	})
	if err == nil {
		t.Fatal("expected error for unknown step dependency")
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(models.PipelineConfig{
		Steps: []models.StepConfig{{ID: "x", Type: "linting", AutoTrigger: true}},
	})
	if err == nil {
		t.Fatal("expected error for unknown step type")
	}
}

func TestNewDetectsStepCycle(t *testing.T) {
	_, err := New(models.PipelineConfig{
		Steps: []models.StepConfig{
			step("a", "b"),
			step("b", "a"),
		},
	})
	if !errors.Is(err, ErrStepCycle) {
		t.Fatalf("expected ErrStepCycle, got %v", err)
	}
}

func TestNewRejectsUnknownPolicy(t *testing.T) {
	_, err := New(models.PipelineConfig{OnFailure: "explode"})
	if err == nil {
		t.Fatal("expected error for unknown on_failure policy")
	}
}

func TestNewDefaultsPolicyToStop(t *testing.T) {
	def, err := New(models.PipelineConfig{Steps: []models.StepConfig{step("review")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Config().OnFailure != models.FailureStop {
		t.Errorf("expected default policy stop, got %q", def.Config().OnFailure)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	content := `
parallel: true
loop_until_success: true
memory_enabled: true
on_failure: continue
steps:
  - id: review
    type: review
    required: true
    auto_trigger: true
    max_loops: 3
    retries: 2
  - id: security
    type: security
    required: true
    auto_trigger: true
    depends_on: [review]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	def, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := def.Config()
	if !cfg.Parallel || !cfg.LoopUntilSuccess || !cfg.MemoryEnabled {
		t.Errorf("flags not parsed: %+v", cfg)
	}
	if cfg.OnFailure != models.FailureContinue {
		t.Errorf("expected continue policy, got %q", cfg.OnFailure)
	}
	s, ok := def.Step("review")
	if !ok || s.MaxLoops != 3 || s.Retries != 2 {
		t.Errorf("review step not parsed: %+v", s)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultPipeline(t *testing.T) {
	def := Default()
	if len(def.Batches()) != 1 {
		t.Fatalf("expected single batch, got %d", len(def.Batches()))
	}
	if _, ok := def.Step("review"); !ok {
		t.Error("default pipeline should contain a review step")
	}
}
