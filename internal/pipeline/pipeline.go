// Package pipeline defines the ordered review/verification steps a feature
// passes through after implementation, and executes them with the
// loop-until-success policy.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/autoflow/pkg/models"
)

// ErrStepCycle indicates a circular dependency between pipeline steps.
var ErrStepCycle = errors.New("pipeline step dependency cycle detected")

// Definition is a validated pipeline configuration with its execution
// order precomputed.
type Definition struct {
	cfg models.PipelineConfig
	// batches holds steps grouped into dependency layers: every step's
	// dependencies live in an earlier batch. Steps within a batch may run
	// concurrently when the pipeline allows parallelism.
	batches [][]models.StepConfig
	byID    map[string]models.StepConfig
}

// New validates cfg and computes the step execution order.
// Steps execute in topological order of their declared dependencies;
// the dependency graph must be acyclic.
func New(cfg models.PipelineConfig) (*Definition, error) {
	if cfg.OnFailure == "" {
		cfg.OnFailure = models.FailureStop
	}
	if !cfg.OnFailure.Valid() {
		return nil, fmt.Errorf("unknown on_failure policy %q", cfg.OnFailure)
	}

	byID := make(map[string]models.StepConfig, len(cfg.Steps))
	for _, s := range cfg.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("pipeline step with empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate pipeline step id %q", s.ID)
		}
		if !s.Type.Valid() {
			return nil, fmt.Errorf("step %s: unknown type %q", s.ID, s.Type)
		}
		byID[s.ID] = s
	}
	for _, s := range cfg.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("step %s depends on unknown step %s", s.ID, dep)
			}
		}
	}

	batches, err := layer(cfg.Steps)
	if err != nil {
		return nil, err
	}

	return &Definition{cfg: cfg, batches: batches, byID: byID}, nil
}

// Load reads a pipeline definition from a YAML file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}

	var cfg models.PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	return New(cfg)
}

// Default returns a minimal single-review pipeline used when a project has
// no pipeline file.
func Default() *Definition {
	def, err := New(models.PipelineConfig{
		LoopUntilSuccess: true,
		MemoryEnabled:    true,
		OnFailure:        models.FailureStop,
		Steps: []models.StepConfig{
			{ID: "review", Type: models.StepReview, Required: true, AutoTrigger: true, MaxLoops: 3, Retries: 1},
		},
	})
	if err != nil {
		// The default config is static; a failure here is a programmer error.
		panic(err)
	}
	return def
}

// Config returns the underlying pipeline configuration.
func (d *Definition) Config() models.PipelineConfig { return d.cfg }

// Batches returns steps grouped into dependency layers in execution order.
func (d *Definition) Batches() [][]models.StepConfig { return d.batches }

// Step returns the config for a step id.
func (d *Definition) Step(id string) (models.StepConfig, bool) {
	s, ok := d.byID[id]
	return s, ok
}

// layer performs a layered topological sort of steps. Each layer contains
// steps whose dependencies are all in earlier layers. Declaration order is
// preserved within a layer so results are deterministic.
func layer(steps []models.StepConfig) ([][]models.StepConfig, error) {
	remaining := make(map[string]models.StepConfig, len(steps))
	for _, s := range steps {
		remaining[s.ID] = s
	}

	done := make(map[string]bool, len(steps))
	var batches [][]models.StepConfig

	for len(remaining) > 0 {
		var batch []models.StepConfig
		for _, s := range steps {
			if _, left := remaining[s.ID]; !left {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				batch = append(batch, s)
			}
		}

		if len(batch) == 0 {
			// Nothing became ready: the remaining steps form a cycle.
			var stuck []string
			for id := range remaining {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("%w: steps %v", ErrStepCycle, stuck)
		}

		for _, s := range batch {
			done[s.ID] = true
			delete(remaining, s.ID)
		}
		batches = append(batches, batch)
	}

	return batches, nil
}
