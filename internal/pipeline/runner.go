package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/autoflow/internal/provider"
	"github.com/ShayCichocki/autoflow/pkg/models"
)

// StepRunner executes a single configured step against a feature. Prior
// issues from earlier loop iterations are passed when the pipeline has
// memory enabled so the step does not re-report identical findings.
// A returned error means the step could not run (provider failure); a
// failed check is reported through the result status instead.
type StepRunner interface {
	RunStep(ctx context.Context, step models.StepConfig, f *models.Feature, prior []models.Issue) (models.StepResult, error)
}

// Implementer re-runs the implementation stage for a feature, fed with the
// issues that caused the loop-back.
type Implementer interface {
	Implement(ctx context.Context, f *models.Feature, feedback []models.Issue) error
}

// Hooks lets the caller observe executor progress. All hooks are optional.
// They may be invoked from concurrent goroutines when the pipeline runs
// steps in parallel.
type Hooks struct {
	// OnStepStart fires before each step execution.
	OnStepStart func(f *models.Feature, stepID string)
	// OnLoopback fires when a failed required step sends the feature back
	// to implementation.
	OnLoopback func(f *models.Feature, res models.StepResult)
	// Logf receives debug lines.
	Logf func(format string, args ...interface{})
}

func (h Hooks) logf(format string, args ...interface{}) {
	if h.Logf != nil {
		h.Logf(format, args...)
	}
}

// Outcome is the result of running a feature through the whole pipeline.
type Outcome struct {
	// Passed is true when every required auto-triggered step passed.
	Passed bool
	// Results holds one result per executed (or skipped) step.
	Results []models.StepResult
	// FailedStep is the first required step that failed, if any.
	FailedStep string
}

// Executor drives a feature through the pipeline definition, honoring step
// dependencies, optional parallelism, per-step timeouts and retries, and
// the loop-until-success policy.
//
// Steps with AutoTrigger disabled are skipped: they exist for manual
// invocation and do not gate verification of an automatic run.
type Executor struct {
	def    *Definition
	runner StepRunner
	impl   Implementer
	hooks  Hooks
}

// NewExecutor creates an Executor.
func NewExecutor(def *Definition, runner StepRunner, impl Implementer, hooks Hooks) *Executor {
	return &Executor{def: def, runner: runner, impl: impl, hooks: hooks}
}

// Run executes all auto-triggered steps for f. It returns an error only
// when execution itself broke (cancellation, provider failure after
// retries); check failures are reported through the Outcome.
func (e *Executor) Run(ctx context.Context, f *models.Feature) (*Outcome, error) {
	cfg := e.def.cfg
	out := &Outcome{Passed: true}
	failed := make(map[string]bool)

	for _, batch := range e.def.batches {
		var toRun []models.StepConfig
		for _, s := range batch {
			if !s.AutoTrigger {
				continue
			}
			if dep := firstFailedDep(s, failed); dep != "" {
				// A dependency step failed; this step cannot run.
				out.Results = append(out.Results, models.StepResult{
					StepID: s.ID,
					Status: models.StepError,
					Issues: []models.Issue{{
						Severity: "warning",
						Summary:  fmt.Sprintf("not run: dependency step %s failed", dep),
					}},
				})
				if s.Required {
					out.Passed = false
					if out.FailedStep == "" {
						out.FailedStep = s.ID
					}
				}
				continue
			}
			toRun = append(toRun, s)
		}
		if len(toRun) == 0 {
			continue
		}

		results, err := e.runBatch(ctx, f, toRun)
		if err != nil {
			return out, err
		}

		// Loop-until-success passes run serially: each loop re-triggers the
		// implementation stage, which cannot sensibly happen concurrently.
		for i, s := range toRun {
			if results[i].Status == models.StepFailed {
				r, err := e.runWithLoops(ctx, s, f, results[i])
				if err != nil {
					return out, err
				}
				results[i] = r
			}
		}

		for i, s := range toRun {
			r := results[i]
			if r.Status != models.StepPassed {
				if s.Required {
					failed[s.ID] = true
					out.Passed = false
					if out.FailedStep == "" {
						out.FailedStep = s.ID
					}
				} else if cfg.OnFailure == models.FailureSkipOptional {
					r.Advisory = true
				}
			}
			out.Results = append(out.Results, r)
		}

		// Only the continue policy proceeds past a required failure; stop
		// and skip-optional halt the remaining pipeline.
		if !out.Passed && cfg.OnFailure != models.FailureContinue {
			e.hooks.logf("[pipeline] halting after required step %s failed (policy %s)",
				out.FailedStep, cfg.OnFailure)
			return out, nil
		}
	}

	return out, nil
}

// runBatch executes one dependency layer, in parallel when allowed.
func (e *Executor) runBatch(ctx context.Context, f *models.Feature, steps []models.StepConfig) ([]models.StepResult, error) {
	results := make([]models.StepResult, len(steps))

	if !e.def.cfg.Parallel || len(steps) == 1 {
		for i, s := range steps {
			r, err := e.runOnce(ctx, s, f, nil)
			if err != nil {
				return nil, err
			}
			results[i] = r
		}
		return results, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i, s := range steps {
		wg.Add(1)
		go func(i int, s models.StepConfig) {
			defer wg.Done()
			r, err := e.runOnce(ctx, s, f, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			results[i] = r
		}(i, s)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// runOnce executes a step a single time, retrying transient runner errors
// up to the step's retry budget. A step-level timeout is a step failure,
// not an execution error.
func (e *Executor) runOnce(ctx context.Context, step models.StepConfig, f *models.Feature, prior []models.Issue) (models.StepResult, error) {
	var lastErr error

	for attempt := 0; attempt <= step.Retries; attempt++ {
		if e.hooks.OnStepStart != nil {
			e.hooks.OnStepStart(f, step.ID)
		}

		stepCtx := ctx
		cancel := func() {}
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		res, err := e.runner.RunStep(stepCtx, step, f, prior)
		cancel()

		if err == nil {
			if res.StepID == "" {
				res.StepID = step.ID
			}
			if res.Iterations == 0 {
				res.Iterations = 1
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return models.StepResult{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			e.hooks.logf("[pipeline] step %s timed out after %s", step.ID, step.Timeout)
			return models.StepResult{
				StepID:     step.ID,
				Status:     models.StepFailed,
				Iterations: 1,
				Issues: []models.Issue{{
					Severity: "error",
					Summary:  fmt.Sprintf("step timed out after %s", step.Timeout),
				}},
			}, nil
		}

		class := provider.Classify(err)
		if class != provider.ClassTransient {
			// Quota, rate-limit, and fatal errors are not worth retrying
			// here; the worker classifies them.
			return models.StepResult{}, err
		}
		lastErr = err
		e.hooks.logf("[pipeline] step %s attempt %d failed: %v", step.ID, attempt+1, err)
	}

	return models.StepResult{}, fmt.Errorf("step %s: retries exhausted: %w", step.ID, lastErr)
}

// runWithLoops applies the loop-until-success policy to a failed required
// step: re-trigger implementation, re-run the step, up to MaxLoops times.
// Exceeding the cap leaves the step failed.
func (e *Executor) runWithLoops(ctx context.Context, step models.StepConfig, f *models.Feature, res models.StepResult) (models.StepResult, error) {
	cfg := e.def.cfg
	if !cfg.LoopUntilSuccess || !step.Required {
		return res, nil
	}

	var memory []models.Issue
	loops := 0
	for res.Status == models.StepFailed && loops < step.MaxLoops {
		loops++
		e.hooks.logf("[pipeline] step %s failed, loop %d/%d: re-triggering implementation",
			step.ID, loops, step.MaxLoops)
		if e.hooks.OnLoopback != nil {
			e.hooks.OnLoopback(f, res)
		}

		if err := e.impl.Implement(ctx, f, res.Issues); err != nil {
			return res, err
		}

		if cfg.MemoryEnabled {
			memory = append(memory, res.Issues...)
		}

		next, err := e.runOnce(ctx, step, f, memory)
		if err != nil {
			return res, err
		}
		next.Iterations = loops + 1
		res = next
	}

	return res, nil
}

func firstFailedDep(s models.StepConfig, failed map[string]bool) string {
	for _, dep := range s.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}
