package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/autoflow/internal/lifecycle"
	"github.com/ShayCichocki/autoflow/internal/pipeline"
	"github.com/ShayCichocki/autoflow/internal/provider"
	"github.com/ShayCichocki/autoflow/internal/state"
	"github.com/ShayCichocki/autoflow/internal/store"
	"github.com/ShayCichocki/autoflow/pkg/models"
)

// ExecStatus is the terminal outcome of one feature run.
type ExecStatus string

const (
	// ExecVerified means the feature passed every required step and was
	// completed.
	ExecVerified ExecStatus = "verified"
	// ExecFailed means the feature failed terminally.
	ExecFailed ExecStatus = "failed"
	// ExecRequeued means the feature was returned to the backlog.
	ExecRequeued ExecStatus = "requeued"
	// ExecCanceled means the run was interrupted by shutdown.
	ExecCanceled ExecStatus = "canceled"
)

// ExecResult is what a Worker reports back to the scheduler.
type ExecResult struct {
	RunID  string
	Status ExecStatus
	// Class is the provider error class when the run ended on an error.
	Class provider.ErrorClass
	// Usage is the provider usage snapshot at the end of the run.
	Usage provider.UsageSnapshot
	Err   error
}

// Worker executes one feature from dispatch to a terminal outcome.
type Worker interface {
	Execute(ctx context.Context, f *models.Feature) ExecResult
}

// FeatureExecutor is the production Worker. It drives the feature's
// lifecycle transitions, persists every state change, runs the
// implementation phase and the verification pipeline, and records run
// history.
type FeatureExecutor struct {
	store   store.FeatureStore
	history state.RunStore // optional
	machine *lifecycle.Machine
	def     *pipeline.Definition
	runner  pipeline.StepRunner
	impl    pipeline.Implementer
	emitter *EventEmitter
	logger  *DebugLogger

	maxRetries int
	usageFn    func() provider.UsageSnapshot
}

// NewFeatureExecutor creates a FeatureExecutor. history and usageFn may
// be nil.
func NewFeatureExecutor(
	fs store.FeatureStore,
	history state.RunStore,
	def *pipeline.Definition,
	runner pipeline.StepRunner,
	impl pipeline.Implementer,
	emitter *EventEmitter,
	logger *DebugLogger,
	maxRetries int,
	usageFn func() provider.UsageSnapshot,
) *FeatureExecutor {
	return &FeatureExecutor{
		store:      fs,
		history:    history,
		machine:    lifecycle.NewMachine(),
		def:        def,
		runner:     runner,
		impl:       impl,
		emitter:    emitter,
		logger:     logger,
		maxRetries: maxRetries,
		usageFn:    usageFn,
	}
}

// Execute runs one feature to a terminal outcome. The feature is
// expected to already be in_progress (the scheduler applied the start
// transition before dispatch).
func (e *FeatureExecutor) Execute(ctx context.Context, f *models.Feature) ExecResult {
	runID := uuid.New().String()[:8]
	e.logger.Log("[worker] run %s: feature %s (%s) attempt %d", runID, f.ID, f.Title, f.RetryCount+1)

	if e.history != nil {
		run := &state.Run{
			ID:        runID,
			FeatureID: f.ID,
			Attempt:   f.RetryCount + 1,
			Status:    state.RunActive,
			StartedAt: time.Now(),
		}
		if err := e.history.CreateRun(run); err != nil {
			e.logger.Log("[worker] run %s: record history: %v", runID, err)
		}
	}

	// Implementation phase.
	if err := e.impl.Implement(ctx, f, nil); err != nil {
		return e.finishWithError(ctx, runID, f, err)
	}
	if res, ok := e.transition(runID, f, lifecycle.EventImplemented); !ok {
		return res
	}

	outcome, err := e.runPipeline(ctx, runID, f)
	if err != nil {
		return e.finishWithError(ctx, runID, f, err)
	}

	if outcome.Passed {
		if res, ok := e.transition(runID, f, lifecycle.EventStepsPassed); !ok {
			return res
		}
		// Dependents unblock on completed, so verification completes the
		// feature in the same run.
		if res, ok := e.transition(runID, f, lifecycle.EventComplete); !ok {
			return res
		}
		e.finishHistory(runID, state.RunVerified, "")
		e.logger.Log("[worker] run %s: feature %s verified and completed", runID, f.ID)
		return ExecResult{RunID: runID, Status: ExecVerified, Usage: e.usage()}
	}

	failure := fmt.Errorf("pipeline step %s failed", outcome.FailedStep)
	f.Error = failure.Error()
	if res, ok := e.transition(runID, f, lifecycle.EventFail); !ok {
		return res
	}
	e.finishHistory(runID, state.RunFailed, f.Error)
	e.logger.Log("[worker] run %s: feature %s failed: %v", runID, f.ID, failure)
	return ExecResult{RunID: runID, Status: ExecFailed, Err: failure, Usage: e.usage()}
}

// runPipeline wires lifecycle transitions into the pipeline executor:
// each loop-back moves the feature back to in_progress, each
// re-implementation returns it to waiting_approval, and each step start
// is recorded as the current phase.
//
// A parallel pipeline invokes the hooks from concurrent step goroutines,
// so every mutation of the shared feature (step field, lifecycle state,
// the JSON write) happens under one per-run mutex.
func (e *FeatureExecutor) runPipeline(ctx context.Context, runID string, f *models.Feature) (*pipeline.Outcome, error) {
	var mu sync.Mutex
	hooks := pipeline.Hooks{
		OnStepStart: func(f *models.Feature, stepID string) {
			mu.Lock()
			defer mu.Unlock()
			if err := e.machine.SetStep(f, stepID); err != nil {
				e.logger.Log("[worker] run %s: set step %s: %v", runID, stepID, err)
				return
			}
			if err := e.store.SaveFeature(f); err != nil {
				e.logger.Log("[worker] run %s: save feature: %v", runID, err)
			}
			e.emitter.Emit(Event{
				Type:         EventPhaseChanged,
				FeatureID:    f.ID,
				FeatureTitle: f.Title,
				RunID:        runID,
				Step:         stepID,
			})
		},
		OnLoopback: func(f *models.Feature, res models.StepResult) {
			mu.Lock()
			defer mu.Unlock()
			if err := e.applyAndSave(f, lifecycle.EventStepFailed); err != nil {
				e.logger.Log("[worker] run %s: loopback transition: %v", runID, err)
			}
		},
		Logf: e.logger.Log,
	}

	impl := &loopImplementer{exec: e, inner: e.impl, mu: &mu}
	return pipeline.NewExecutor(e.def, e.runner, impl, hooks).Run(ctx, f)
}

// loopImplementer applies the implemented transition after each
// successful loop-back implementation pass. It shares the run's feature
// mutex with the hooks; the inner provider call runs outside the lock.
type loopImplementer struct {
	exec  *FeatureExecutor
	inner pipeline.Implementer
	mu    *sync.Mutex
}

func (l *loopImplementer) Implement(ctx context.Context, f *models.Feature, feedback []models.Issue) error {
	if err := l.inner.Implement(ctx, f, feedback); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exec.applyAndSave(f, lifecycle.EventImplemented)
}

// finishWithError maps an execution error to a terminal outcome.
//
// Cancellation leaves the feature in_progress: the engine requeues
// stale in-progress features on its next start. Quota and rate-limit
// errors requeue so no work is lost. Transient errors that survived the
// pipeline's retries requeue while the retry budget lasts. Everything
// else fails the feature.
func (e *FeatureExecutor) finishWithError(ctx context.Context, runID string, f *models.Feature, err error) ExecResult {
	if ctx.Err() != nil {
		e.finishHistory(runID, state.RunCanceled, ctx.Err().Error())
		e.logger.Log("[worker] run %s: feature %s canceled", runID, f.ID)
		return ExecResult{RunID: runID, Status: ExecCanceled, Err: ctx.Err(), Usage: e.usage()}
	}

	class := provider.Classify(err)
	switch {
	case class.ShouldPause():
		return e.requeue(runID, f, class, err)
	case class == provider.ClassTransient && f.RetryCount < e.maxRetries:
		return e.requeue(runID, f, class, err)
	default:
		f.Error = err.Error()
		if res, ok := e.transition(runID, f, lifecycle.EventFail); !ok {
			return res
		}
		e.finishHistory(runID, state.RunFailed, err.Error())
		e.logger.Log("[worker] run %s: feature %s failed (%s): %v", runID, f.ID, class, err)
		return ExecResult{RunID: runID, Status: ExecFailed, Class: class, Err: err, Usage: e.usage()}
	}
}

func (e *FeatureExecutor) requeue(runID string, f *models.Feature, class provider.ErrorClass, err error) ExecResult {
	f.RetryCount++
	f.Error = err.Error()
	if res, ok := e.transition(runID, f, lifecycle.EventRequeue); !ok {
		return res
	}
	e.finishHistory(runID, state.RunRequeued, err.Error())
	e.logger.Log("[worker] run %s: feature %s requeued (%s): %v", runID, f.ID, class, err)
	return ExecResult{RunID: runID, Status: ExecRequeued, Class: class, Err: err, Usage: e.usage()}
}

// transition applies a lifecycle event and persists the feature. On an
// invalid transition the run is aborted with a failed result; that is a
// programming error, not a feature error, and is surfaced as an event.
func (e *FeatureExecutor) transition(runID string, f *models.Feature, ev lifecycle.Event) (ExecResult, bool) {
	from := f.Status
	if err := e.applyAndSave(f, ev); err != nil {
		e.emitter.Emit(Event{
			Type:      EventInvalidTransition,
			FeatureID: f.ID,
			RunID:     runID,
			Error:     err,
		})
		e.finishHistory(runID, state.RunFailed, err.Error())
		return ExecResult{RunID: runID, Status: ExecFailed, Err: err, Usage: e.usage()}, false
	}
	e.emitter.Emit(Event{
		Type:         EventStateChanged,
		FeatureID:    f.ID,
		FeatureTitle: f.Title,
		RunID:        runID,
		From:         string(from),
		To:           string(f.Status),
	})
	return ExecResult{}, true
}

func (e *FeatureExecutor) applyAndSave(f *models.Feature, ev lifecycle.Event) error {
	if err := e.machine.Apply(f, ev); err != nil {
		return err
	}
	return e.store.SaveFeature(f)
}

func (e *FeatureExecutor) finishHistory(runID string, status state.RunStatus, errText string) {
	if e.history == nil {
		return
	}
	if err := e.history.FinishRun(runID, status, errText); err != nil {
		e.logger.Log("[worker] run %s: finish history: %v", runID, err)
	}
}

func (e *FeatureExecutor) usage() provider.UsageSnapshot {
	if e.usageFn == nil {
		return provider.UsageSnapshot{}
	}
	return e.usageFn()
}

var _ Worker = (*FeatureExecutor)(nil)
