package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/autoflow/internal/lifecycle"
	"github.com/ShayCichocki/autoflow/internal/provider"
	"github.com/ShayCichocki/autoflow/internal/resolver"
	"github.com/ShayCichocki/autoflow/internal/store"
	"github.com/ShayCichocki/autoflow/pkg/models"
)

var (
	// ErrFeatureNotFound indicates an unknown feature id.
	ErrFeatureNotFound = errors.New("feature not found")
	// ErrFeatureRunning indicates the feature already occupies a slot.
	ErrFeatureRunning = errors.New("feature already running")
	// ErrPaused indicates the engine is paused and not dispatching.
	ErrPaused = errors.New("engine is paused")
	// ErrNoSlots indicates every worker slot is occupied.
	ErrNoSlots = errors.New("no free worker slots")
)

// RunningTask tracks one feature currently in flight.
type RunningTask struct {
	FeatureID    string    `json:"feature_id"`
	FeatureTitle string    `json:"feature_title"`
	RunID        string    `json:"run_id"`
	Attempt      int       `json:"attempt"`
	StartedAt    time.Time `json:"started_at"`

	cancel context.CancelFunc
}

// Stats counts scheduler outcomes since engine start.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Requeued   uint64 `json:"requeued"`
}

// Scheduler dispatches ready features to the worker, bounded by the
// configured concurrency. It owns the registry of in-flight features:
// at most one run per feature exists at any time, and the registry
// size never exceeds MaxConcurrency.
type Scheduler struct {
	store   store.FeatureStore
	worker  Worker
	pause   *PauseController
	machine *lifecycle.Machine
	emitter *EventEmitter

	// trigger is a channel to signal the run loop to check for work.
	trigger chan struct{}

	mu      sync.RWMutex
	cfg     Config
	running map[string]*RunningTask
	stats   Stats

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(fs store.FeatureStore, worker Worker, pause *PauseController, emitter *EventEmitter, cfg Config) *Scheduler {
	return &Scheduler{
		store:   fs,
		worker:  worker,
		pause:   pause,
		machine: lifecycle.NewMachine(),
		emitter: emitter,
		trigger: make(chan struct{}, 1),
		cfg:     cfg,
		running: make(map[string]*RunningTask),
	}
}

// SetConfig replaces the scheduler configuration. Takes effect on the
// next tick; in-flight features are unaffected.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Config returns the current configuration.
func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Tick performs one scheduling pass: load the backlog, order it, and
// dispatch ready features into free slots. Returns the number of
// features dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if !s.pause.Gate(time.Now()) {
		debugLog("[scheduler] paused, skipping tick")
		return 0, nil
	}

	features, err := s.store.LoadFeatures()
	if err != nil {
		return 0, err
	}

	res := resolver.Resolve(features)
	for _, w := range res.Warnings {
		debugLog("[scheduler] %s", w)
	}

	dispatched := 0
	for _, f := range res.Ordered {
		s.mu.RLock()
		slots := s.cfg.MaxConcurrency - len(s.running)
		_, alreadyRunning := s.running[f.ID]
		s.mu.RUnlock()

		if slots <= 0 {
			debugLog("[scheduler] no available slots: maxConcurrency=%d, running=%d",
				s.Config().MaxConcurrency, s.RunningCount())
			break
		}
		if alreadyRunning {
			continue
		}
		if resolver.IsBlocked(f, features) {
			debugLog("[scheduler] feature %s blocked on incomplete dependencies", f.ID)
			continue
		}

		if s.dispatch(ctx, f) {
			dispatched++
		}
	}

	return dispatched, nil
}

// RunFeature dispatches a single feature by id, skipping the ordered
// backlog scan. Mutual exclusion, the concurrency bound, dependency
// blocking, and pause gating still apply.
func (s *Scheduler) RunFeature(ctx context.Context, id string) error {
	if !s.pause.Gate(time.Now()) {
		return ErrPaused
	}

	features, err := s.store.LoadFeatures()
	if err != nil {
		return err
	}
	var target *models.Feature
	for _, f := range features {
		if f.ID == id {
			target = f
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}

	s.mu.RLock()
	slots := s.cfg.MaxConcurrency - len(s.running)
	_, alreadyRunning := s.running[id]
	s.mu.RUnlock()

	if alreadyRunning {
		return fmt.Errorf("%w: %s", ErrFeatureRunning, id)
	}
	if slots <= 0 {
		return ErrNoSlots
	}
	if resolver.IsBlocked(target, features) {
		blockers := resolver.BlockingDependencies(target, features)
		ids := make([]string, len(blockers))
		for i, b := range blockers {
			ids[i] = b.ID
		}
		return fmt.Errorf("feature %s blocked on %v", id, ids)
	}

	if !s.dispatch(ctx, target) {
		return fmt.Errorf("feature %s is not dispatchable from status %s", id, target.Status)
	}
	return nil
}

// dispatch moves one feature into the pipeline and starts its worker
// goroutine. Returns false when the feature could not be started.
func (s *Scheduler) dispatch(ctx context.Context, f *models.Feature) bool {
	runCtx, cancel := context.WithCancel(ctx)
	rt := &RunningTask{
		FeatureID:    f.ID,
		FeatureTitle: f.Title,
		Attempt:      f.RetryCount + 1,
		StartedAt:    time.Now(),
		cancel:       cancel,
	}

	// Reserve the slot before any I/O. The capacity check, the same-id
	// check, and the registry insert form one critical section, so two
	// dispatchers racing for the last slot or the same feature cannot
	// both win.
	s.mu.Lock()
	if len(s.running) >= s.cfg.MaxConcurrency {
		s.mu.Unlock()
		cancel()
		debugLog("[scheduler] no slot left for %s", f.ID)
		return false
	}
	if _, exists := s.running[f.ID]; exists {
		// Lost the race to another dispatcher for the same feature.
		s.mu.Unlock()
		cancel()
		return false
	}
	s.running[f.ID] = rt
	s.mu.Unlock()

	if err := s.machine.Apply(f, lifecycle.EventStart); err != nil {
		s.release(f.ID, rt)
		cancel()
		s.emitter.Emit(Event{
			Type:      EventInvalidTransition,
			FeatureID: f.ID,
			Error:     err,
			Message:   "dispatch rejected",
		})
		debugLog("[scheduler] dispatch rejected for %s: %v", f.ID, err)
		return false
	}
	if err := s.store.SaveFeature(f); err != nil {
		s.release(f.ID, rt)
		cancel()
		s.emitter.Emit(Event{Type: EventError, FeatureID: f.ID, Error: err})
		return false
	}

	s.mu.Lock()
	s.stats.Dispatched++
	s.mu.Unlock()

	s.emitter.Emit(Event{
		Type:         EventFeatureDispatched,
		FeatureID:    f.ID,
		FeatureTitle: f.Title,
	})
	debugLog("[scheduler] dispatched feature %s (attempt %d)", f.ID, rt.Attempt)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		result := s.worker.Execute(runCtx, f)

		s.mu.Lock()
		if cur, ok := s.running[f.ID]; ok && cur == rt {
			if result.RunID != "" {
				cur.RunID = result.RunID
			}
			delete(s.running, f.ID)
		}
		s.mu.Unlock()

		s.finish(f, result)
	}()

	return true
}

// release drops a reservation that never became a run.
func (s *Scheduler) release(id string, rt *RunningTask) {
	s.mu.Lock()
	if cur, ok := s.running[id]; ok && cur == rt {
		delete(s.running, id)
	}
	s.mu.Unlock()
}

// finish records the outcome of a completed run and decides whether the
// scheduler should pause or immediately look for more work.
func (s *Scheduler) finish(f *models.Feature, result ExecResult) {
	now := time.Now()

	switch result.Status {
	case ExecVerified:
		s.mu.Lock()
		s.stats.Completed++
		s.mu.Unlock()
		s.emitter.Emit(Event{
			Type:         EventFeatureCompleted,
			FeatureID:    f.ID,
			FeatureTitle: f.Title,
			RunID:        result.RunID,
		})

	case ExecRequeued:
		s.mu.Lock()
		s.stats.Requeued++
		s.mu.Unlock()
		s.emitter.Emit(Event{
			Type:         EventFeatureRequeued,
			FeatureID:    f.ID,
			FeatureTitle: f.Title,
			RunID:        result.RunID,
			Error:        result.Err,
		})

	case ExecFailed:
		s.mu.Lock()
		s.stats.Failed++
		s.mu.Unlock()
		s.emitter.Emit(Event{
			Type:         EventFeatureFailed,
			FeatureID:    f.ID,
			FeatureTitle: f.Title,
			RunID:        result.RunID,
			Error:        result.Err,
		})
		if s.pause.RecordFailure(f.ID, now) {
			s.emitter.Emit(Event{
				Type:   EventEnginePaused,
				Reason: string(PauseConsecutiveFailures),
			})
		}

	case ExecCanceled:
		// Shutdown path; the feature stays in_progress and is requeued
		// on the next engine start.
		debugLog("[scheduler] run for %s canceled", f.ID)
	}

	if result.Class.ShouldPause() && !s.pause.IsPaused() {
		cfg := s.Config()
		reason := PauseQuotaExhausted
		resumeAt := time.Time{}
		if result.Class == provider.ClassRateLimit {
			reason = PauseRateLimit
			resumeAt = now.Add(cfg.RateLimitBackoff)
		}
		s.pause.PauseUntil(reason, resumeAt, result.Usage)
		s.emitter.Emit(Event{Type: EventEnginePaused, Reason: string(reason), Error: result.Err})
	}

	// A finished run frees a slot and may have unblocked dependents.
	s.Trigger()
}

// Trigger asks the run loop for an immediate scheduling pass.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// TriggerC returns the channel the run loop listens on.
func (s *Scheduler) TriggerC() <-chan struct{} {
	return s.trigger
}

// CancelAll cancels every in-flight run.
func (s *Scheduler) CancelAll() {
	s.mu.RLock()
	for _, rt := range s.running {
		rt.cancel()
	}
	s.mu.RUnlock()
}

// Wait blocks until all worker goroutines have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// RunningTasks returns a snapshot of the in-flight registry.
func (s *Scheduler) RunningTasks() []RunningTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]RunningTask, 0, len(s.running))
	for _, rt := range s.running {
		tasks = append(tasks, *rt)
	}
	return tasks
}

// RunningCount returns the number of features currently in flight.
func (s *Scheduler) RunningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
