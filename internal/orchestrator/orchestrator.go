package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/autoflow/internal/lifecycle"
	"github.com/ShayCichocki/autoflow/internal/state"
	"github.com/ShayCichocki/autoflow/internal/store"
)

// ErrAlreadyRunning is returned by Start when the engine is running.
var ErrAlreadyRunning = errors.New("engine already running")

// ErrNotRunning is returned by operations that need an active run loop.
var ErrNotRunning = errors.New("engine not running")

// EngineState is a snapshot of the whole engine for status surfaces.
type EngineState struct {
	Running bool          `json:"running"`
	Paused  PauseState    `json:"paused"`
	Stats   Stats         `json:"stats"`
	Config  Config        `json:"config"`
	Tracked []RunningTask `json:"tracked_tasks"`
}

// Service is the engine façade: it owns the scheduler, the pause
// controller, the event stream, and the run loop's lifetime.
type Service struct {
	store   store.FeatureStore
	history state.HistoryStore // optional
	worker  Worker
	pause   *PauseController
	emitter *EventEmitter
	logger  *DebugLogger
	watch   <-chan struct{} // optional backlog-change notifications

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	sched   *Scheduler

	pauseRecordID int64
}

// NewService creates a Service around a feature store and a worker.
func NewService(fs store.FeatureStore, worker Worker, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	pause := NewPauseController(o.cfg.FailureThreshold, o.cfg.FailureWindow)
	emitter := o.emitter
	if emitter == nil {
		emitter = NewEventEmitter(o.eventBuffer)
	}

	s := &Service{
		store:   fs,
		history: o.history,
		worker:  worker,
		pause:   pause,
		emitter: emitter,
		logger:  o.logger,
		watch:   o.watch,
	}
	s.sched = NewScheduler(fs, worker, pause, emitter, o.cfg)

	setPackageLogger(o.logger)

	// Every pause episode is recorded, whether an operator tripped it or
	// the scheduler did (quota, rate limit, failure window).
	pause.SetOnPause(func(reason PauseReason) {
		s.recordPause(reason)
	})

	// Timed resumes (rate-limit backoff) restart dispatch immediately.
	pause.SetOnResume(func() {
		s.recordResume()
		emitter.Emit(Event{Type: EventEngineResumed})
		s.sched.Trigger()
	})

	return s
}

// Start launches the run loop. Idempotent in effect: a second Start
// while running returns ErrAlreadyRunning and changes nothing. Features
// left in_progress or waiting_approval by a previous crash or shutdown
// are requeued before dispatch begins.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	if err := s.sched.Config().Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := s.requeueStaleFeatures(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.runLoop(runCtx, s.done)

	s.emitter.Emit(Event{Type: EventEngineStarted})
	s.logger.Log("[engine] started")
	return nil
}

// Stop cancels in-flight runs and waits for the run loop to exit.
// Safe to call when not running.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	s.sched.CancelAll()
	<-done
	s.sched.Wait()

	s.emitter.Emit(Event{Type: EventEngineStopped})
	s.logger.Log("[engine] stopped")
	return nil
}

// IsRunning reports whether the run loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pause suspends dispatch manually. In-flight features finish. The
// history record is written by the controller's pause callback.
func (s *Service) Pause() {
	s.pause.Pause(PauseManual)
	s.emitter.Emit(Event{Type: EventEnginePaused, Reason: string(PauseManual)})
}

// Resume lifts a pause and immediately checks for work.
func (s *Service) Resume() {
	s.pause.Resume()
	s.recordResume()
	s.emitter.Emit(Event{Type: EventEngineResumed})
	s.sched.Trigger()
}

// IsPaused reports whether dispatch is suspended.
func (s *Service) IsPaused() bool {
	return s.pause.IsPaused()
}

// GetState returns a full engine snapshot.
func (s *Service) GetState() EngineState {
	return EngineState{
		Running: s.IsRunning(),
		Paused:  s.pause.State(),
		Stats:   s.sched.Stats(),
		Config:  s.sched.Config(),
		Tracked: s.sched.RunningTasks(),
	}
}

// GetTrackedTasks returns the in-flight registry snapshot.
func (s *Service) GetTrackedTasks() []RunningTask {
	return s.sched.RunningTasks()
}

// GetStats returns the scheduler counters.
func (s *Service) GetStats() Stats {
	return s.sched.Stats()
}

// Config returns the current engine configuration.
func (s *Service) Config() Config {
	return s.sched.Config()
}

// UpdateConfig applies a partial configuration update. Invalid patches
// leave the previous configuration in place. Changes take effect on the
// next scheduling pass; in-flight features are unaffected.
func (s *Service) UpdateConfig(patch ConfigPatch) (Config, error) {
	next, err := patch.Apply(s.sched.Config())
	if err != nil {
		return s.sched.Config(), err
	}
	s.sched.SetConfig(next)
	s.logger.Log("[engine] config updated: %+v", next)
	s.sched.Trigger()
	return next, nil
}

// RunFeature dispatches one feature by id immediately, outside the poll
// order. Mutual exclusion, the concurrency bound, dependency blocking,
// and pause gating still apply.
func (s *Service) RunFeature(id string) error {
	s.mu.Lock()
	running := s.running
	ctx := s.ctx
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return s.sched.RunFeature(ctx, id)
}

// Events returns the engine event stream.
func (s *Service) Events() <-chan Event {
	return s.emitter.Events()
}

// Trigger requests an immediate scheduling pass.
func (s *Service) Trigger() {
	s.sched.Trigger()
}

// requeueStaleFeatures returns features stranded mid-pipeline to the
// backlog. Caller holds s.mu.
func (s *Service) requeueStaleFeatures() error {
	features, err := s.store.LoadFeatures()
	if err != nil {
		return err
	}

	machine := lifecycle.NewMachine()
	for _, f := range features {
		if !f.Status.InPipeline() {
			continue
		}
		if err := machine.Apply(f, lifecycle.EventRequeue); err != nil {
			s.logger.Log("[engine] requeue stale feature %s: %v", f.ID, err)
			continue
		}
		if err := s.store.SaveFeature(f); err != nil {
			return err
		}
		s.logger.Log("[engine] requeued stale feature %s", f.ID)
		s.emitter.Emit(Event{
			Type:         EventFeatureRequeued,
			FeatureID:    f.ID,
			FeatureTitle: f.Title,
			Message:      "stale run recovered at startup",
		})
	}
	return nil
}

func (s *Service) recordPause(reason PauseReason) {
	if s.history == nil {
		return
	}
	id, err := s.history.RecordPause(string(reason), time.Now())
	if err != nil {
		s.logger.Log("[engine] record pause: %v", err)
		return
	}
	s.mu.Lock()
	s.pauseRecordID = id
	s.mu.Unlock()
}

func (s *Service) recordResume() {
	if s.history == nil {
		return
	}
	s.mu.Lock()
	id := s.pauseRecordID
	s.pauseRecordID = 0
	s.mu.Unlock()
	if id == 0 {
		return
	}
	if err := s.history.RecordResume(id, time.Now()); err != nil {
		s.logger.Log("[engine] record resume: %v", err)
	}
}
