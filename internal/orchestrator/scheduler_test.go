package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/autoflow/internal/lifecycle"
	"github.com/ShayCichocki/autoflow/internal/provider"
	"github.com/ShayCichocki/autoflow/internal/store"
	"github.com/ShayCichocki/autoflow/pkg/models"
)

// memStore is an in-memory FeatureStore for tests.
type memStore struct {
	mu       sync.Mutex
	features map[string]*models.Feature
	order    []string
}

func newMemStore(features ...*models.Feature) *memStore {
	s := &memStore{features: make(map[string]*models.Feature)}
	for _, f := range features {
		s.features[f.ID] = f.Clone()
		s.order = append(s.order, f.ID)
	}
	return s
}

func (s *memStore) LoadFeatures() ([]*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Feature, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.features[id].Clone())
	}
	return out, nil
}

func (s *memStore) GetFeature(id string) (*models.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.features[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return f.Clone(), nil
}

func (s *memStore) SaveFeature(f *models.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.features[f.ID]; !ok {
		s.order = append(s.order, f.ID)
	}
	s.features[f.ID] = f.Clone()
	return nil
}

func (s *memStore) status(id string) models.FeatureStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features[id].Status
}

var _ store.FeatureStore = (*memStore)(nil)

// fakeWorker simulates feature execution. Gated features block until
// released (or canceled); results default to a verified outcome.
type fakeWorker struct {
	store store.FeatureStore

	mu      sync.Mutex
	started []string
	gates   map[string]chan struct{}
	results map[string]ExecResult
	entered map[string]chan struct{}
}

func newFakeWorker(fs store.FeatureStore) *fakeWorker {
	return &fakeWorker{
		store:   fs,
		gates:   make(map[string]chan struct{}),
		results: make(map[string]ExecResult),
		entered: make(map[string]chan struct{}),
	}
}

// enteredC returns a channel closed when Execute is entered for the
// feature, so tests can synchronize on the worker goroutine starting.
func (w *fakeWorker) enteredC(featureID string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.entered[featureID]
	if !ok {
		ch = make(chan struct{})
		w.entered[featureID] = ch
	}
	return ch
}

func (w *fakeWorker) gate(featureID string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{})
	w.gates[featureID] = ch
	return ch
}

func (w *fakeWorker) setResult(featureID string, res ExecResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[featureID] = res
}

func (w *fakeWorker) startedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.started...)
}

func (w *fakeWorker) Execute(ctx context.Context, f *models.Feature) ExecResult {
	w.mu.Lock()
	w.started = append(w.started, f.ID)
	ch, ok := w.entered[f.ID]
	if !ok {
		ch = make(chan struct{})
		w.entered[f.ID] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	gate := w.gates[f.ID]
	res, scripted := w.results[f.ID]
	w.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ExecResult{Status: ExecCanceled, Err: ctx.Err()}
		}
	}
	if !scripted {
		res = ExecResult{Status: ExecVerified}
	}

	// Persist the terminal status the way the real worker does, so
	// dependents can unblock on completion.
	m := lifecycle.NewMachine()
	switch res.Status {
	case ExecVerified:
		m.Apply(f, lifecycle.EventImplemented)
		m.Apply(f, lifecycle.EventStepsPassed)
		m.Apply(f, lifecycle.EventComplete)
	case ExecFailed:
		m.Apply(f, lifecycle.EventFail)
	case ExecRequeued:
		f.RetryCount++
		m.Apply(f, lifecycle.EventRequeue)
	}
	if res.Status != ExecCanceled {
		w.store.SaveFeature(f)
	}
	return res
}

func newTestScheduler(t *testing.T, fs store.FeatureStore, w Worker, maxConcurrency int) (*Scheduler, *PauseController) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrency = maxConcurrency
	pause := NewPauseController(cfg.FailureThreshold, cfg.FailureWindow)
	return NewScheduler(fs, w, pause, NewEventEmitter(256), cfg), pause
}

// waitEntered blocks until Execute has been entered for each feature.
func waitEntered(t *testing.T, w *fakeWorker, ids ...string) {
	t.Helper()
	for _, id := range ids {
		select {
		case <-w.enteredC(id):
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for worker to start %s", id)
		}
	}
}

// dispatchedIDs drains the emitter and returns the feature ids of
// EventFeatureDispatched events in emission order.
func dispatchedIDs(em *EventEmitter) []string {
	var ids []string
	for {
		select {
		case ev := <-em.Events():
			if ev.Type == EventFeatureDispatched {
				ids = append(ids, ev.FeatureID)
			}
		default:
			return ids
		}
	}
}

// waitTrigger waits for a completion signal from the scheduler.
func waitTrigger(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.TriggerC():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduler trigger")
	}
}

func backlogFeature(id string, priority int, deps ...string) *models.Feature {
	return &models.Feature{
		ID:           id,
		Title:        id,
		Status:       models.StatusBacklog,
		Priority:     priority,
		Dependencies: deps,
		CreatedAt:    time.Now(),
	}
}

func TestDependentWaitsForCompletion(t *testing.T) {
	fs := newMemStore(
		backlogFeature("a", 1),
		backlogFeature("b", 1, "a"),
	)
	w := newFakeWorker(fs)
	gateA := w.gate("a")
	s, _ := newTestScheduler(t, fs, w, 2)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only a to dispatch, got %d", n)
	}

	// b stays blocked while a is merely in_progress.
	if n, _ := s.Tick(context.Background()); n != 0 {
		t.Fatalf("b dispatched before a completed")
	}

	close(gateA)
	waitTrigger(t, s)
	if fs.status("a") != models.StatusCompleted {
		t.Fatalf("a not completed: %s", fs.status("a"))
	}

	if n, _ := s.Tick(context.Background()); n != 1 {
		t.Fatal("b should dispatch once a is completed")
	}
	s.Wait()

	ids := w.startedIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("expected a then b, got %v", ids)
	}
}

func TestPriorityOrderWithLimitedSlots(t *testing.T) {
	fs := newMemStore(
		backlogFeature("f1", 2),
		backlogFeature("f2", 1),
		backlogFeature("f3", 3),
	)
	w := newFakeWorker(fs)
	w.gate("f1")
	w.gate("f2")
	w.gate("f3")
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	pause := NewPauseController(cfg.FailureThreshold, cfg.FailureWindow)
	em := NewEventEmitter(256)
	s := NewScheduler(fs, w, pause, em, cfg)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 dispatches, got %d", n)
	}

	ids := dispatchedIDs(em)
	if len(ids) != 2 || ids[0] != "f2" || ids[1] != "f1" {
		t.Errorf("expected highest-priority f2 then f1, got %v", ids)
	}
	if s.RunningCount() != 2 {
		t.Errorf("expected 2 in flight, got %d", s.RunningCount())
	}

	// Slots full: another tick must not over-dispatch.
	if n, _ := s.Tick(context.Background()); n != 0 {
		t.Errorf("dispatched past concurrency limit")
	}
}

func TestQuotaErrorPausesScheduling(t *testing.T) {
	fs := newMemStore(
		backlogFeature("slow", 1),
		backlogFeature("quota", 2),
		backlogFeature("waiting", 3),
	)
	w := newFakeWorker(fs)
	gateSlow := w.gate("slow")
	w.setResult("quota", ExecResult{
		Status: ExecRequeued,
		Class:  provider.ClassQuota,
		Err:    errors.New("credit balance is too low"),
	})
	s, pause := newTestScheduler(t, fs, w, 2)

	n, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected slow and quota to dispatch, got %d", n)
	}
	waitEntered(t, w, "slow", "quota")

	// The quota failure finishes first and trips the pause.
	waitTrigger(t, s)
	if !pause.IsPaused() {
		t.Fatal("expected pause after quota exhaustion")
	}
	if pause.State().Reason != PauseQuotaExhausted {
		t.Errorf("reason = %q, want quota_exhausted", pause.State().Reason)
	}

	// No new dispatches while paused.
	if n, _ := s.Tick(context.Background()); n != 0 {
		t.Error("dispatched while paused")
	}
	if got := len(w.startedIDs()); got != 2 {
		t.Errorf("third feature dispatched during pause: %v", w.startedIDs())
	}

	// The in-flight feature is allowed to finish.
	close(gateSlow)
	waitTrigger(t, s)
	s.Wait()
	if fs.status("slow") != models.StatusCompleted {
		t.Errorf("in-flight feature should finish during pause, got %s", fs.status("slow"))
	}
	if pause.State().Reason != PauseQuotaExhausted {
		t.Error("completion must not clear a quota pause")
	}
}

func TestAtMostOneRunPerFeature(t *testing.T) {
	fs := newMemStore(backlogFeature("f", 1))
	w := newFakeWorker(fs)
	gate := w.gate("f")
	s, _ := newTestScheduler(t, fs, w, 4)

	if n, _ := s.Tick(context.Background()); n != 1 {
		t.Fatal("expected one dispatch")
	}
	for i := 0; i < 3; i++ {
		if n, _ := s.Tick(context.Background()); n != 0 {
			t.Fatal("feature dispatched twice while running")
		}
	}
	close(gate)
	waitTrigger(t, s)
	s.Wait()

	if got := len(w.startedIDs()); got != 1 {
		t.Errorf("expected exactly one run, got %d", got)
	}
}

func TestRegistryNeverExceedsMaxConcurrency(t *testing.T) {
	var features []*models.Feature
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		features = append(features, backlogFeature(id, 1))
	}
	fs := newMemStore(features...)
	w := newFakeWorker(fs)
	for _, f := range features {
		w.gate(f.ID)
	}
	s, _ := newTestScheduler(t, fs, w, 3)

	if n, _ := s.Tick(context.Background()); n != 3 {
		t.Fatalf("expected 3 dispatches, got %d", n)
	}
	if s.RunningCount() != 3 {
		t.Errorf("registry has %d entries, want 3", s.RunningCount())
	}
	if n, _ := s.Tick(context.Background()); n != 0 {
		t.Error("over-dispatched with full registry")
	}
}

func TestFeatureWithFailedDependencyNeverRuns(t *testing.T) {
	failed := backlogFeature("broken", 1)
	failed.Status = models.StatusFailed
	fs := newMemStore(failed, backlogFeature("dependent", 1, "broken"))
	w := newFakeWorker(fs)
	s, _ := newTestScheduler(t, fs, w, 2)

	for i := 0; i < 3; i++ {
		if n, _ := s.Tick(context.Background()); n != 0 {
			t.Fatal("dependent of a failed feature must not dispatch")
		}
	}
	if len(w.startedIDs()) != 0 {
		t.Errorf("unexpected runs: %v", w.startedIDs())
	}
}

func TestConsecutiveFailuresTripPause(t *testing.T) {
	fs := newMemStore(
		backlogFeature("x", 1),
		backlogFeature("y", 2),
		backlogFeature("z", 3),
	)
	w := newFakeWorker(fs)
	for _, id := range []string{"x", "y", "z"} {
		w.setResult(id, ExecResult{Status: ExecFailed, Err: errors.New("review step failed")})
	}

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.FailureThreshold = 3
	pause := NewPauseController(cfg.FailureThreshold, cfg.FailureWindow)
	s := NewScheduler(fs, w, pause, NewEventEmitter(256), cfg)

	for i := 0; i < 3; i++ {
		if n, _ := s.Tick(context.Background()); n != 1 {
			t.Fatalf("dispatch %d did not happen", i)
		}
		waitTrigger(t, s)
		s.Wait()
	}

	if !pause.IsPaused() {
		t.Fatal("expected pause after three distinct failures")
	}
	if pause.State().Reason != PauseConsecutiveFailures {
		t.Errorf("reason = %q, want consecutive_failures", pause.State().Reason)
	}
}

func TestDispatchRejectsNonBacklogFeature(t *testing.T) {
	fs := newMemStore()
	w := newFakeWorker(fs)
	s, _ := newTestScheduler(t, fs, w, 1)

	done := &models.Feature{ID: "done", Status: models.StatusCompleted}
	if s.dispatch(context.Background(), done) {
		t.Fatal("completed feature must not dispatch")
	}

	select {
	case ev := <-s.emitter.Events():
		if ev.Type != EventInvalidTransition {
			t.Errorf("expected invalid_transition event, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted for rejected dispatch")
	}
}

func TestRunFeatureBypassesPollOrder(t *testing.T) {
	fs := newMemStore(
		backlogFeature("urgent", 5),
		backlogFeature("first", 1),
	)
	w := newFakeWorker(fs)
	s, _ := newTestScheduler(t, fs, w, 1)

	if err := s.RunFeature(context.Background(), "urgent"); err != nil {
		t.Fatalf("RunFeature: %v", err)
	}
	waitTrigger(t, s)
	s.Wait()

	ids := w.startedIDs()
	if len(ids) != 1 || ids[0] != "urgent" {
		t.Errorf("started = %v, want [urgent]", ids)
	}
	if got := fs.status("urgent"); got != models.StatusCompleted {
		t.Errorf("urgent status = %s, want completed", got)
	}
}

func TestRunFeatureErrors(t *testing.T) {
	fs := newMemStore(
		backlogFeature("a", 1),
		backlogFeature("b", 1, "a"),
	)
	w := newFakeWorker(fs)
	s, pause := newTestScheduler(t, fs, w, 1)

	if err := s.RunFeature(context.Background(), "ghost"); !errors.Is(err, ErrFeatureNotFound) {
		t.Errorf("unknown id: err = %v, want ErrFeatureNotFound", err)
	}
	if err := s.RunFeature(context.Background(), "b"); err == nil {
		t.Error("blocked feature must not dispatch")
	}

	pause.Pause(PauseManual)
	if err := s.RunFeature(context.Background(), "a"); !errors.Is(err, ErrPaused) {
		t.Errorf("paused: err = %v, want ErrPaused", err)
	}
	pause.Resume()

	gate := w.gate("a")
	if err := s.RunFeature(context.Background(), "a"); err != nil {
		t.Fatalf("RunFeature(a): %v", err)
	}
	if err := s.RunFeature(context.Background(), "a"); !errors.Is(err, ErrFeatureRunning) {
		t.Errorf("duplicate: err = %v, want ErrFeatureRunning", err)
	}
	if err := s.RunFeature(context.Background(), "b"); !errors.Is(err, ErrNoSlots) {
		t.Errorf("full registry: err = %v, want ErrNoSlots", err)
	}

	close(gate)
	waitTrigger(t, s)
	s.Wait()
}

// slowSaveStore delays writes to widen the window between a dispatcher's
// slot check and its registry insert.
type slowSaveStore struct {
	*memStore
	delay time.Duration
}

func (s *slowSaveStore) SaveFeature(f *models.Feature) error {
	time.Sleep(s.delay)
	return s.memStore.SaveFeature(f)
}

func TestConcurrentManualRunsKeepConcurrencyBound(t *testing.T) {
	const features = 8
	const maxConcurrency = 2

	mem := newMemStore()
	ids := make([]string, 0, features)
	for i := 0; i < features; i++ {
		id := fmt.Sprintf("f%d", i)
		ids = append(ids, id)
		mem.SaveFeature(backlogFeature(id, 1))
	}
	fs := &slowSaveStore{memStore: mem, delay: 5 * time.Millisecond}

	w := newFakeWorker(fs)
	gates := make([]chan struct{}, 0, features)
	for _, id := range ids {
		gates = append(gates, w.gate(id))
	}
	s, _ := newTestScheduler(t, fs, w, maxConcurrency)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.RunFeature(context.Background(), id); err == nil {
				succeeded.Add(1)
			}
		}(id)
	}
	wg.Wait()

	if got := s.RunningCount(); got > maxConcurrency {
		t.Fatalf("registry holds %d entries with MaxConcurrency=%d", got, maxConcurrency)
	}
	if n := int(succeeded.Load()); n > maxConcurrency {
		t.Errorf("%d manual runs dispatched, want at most %d", n, maxConcurrency)
	}

	for _, gate := range gates {
		close(gate)
	}
	s.Wait()
}
