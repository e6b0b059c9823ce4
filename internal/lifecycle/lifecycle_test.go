package lifecycle

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ShayCichocki/autoflow/pkg/models"
)

func TestHappyPath(t *testing.T) {
	m := NewMachine()
	f := &models.Feature{ID: "feat-1", Status: models.StatusBacklog}

	steps := []struct {
		ev   Event
		want models.FeatureStatus
	}{
		{EventStart, models.StatusInProgress},
		{EventImplemented, models.StatusWaitingApproval},
		{EventStepsPassed, models.StatusVerified},
		{EventComplete, models.StatusCompleted},
	}

	for _, s := range steps {
		if err := m.Apply(f, s.ev); err != nil {
			t.Fatalf("apply %q: %v", s.ev, err)
		}
		if f.Status != s.want {
			t.Fatalf("after %q: expected status %q, got %q", s.ev, s.want, f.Status)
		}
	}

	if f.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on completion")
	}
}

func TestStepFailureLoopsBackToImplementation(t *testing.T) {
	m := NewMachine()
	f := &models.Feature{ID: "feat-1", Status: models.StatusWaitingApproval}

	if err := m.Apply(f, EventStepFailed); err != nil {
		t.Fatalf("apply step_failed: %v", err)
	}
	if f.Status != models.StatusInProgress {
		t.Errorf("expected in_progress after step failure, got %q", f.Status)
	}
}

func TestRequeueKeepsRetryMetadata(t *testing.T) {
	m := NewMachine()
	f := &models.Feature{ID: "feat-1", Status: models.StatusInProgress, RetryCount: 2}

	if err := m.Apply(f, EventRequeue); err != nil {
		t.Fatalf("apply requeue: %v", err)
	}
	if f.Status != models.StatusBacklog {
		t.Errorf("expected backlog after requeue, got %q", f.Status)
	}
	if f.RetryCount != 2 {
		t.Errorf("requeue must not reset retry count, got %d", f.RetryCount)
	}
}

func TestArchiveFromVerifiedAndCompleted(t *testing.T) {
	m := NewMachine()

	v := &models.Feature{ID: "v", Status: models.StatusVerified}
	if err := m.Apply(v, EventArchive); err != nil {
		t.Fatalf("archive verified: %v", err)
	}
	if v.Status != models.StatusArchived || !v.Archived {
		t.Errorf("expected archived, got status=%q archived=%v", v.Status, v.Archived)
	}

	c := &models.Feature{ID: "c", Status: models.StatusCompleted}
	if err := m.Apply(c, EventArchive); err != nil {
		t.Fatalf("archive completed: %v", err)
	}
}

func TestInvalidTransitionLeavesFeatureUnchanged(t *testing.T) {
	m := NewMachine()
	f := &models.Feature{
		ID:                  "feat-1",
		Status:              models.StatusBacklog,
		CurrentPipelineStep: "",
		RetryCount:          1,
	}
	before := *f

	err := m.Apply(f, EventComplete)
	if err == nil {
		t.Fatal("expected error for backlog -> complete")
	}

	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if ite.From != models.StatusBacklog || ite.Event != EventComplete {
		t.Errorf("unexpected error detail: %+v", ite)
	}

	if !reflect.DeepEqual(*f, before) {
		t.Error("feature mutated by rejected transition")
	}
}

func TestInvalidTransitionsTable(t *testing.T) {
	m := NewMachine()
	cases := []struct {
		from models.FeatureStatus
		ev   Event
	}{
		{models.StatusBacklog, EventImplemented},
		{models.StatusBacklog, EventStepsPassed},
		{models.StatusCompleted, EventStart},
		{models.StatusFailed, EventComplete},
		{models.StatusVerified, EventStart},
		{models.StatusArchived, EventArchive},
	}

	for _, c := range cases {
		f := &models.Feature{ID: "f", Status: c.from}
		if err := m.Apply(f, c.ev); err == nil {
			t.Errorf("expected %q from %q to be rejected", c.ev, c.from)
		}
		if f.Status != c.from {
			t.Errorf("status changed on rejected transition: %q -> %q", c.from, f.Status)
		}
	}
}

func TestStepClearedOutsidePipelineStates(t *testing.T) {
	m := NewMachine()
	f := &models.Feature{ID: "f", Status: models.StatusInProgress}

	if err := m.SetStep(f, "review"); err != nil {
		t.Fatalf("set step: %v", err)
	}
	if err := m.Apply(f, EventImplemented); err != nil {
		t.Fatalf("apply implemented: %v", err)
	}
	if f.CurrentPipelineStep != "review" {
		t.Error("step should survive within pipeline states")
	}

	if err := m.Apply(f, EventStepsPassed); err != nil {
		t.Fatalf("apply steps_passed: %v", err)
	}
	if f.CurrentPipelineStep != "" {
		t.Errorf("step should be cleared when leaving the pipeline, got %q", f.CurrentPipelineStep)
	}
}

func TestSetStepRejectedOutsidePipeline(t *testing.T) {
	m := NewMachine()
	f := &models.Feature{ID: "f", Status: models.StatusBacklog}

	if err := m.SetStep(f, "review"); err == nil {
		t.Error("expected SetStep to be rejected in backlog")
	}
	if f.CurrentPipelineStep != "" {
		t.Error("step must stay empty after rejected SetStep")
	}
}

func TestCanApply(t *testing.T) {
	m := NewMachine()
	f := &models.Feature{ID: "f", Status: models.StatusBacklog}

	if !m.CanApply(f, EventStart) {
		t.Error("start should be legal from backlog")
	}
	if m.CanApply(f, EventArchive) {
		t.Error("archive should not be legal from backlog")
	}
}
