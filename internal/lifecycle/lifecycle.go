// Package lifecycle implements the per-feature state machine. All status
// mutations go through Machine.Apply so transitions are explicit and
// validated; an invalid transition leaves the feature untouched.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/autoflow/pkg/models"
)

// Event is a lifecycle event applied to a feature.
type Event string

const (
	// EventStart moves a backlog feature into implementation. The caller
	// must have acquired a worker slot and verified the dependency check.
	EventStart Event = "start"
	// EventImplemented records a successful provider run, moving the
	// feature into the review/verification pipeline.
	EventImplemented Event = "implemented"
	// EventStepFailed loops a feature back to implementation after a
	// required pipeline step failed with loop budget remaining.
	EventStepFailed Event = "step_failed"
	// EventStepsPassed marks all required pipeline steps as passed.
	EventStepsPassed Event = "steps_passed"
	// EventRequeue returns an in-flight feature to the backlog, keeping
	// its retry metadata (provider error, quota pause, restart recovery).
	EventRequeue Event = "requeue"
	// EventFail marks the feature failed for this run.
	EventFail Event = "fail"
	// EventComplete finishes a verified feature.
	EventComplete Event = "complete"
	// EventArchive archives a verified or completed feature.
	EventArchive Event = "archive"
)

// InvalidTransitionError reports a rejected transition. The feature's prior
// state is retained; nothing is partially mutated.
type InvalidTransitionError struct {
	FeatureID string
	From      models.FeatureStatus
	Event     Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: feature %s cannot apply %q from %q",
		e.FeatureID, e.Event, e.From)
}

// transitions maps event -> legal source states -> destination state.
var transitions = map[Event]map[models.FeatureStatus]models.FeatureStatus{
	EventStart: {
		models.StatusBacklog: models.StatusInProgress,
	},
	EventImplemented: {
		models.StatusInProgress: models.StatusWaitingApproval,
	},
	EventStepFailed: {
		models.StatusWaitingApproval: models.StatusInProgress,
	},
	EventStepsPassed: {
		models.StatusWaitingApproval: models.StatusVerified,
	},
	EventRequeue: {
		models.StatusInProgress:      models.StatusBacklog,
		models.StatusWaitingApproval: models.StatusBacklog,
	},
	EventFail: {
		models.StatusInProgress:      models.StatusFailed,
		models.StatusWaitingApproval: models.StatusFailed,
	},
	EventComplete: {
		models.StatusVerified: models.StatusCompleted,
	},
	EventArchive: {
		models.StatusVerified:  models.StatusArchived,
		models.StatusCompleted: models.StatusArchived,
	},
}

// Machine validates and applies lifecycle transitions.
type Machine struct {
	// now is injectable for tests.
	now func() time.Time
}

// NewMachine creates a Machine.
func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

// Apply validates ev against f's current status and mutates f only if the
// transition is legal. On rejection it returns an *InvalidTransitionError
// and f is unchanged.
func (m *Machine) Apply(f *models.Feature, ev Event) error {
	to, ok := transitions[ev][f.Status]
	if !ok {
		return &InvalidTransitionError{FeatureID: f.ID, From: f.Status, Event: ev}
	}

	f.Status = to

	// Keep status and CurrentPipelineStep jointly consistent: the step is
	// meaningful only while the feature is moving through the pipeline.
	if !to.InPipeline() {
		f.CurrentPipelineStep = ""
	}

	switch ev {
	case EventComplete:
		t := m.now()
		f.CompletedAt = &t
		f.Error = ""
	case EventArchive:
		f.Archived = true
	}

	return nil
}

// SetStep records the pipeline step a feature is currently in. It is
// rejected outside pipeline states so the joint invariant cannot be broken.
func (m *Machine) SetStep(f *models.Feature, stepID string) error {
	if !f.Status.InPipeline() {
		return fmt.Errorf("feature %s: cannot set pipeline step %q in status %q",
			f.ID, stepID, f.Status)
	}
	f.CurrentPipelineStep = stepID
	return nil
}

// CanApply reports whether ev is legal from f's current status.
func (m *Machine) CanApply(f *models.Feature, ev Event) bool {
	_, ok := transitions[ev][f.Status]
	return ok
}
