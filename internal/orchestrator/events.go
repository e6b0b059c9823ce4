// Package orchestrator coordinates feature execution: scheduling,
// lifecycle transitions, pause control, and the run loop.
package orchestrator

import (
	"time"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventEngineStarted indicates the engine run loop has started.
	EventEngineStarted EventType = "engine_started"
	// EventEngineStopped indicates the engine run loop has stopped.
	EventEngineStopped EventType = "engine_stopped"
	// EventEnginePaused indicates scheduling has been suspended.
	EventEnginePaused EventType = "engine_paused"
	// EventEngineResumed indicates scheduling has resumed.
	EventEngineResumed EventType = "engine_resumed"
	// EventFeatureDispatched indicates a feature entered the pipeline.
	EventFeatureDispatched EventType = "feature_dispatched"
	// EventFeatureCompleted indicates a feature finished successfully.
	EventFeatureCompleted EventType = "feature_completed"
	// EventFeatureFailed indicates a feature failed terminally.
	EventFeatureFailed EventType = "feature_failed"
	// EventFeatureRequeued indicates a feature returned to the backlog.
	EventFeatureRequeued EventType = "feature_requeued"
	// EventStateChanged indicates a feature lifecycle transition.
	EventStateChanged EventType = "state_changed"
	// EventPhaseChanged indicates a feature moved to a new pipeline step.
	EventPhaseChanged EventType = "phase_changed"
	// EventInvalidTransition indicates a lifecycle transition was rejected.
	EventInvalidTransition EventType = "invalid_transition"
	// EventError indicates a non-fatal engine error.
	EventError EventType = "error"
)

// Event represents an event emitted by the engine.
// Subscribers (CLI output, HTTP clients) use these to track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// FeatureID is the ID of the related feature, if applicable.
	FeatureID string
	// FeatureTitle is the title of the related feature, if applicable.
	FeatureTitle string
	// RunID is the ID of the related run, if applicable.
	RunID string
	// From is the previous lifecycle status for state_changed events.
	From string
	// To is the new lifecycle status for state_changed events.
	To string
	// Step is the pipeline step for phase_changed events.
	Step string
	// Reason carries the pause reason for pause events.
	Reason string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
