package models

import "time"

// FeatureStatus represents the lifecycle state of a feature.
type FeatureStatus string

const (
	// StatusBacklog indicates the feature has not started.
	StatusBacklog FeatureStatus = "backlog"
	// StatusInProgress indicates an agent is implementing the feature.
	StatusInProgress FeatureStatus = "in_progress"
	// StatusWaitingApproval indicates implementation finished and pipeline
	// steps are running or awaiting results.
	StatusWaitingApproval FeatureStatus = "waiting_approval"
	// StatusVerified indicates all required pipeline steps passed.
	StatusVerified FeatureStatus = "verified"
	// StatusCompleted indicates the feature is done.
	StatusCompleted FeatureStatus = "completed"
	// StatusFailed indicates the feature failed for this run.
	StatusFailed FeatureStatus = "failed"
	// StatusArchived indicates the feature was archived.
	StatusArchived FeatureStatus = "archived"
)

// Valid returns true if the status is a known value.
func (s FeatureStatus) Valid() bool {
	switch s {
	case StatusBacklog, StatusInProgress, StatusWaitingApproval,
		StatusVerified, StatusCompleted, StatusFailed, StatusArchived:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are expected.
func (s FeatureStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// InPipeline returns true for states in which a feature may carry a
// non-empty CurrentPipelineStep. Status and step are jointly consistent:
// the step is set only while the feature is actively moving through the
// pipeline.
func (s FeatureStatus) InPipeline() bool {
	return s == StatusInProgress || s == StatusWaitingApproval
}

// Feature represents a unit of backlog work tracked through the pipeline.
type Feature struct {
	// ID is the stable identifier for this feature.
	ID string `json:"id"`
	// Title is the short description of the feature.
	Title string `json:"title"`
	// Description provides detailed information about the feature.
	Description string `json:"description,omitempty"`
	// Status is the current lifecycle state.
	Status FeatureStatus `json:"status"`
	// Priority orders scheduling; lower values are more urgent.
	Priority int `json:"priority"`
	// Dependencies lists feature IDs that must complete before this one starts.
	Dependencies []string `json:"dependencies,omitempty"`
	// BranchName is the optional branch for worktree isolation. The engine
	// carries it as data only; any VCS work belongs to an external collaborator.
	BranchName string `json:"branch_name,omitempty"`
	// CurrentPipelineStep is the pipeline step the feature is currently in,
	// empty outside pipeline states.
	CurrentPipelineStep string `json:"current_pipeline_step,omitempty"`
	// Hidden excludes the feature from scheduling without archiving it.
	Hidden bool `json:"hidden,omitempty"`
	// Archived marks the feature as archived.
	Archived bool `json:"archived,omitempty"`
	// CreatedAt is when the feature was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the feature completed, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// RetryCount is the number of times implementation has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// Error contains the last error message if the feature failed.
	Error string `json:"error,omitempty"`
}

// Clone returns a deep copy of the feature.
func (f *Feature) Clone() *Feature {
	c := *f
	if f.Dependencies != nil {
		c.Dependencies = append([]string(nil), f.Dependencies...)
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Schedulable returns true if the feature is eligible for scheduling
// consideration: in the backlog and neither hidden nor archived.
func (f *Feature) Schedulable() bool {
	return f.Status == StatusBacklog && !f.Hidden && !f.Archived
}
