package models

import "time"

// StepType categorizes a pipeline step.
type StepType string

const (
	// StepReview is a code review step.
	StepReview StepType = "review"
	// StepSecurity is a security analysis step.
	StepSecurity StepType = "security"
	// StepPerformance is a performance analysis step.
	StepPerformance StepType = "performance"
	// StepTest is a test execution step.
	StepTest StepType = "test"
	// StepCustom is a user-defined step.
	StepCustom StepType = "custom"
)

// Valid returns true if the step type is a known value.
func (t StepType) Valid() bool {
	switch t {
	case StepReview, StepSecurity, StepPerformance, StepTest, StepCustom:
		return true
	default:
		return false
	}
}

// FailurePolicy controls how the pipeline reacts when a step exhausts its
// loop budget.
type FailurePolicy string

const (
	// FailureStop stops the whole pipeline on a failed required step.
	FailureStop FailurePolicy = "stop"
	// FailureContinue continues with remaining independent steps.
	FailureContinue FailurePolicy = "continue"
	// FailureSkipOptional demotes failed non-required steps to advisory.
	FailureSkipOptional FailurePolicy = "skip-optional"
)

// Valid returns true if the policy is a known value.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailureStop, FailureContinue, FailureSkipOptional:
		return true
	default:
		return false
	}
}

// StepConfig defines one ordered review/verification step.
type StepConfig struct {
	// ID is the unique step identifier.
	ID string `yaml:"id" json:"id"`
	// Type categorizes the step.
	Type StepType `yaml:"type" json:"type"`
	// Required marks the step as blocking for verification.
	Required bool `yaml:"required" json:"required"`
	// AutoTrigger runs the step automatically after implementation.
	AutoTrigger bool `yaml:"auto_trigger" json:"auto_trigger"`
	// MaxLoops bounds the loop-until-success fix cycles for this step.
	MaxLoops int `yaml:"max_loops" json:"max_loops"`
	// DependsOn lists step IDs that must finish before this step runs.
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
	// Retries is the budget for transient step errors.
	Retries int `yaml:"retries" json:"retries"`
	// Timeout is the absolute deadline for one step execution.
	// Zero means no step-level deadline.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// PipelineConfig describes the full post-implementation pipeline.
type PipelineConfig struct {
	// Parallel allows steps with no ordering edge to run concurrently.
	Parallel bool `yaml:"parallel" json:"parallel"`
	// LoopUntilSuccess re-triggers implementation when a required step
	// fails, up to the step's MaxLoops.
	LoopUntilSuccess bool `yaml:"loop_until_success" json:"loop_until_success"`
	// MemoryEnabled carries prior iterations' issues forward as context so
	// steps do not re-report identical findings.
	MemoryEnabled bool `yaml:"memory_enabled" json:"memory_enabled"`
	// OnFailure is the policy applied when a step exhausts its loops.
	OnFailure FailurePolicy `yaml:"on_failure" json:"on_failure"`
	// Steps are the ordered step definitions.
	Steps []StepConfig `yaml:"steps" json:"steps"`
}

// StepStatus is the outcome status of one step execution.
type StepStatus string

const (
	// StepPassed indicates the step passed.
	StepPassed StepStatus = "passed"
	// StepFailed indicates the step ran and reported failures.
	StepFailed StepStatus = "failed"
	// StepError indicates the step could not run to completion.
	StepError StepStatus = "error"
)

// Issue is a single finding reported by a pipeline step.
type Issue struct {
	// Severity is the reported severity (e.g., "error", "warning").
	Severity string `json:"severity"`
	// Summary is a one-line description of the finding.
	Summary string `json:"summary"`
	// File is the affected file, if known.
	File string `json:"file,omitempty"`
	// Line is the affected line, if known.
	Line int `json:"line,omitempty"`
}

// StepResult is the outcome of one pipeline step, including all loop
// iterations used.
type StepResult struct {
	// StepID identifies the step this result belongs to.
	StepID string `json:"step_id"`
	// Status is the final outcome.
	Status StepStatus `json:"status"`
	// Issues are the findings from the final iteration.
	Issues []Issue `json:"issues,omitempty"`
	// Iterations is the number of executions used, including loop re-runs.
	Iterations int `json:"iterations"`
	// Advisory marks a failed optional step demoted by the skip-optional
	// failure policy.
	Advisory bool `json:"advisory,omitempty"`
}
