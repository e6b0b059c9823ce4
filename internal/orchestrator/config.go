package orchestrator

import (
	"fmt"
	"time"

	"github.com/ShayCichocki/autoflow/pkg/models"
)

// Config holds the engine's runtime configuration.
type Config struct {
	// MaxConcurrency is the maximum number of features in flight at once.
	MaxConcurrency int `json:"max_concurrency"`
	// PollInterval is how often the run loop re-checks the backlog.
	PollInterval time.Duration `json:"poll_interval"`
	// AutoStart dispatches work immediately when the engine starts.
	AutoStart bool `json:"auto_start"`
	// OnFailure is the default pipeline failure policy.
	OnFailure models.FailurePolicy `json:"on_failure"`
	// MaxRetries caps how many times a feature may be requeued before it
	// is failed outright.
	MaxRetries int `json:"max_retries"`
	// StepTimeout is the default per-step timeout applied to pipeline
	// steps that don't set their own. Zero disables the default.
	StepTimeout time.Duration `json:"step_timeout"`
	// FailureThreshold is how many distinct feature failures within
	// FailureWindow suspend scheduling.
	FailureThreshold int `json:"failure_threshold"`
	// FailureWindow is the sliding window for FailureThreshold.
	FailureWindow time.Duration `json:"failure_window"`
	// RateLimitBackoff is how long to pause after a rate-limit error.
	RateLimitBackoff time.Duration `json:"rate_limit_backoff"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   2,
		PollInterval:     5 * time.Second,
		AutoStart:        true,
		OnFailure:        models.FailureStop,
		MaxRetries:       2,
		FailureThreshold: 3,
		FailureWindow:    10 * time.Minute,
		RateLimitBackoff: 5 * time.Minute,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.OnFailure != "" && !c.OnFailure.Valid() {
		return fmt.Errorf("unknown on_failure policy %q", c.OnFailure)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.FailureWindow <= 0 {
		return fmt.Errorf("failure_window must be positive, got %s", c.FailureWindow)
	}
	return nil
}

// ConfigPatch is a partial configuration update. Nil fields are left
// unchanged.
type ConfigPatch struct {
	MaxConcurrency   *int                  `json:"max_concurrency,omitempty"`
	PollInterval     *time.Duration        `json:"poll_interval,omitempty"`
	AutoStart        *bool                 `json:"auto_start,omitempty"`
	OnFailure        *models.FailurePolicy `json:"on_failure,omitempty"`
	MaxRetries       *int                  `json:"max_retries,omitempty"`
	StepTimeout      *time.Duration        `json:"step_timeout,omitempty"`
	FailureThreshold *int                  `json:"failure_threshold,omitempty"`
	FailureWindow    *time.Duration        `json:"failure_window,omitempty"`
	RateLimitBackoff *time.Duration        `json:"rate_limit_backoff,omitempty"`
}

// Apply returns the patched configuration. The input config is returned
// unchanged when the patch produces an invalid result.
func (p ConfigPatch) Apply(c Config) (Config, error) {
	next := c
	if p.MaxConcurrency != nil {
		next.MaxConcurrency = *p.MaxConcurrency
	}
	if p.PollInterval != nil {
		next.PollInterval = *p.PollInterval
	}
	if p.AutoStart != nil {
		next.AutoStart = *p.AutoStart
	}
	if p.OnFailure != nil {
		next.OnFailure = *p.OnFailure
	}
	if p.MaxRetries != nil {
		next.MaxRetries = *p.MaxRetries
	}
	if p.StepTimeout != nil {
		next.StepTimeout = *p.StepTimeout
	}
	if p.FailureThreshold != nil {
		next.FailureThreshold = *p.FailureThreshold
	}
	if p.FailureWindow != nil {
		next.FailureWindow = *p.FailureWindow
	}
	if p.RateLimitBackoff != nil {
		next.RateLimitBackoff = *p.RateLimitBackoff
	}
	if err := next.Validate(); err != nil {
		return c, err
	}
	return next, nil
}
