package orchestrator

import (
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/autoflow/internal/provider"
)

// PauseReason explains why scheduling was suspended.
type PauseReason string

const (
	// PauseManual means an operator paused the engine.
	PauseManual PauseReason = "manual"
	// PauseQuotaExhausted means the provider reported exhausted quota.
	PauseQuotaExhausted PauseReason = "quota_exhausted"
	// PauseRateLimit means the provider is rate limiting requests.
	PauseRateLimit PauseReason = "rate_limit"
	// PauseConsecutiveFailures means too many distinct features failed
	// within the failure window.
	PauseConsecutiveFailures PauseReason = "consecutive_failures"
)

// PauseState is a snapshot of the pause controller.
type PauseState struct {
	Paused bool `json:"paused"`
	// Reason is set while paused.
	Reason PauseReason `json:"reason,omitempty"`
	// Since is when the current pause began.
	Since time.Time `json:"since,omitempty"`
	// ResumeAt is the scheduled automatic resume time, zero for none.
	ResumeAt time.Time `json:"resume_at,omitempty"`
	// LastKnownUsage is the provider usage at pause time.
	LastKnownUsage provider.UsageSnapshot `json:"last_known_usage"`
}

type failureRecord struct {
	featureID string
	at        time.Time
}

// PauseController manages pause/resume state for the scheduler.
// It supports manual pauses, timed pauses with automatic resume, and a
// sliding failure window that trips a pause when too many distinct
// features fail in quick succession.
type PauseController struct {
	mu sync.RWMutex

	paused   bool
	reason   PauseReason
	since    time.Time
	resumeAt time.Time
	usage    provider.UsageSnapshot

	failures  []failureRecord
	threshold int
	window    time.Duration

	timer *time.Timer
	// onResume fires after an automatic timed resume, outside the lock.
	onResume func()
	// onPause fires when an unpaused controller trips, outside the lock.
	onPause func(reason PauseReason)
}

// NewPauseController creates a controller that trips after threshold
// distinct feature failures within window.
func NewPauseController(threshold int, window time.Duration) *PauseController {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &PauseController{threshold: threshold, window: window}
}

// SetOnResume registers a callback invoked after automatic timed resumes.
func (p *PauseController) SetOnResume(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResume = fn
}

// SetOnPause registers a callback invoked whenever the controller moves
// from unpaused to paused, whatever tripped it. Reason replacements on an
// already paused controller do not re-fire.
func (p *PauseController) SetOnPause(fn func(reason PauseReason)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPause = fn
}

// Pause suspends scheduling indefinitely for the given reason.
// A later Pause call replaces the reason of an existing pause.
func (p *PauseController) Pause(reason PauseReason) {
	p.pauseUntil(reason, time.Time{}, provider.UsageSnapshot{})
}

// PauseUntil suspends scheduling and schedules an automatic resume.
func (p *PauseController) PauseUntil(reason PauseReason, resumeAt time.Time, usage provider.UsageSnapshot) {
	p.pauseUntil(reason, resumeAt, usage)
}

func (p *PauseController) pauseUntil(reason PauseReason, resumeAt time.Time, usage provider.UsageSnapshot) {
	p.mu.Lock()

	tripped := !p.paused
	if tripped {
		p.since = time.Now()
		log.Printf("[engine] paused (%s) - no new features will be dispatched", reason)
	}
	p.paused = true
	p.reason = reason
	p.resumeAt = resumeAt
	p.usage = usage

	// Replace any previously scheduled resume.
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if !resumeAt.IsZero() {
		d := time.Until(resumeAt)
		if d < 0 {
			d = 0
		}
		p.timer = time.AfterFunc(d, p.timedResume)
	}
	fn := p.onPause
	p.mu.Unlock()

	if tripped && fn != nil {
		fn(reason)
	}
}

// timedResume fires when a scheduled resume comes due.
func (p *PauseController) timedResume() {
	p.mu.Lock()
	if !p.paused || p.resumeAt.IsZero() {
		p.mu.Unlock()
		return
	}
	p.resumeLocked()
	fn := p.onResume
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Resume lifts the pause. Safe to call when not paused.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeLocked()
}

func (p *PauseController) resumeLocked() {
	if !p.paused {
		return
	}
	p.paused = false
	p.reason = ""
	p.resumeAt = time.Time{}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	// A fresh start: old failures should not trip an immediate re-pause.
	p.failures = nil
	log.Printf("[engine] resumed - feature dispatch enabled")
}

// Gate reports whether dispatching may proceed at the given time.
// A pause whose scheduled resume time has passed is lifted here as well,
// so a stalled timer cannot wedge the scheduler.
func (p *PauseController) Gate(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.paused && !p.resumeAt.IsZero() && !now.Before(p.resumeAt) {
		p.resumeLocked()
	}
	return !p.paused
}

// IsPaused returns whether scheduling is currently suspended.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// State returns a snapshot of the pause state.
func (p *PauseController) State() PauseState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PauseState{
		Paused:         p.paused,
		Reason:         p.reason,
		Since:          p.since,
		ResumeAt:       p.resumeAt,
		LastKnownUsage: p.usage,
	}
}

// RecordFailure notes a feature failure at the given time and reports
// whether the failure window tripped a pause. Repeated failures of the
// same feature count once: a single flaky feature must not halt the
// whole backlog.
func (p *PauseController) RecordFailure(featureID string, now time.Time) bool {
	p.mu.Lock()

	cutoff := now.Add(-p.window)
	kept := p.failures[:0]
	for _, f := range p.failures {
		if f.at.After(cutoff) && f.featureID != featureID {
			kept = append(kept, f)
		}
	}
	p.failures = append(kept, failureRecord{featureID: featureID, at: now})

	if p.paused || len(p.failures) < p.threshold {
		p.mu.Unlock()
		return false
	}

	p.paused = true
	p.reason = PauseConsecutiveFailures
	p.since = now
	p.resumeAt = time.Time{}
	log.Printf("[engine] paused: %d features failed within %s", len(p.failures), p.window)
	fn := p.onPause
	p.mu.Unlock()

	if fn != nil {
		fn(PauseConsecutiveFailures)
	}
	return true
}
