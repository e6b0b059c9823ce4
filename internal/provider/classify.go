package provider

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass buckets provider failures for scheduling decisions. Only
// quota and rate-limit conditions pause the scheduler; transient errors
// are retried; fatal errors fail the feature.
type ErrorClass int

const (
	// ClassNone means no error.
	ClassNone ErrorClass = iota
	// ClassTransient covers network errors, timeouts, and overload.
	ClassTransient
	// ClassRateLimit covers provider rate limiting (HTTP 429 and friends).
	ClassRateLimit
	// ClassQuota covers exhausted quota, credits, or billing problems.
	ClassQuota
	// ClassFatal covers everything else (bad request, logic errors).
	ClassFatal
)

// String returns a human-readable representation of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRateLimit:
		return "rate_limit"
	case ClassQuota:
		return "quota"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ShouldPause reports whether this class must trip the pause controller
// instead of failing or retrying the feature.
func (c ErrorClass) ShouldPause() bool {
	return c == ClassQuota || c == ClassRateLimit
}

var quotaMarkers = []string{
	"quota",
	"credit balance",
	"billing",
	"insufficient credits",
	"usage limit",
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"overloaded",
	"529",
	"500",
	"502",
	"503",
	"eof",
}

// Classify buckets an error returned by a provider call. Providers differ
// in how they surface these conditions, so classification is by message
// content; unknown errors are fatal rather than silently retried.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, m := range quotaMarkers {
		if strings.Contains(msg, m) {
			return ClassQuota
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return ClassRateLimit
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return ClassTransient
		}
	}
	return ClassFatal
}

// ClassifyMessage buckets a terminal stream message.
func ClassifyMessage(m Message) ErrorClass {
	switch m.Subtype {
	case SubtypeQuotaExhausted:
		return ClassQuota
	case SubtypeRateLimit:
		return ClassRateLimit
	case SubtypeSuccess:
		return ClassNone
	}
	if m.Type == MessageError || m.Subtype == SubtypeError {
		return Classify(errors.New(m.Err + " " + m.Text))
	}
	return ClassNone
}
