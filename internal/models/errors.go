package models

import "errors"

// Error taxonomy for the run tracking core. Every error that crosses a
// service boundary wraps exactly one of these sentinels so callers can
// branch with errors.Is without string matching.
var (
	// ErrValidation covers bad ID formats, unknown fields and non-string
	// execution log writes. Never retried, never corrupts state.
	ErrValidation = errors.New("validation error")

	// ErrConflict is a duplicate runId/clientRunId at create time.
	// Treated as success returning the existing row.
	ErrConflict = errors.New("conflict")

	// ErrTransient is a retryable store or provider failure whose retry
	// budget has been exhausted.
	ErrTransient = errors.New("transient error")

	// ErrRateLimited is a provider rate-limit response whose extended
	// retry budget has been exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrFatal is a schema mismatch, permission failure or missing table.
	// Surfaced immediately without retries.
	ErrFatal = errors.New("fatal provider error")

	// ErrNotFound is a lookup miss for a record that was expected to exist.
	ErrNotFound = errors.New("not found")
)
