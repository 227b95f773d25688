package adapter

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// Adapter error sentinels. Implementations wrap these with %w so callers
// can classify failures with errors.Is.
var (
	// ErrUnavailable indicates the external capability is down or
	// unreachable. Retryable.
	ErrUnavailable = errors.New("adapter unavailable")

	// ErrRateLimited indicates the external capability throttled us.
	// Retryable after backoff.
	ErrRateLimited = errors.New("adapter rate limited")

	// ErrConflict indicates concurrent state change (e.g. target branch
	// moved). Re-read and retry once, else surface.
	ErrConflict = errors.New("adapter conflict")

	// ErrAuthFailure indicates rejected credentials. Not retryable.
	ErrAuthFailure = errors.New("adapter authentication failed")

	// ErrNoCandidate indicates the generator produced nothing for this
	// finding. Retried within the generation budget; a generator may
	// succeed on a later attempt.
	ErrNoCandidate = errors.New("no patch candidate generated")
)

// Retryable reports whether the error is worth retrying under the standard
// policy. Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrRateLimited), errors.Is(err, ErrNoCandidate):
		return true
	case errors.Is(err, ErrAuthFailure), errors.Is(err, ErrConflict):
		return false
	}
	// Unknown errors (raw network failures from an adapter that forgot to
	// wrap) default to retryable, matching how unclassified GitHub API
	// errors are treated.
	return true
}

// Classify maps an adapter error to the record error taxonomy.
func Classify(err error) finding.Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return finding.ClassConflict
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrRateLimited):
		return finding.ClassTransient
	case errors.Is(err, ErrAuthFailure), errors.Is(err, ErrNoCandidate):
		return finding.ClassAdapterFailure
	default:
		return finding.ClassTransient
	}
}
