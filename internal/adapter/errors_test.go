package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", ErrUnavailable, true},
		{"rate limited wrapped", fmt.Errorf("create pr: %w", ErrRateLimited), true},
		{"auth failure", ErrAuthFailure, false},
		{"conflict", ErrConflict, false},
		{"no candidate", ErrNoCandidate, true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"unknown defaults retryable", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want finding.Class
	}{
		{"nil", nil, ""},
		{"conflict", fmt.Errorf("push: %w", ErrConflict), finding.ClassConflict},
		{"unavailable", ErrUnavailable, finding.ClassTransient},
		{"rate limited", ErrRateLimited, finding.ClassTransient},
		{"auth failure", ErrAuthFailure, finding.ClassAdapterFailure},
		{"no candidate", ErrNoCandidate, finding.ClassAdapterFailure},
		{"unknown", errors.New("eof"), finding.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
