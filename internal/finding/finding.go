package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Common validation errors.
var (
	ErrInvalidFinding     = errors.New("invalid finding")
	ErrRepositoryRequired = errors.New("repository is required")
	ErrPathRequired       = errors.New("path is required")
	ErrInvalidLineRange   = errors.New("line range is invalid")
	ErrCategoryRequired   = errors.New("category is required")
	ErrInvalidSeverity    = errors.New("severity is invalid")
)

// Finding represents one detected code issue awaiting remediation.
//
// Findings are owned by the store; adapters hand them over on ingestion and
// never mutate them afterwards. Identity for deduplication purposes is the
// Fingerprint, not the ID: two detector runs reporting the same issue at the
// same location produce the same fingerprint and the second ingestion is a
// duplicate.
type Finding struct {
	// ID is the unique identifier for this finding (UUID).
	ID string `json:"id"`

	// Repository identifies the source repository as "owner/name".
	Repository string `json:"repository"`

	// Path is the file path within the repository.
	Path string `json:"path"`

	// StartLine and EndLine bound the affected region (1-based, inclusive).
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Category is a semantic tag, e.g. "bug", "style", "security".
	Category string `json:"category"`

	// Severity classifies how serious the issue is.
	Severity Severity `json:"severity"`

	// Content is the offending code snippet as reported by the detector.
	// It participates in the dedup fingerprint so that the same location
	// with changed content re-ingests as a new finding.
	Content string `json:"content,omitempty"`

	// DetectedAt is when the detector reported this finding.
	DetectedAt time.Time `json:"detected_at"`
}

// Validate checks the finding is complete enough to ingest.
func (f *Finding) Validate() error {
	if f.Repository == "" {
		return fmt.Errorf("%w: %v", ErrInvalidFinding, ErrRepositoryRequired)
	}
	if f.Path == "" {
		return fmt.Errorf("%w: %v", ErrInvalidFinding, ErrPathRequired)
	}
	if f.StartLine < 1 || f.EndLine < f.StartLine {
		return fmt.Errorf("%w: %v", ErrInvalidFinding, ErrInvalidLineRange)
	}
	if f.Category == "" {
		return fmt.Errorf("%w: %v", ErrInvalidFinding, ErrCategoryRequired)
	}
	if !f.Severity.Valid() {
		return fmt.Errorf("%w: %v (%q)", ErrInvalidFinding, ErrInvalidSeverity, f.Severity)
	}
	return nil
}

// Fingerprint returns the dedup key for this finding: a SHA-256 over
// source location, category, and content. Findings with equal fingerprints
// are the same issue regardless of detection time or assigned ID.
func (f *Finding) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%s|%s",
		f.Repository, f.Path, f.StartLine, f.EndLine, f.Category, f.Content)
	return hex.EncodeToString(h.Sum(nil))
}
