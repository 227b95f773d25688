package finding

import (
	"errors"
	"fmt"
	"time"
)

// Candidate validation errors.
var (
	ErrInvalidCandidate  = errors.New("invalid patch candidate")
	ErrFindingIDRequired = errors.New("finding_id is required")
	ErrDiffRequired      = errors.New("diff is required")
	ErrInvalidConfidence = errors.New("confidence must be between 0.0 and 1.0")
	ErrDiffTooLarge      = errors.New("diff exceeds maximum size")
)

// MaxDiffSize caps candidate diffs at 1MB. Anything larger is almost
// certainly a generator malfunction, not a targeted fix.
const MaxDiffSize = 1024 * 1024

// PatchCandidate is a proposed fix for exactly one finding.
//
// Multiple candidates may exist per finding; at most one may ever be in
// applied state, which the store enforces at write time.
type PatchCandidate struct {
	// ID is the unique identifier for this candidate (UUID).
	ID string `json:"id"`

	// FindingID references the finding this candidate addresses.
	FindingID string `json:"finding_id"`

	// Diff is the proposed change as an opaque byte sequence. The core
	// never interprets it; only the VCS publisher consumes it.
	Diff []byte `json:"diff"`

	// Confidence is the generator's self-assessed confidence (0.0-1.0).
	Confidence float64 `json:"confidence"`

	// GeneratedAt is when the generator produced this candidate.
	GeneratedAt time.Time `json:"generated_at"`

	// Applied is true once this candidate has been published.
	Applied bool `json:"applied"`

	// PublishedURL and PublishedBranch identify where an applied
	// candidate landed (pull request URL and remediation branch). Empty
	// until the candidate is applied.
	PublishedURL    string `json:"published_url,omitempty"`
	PublishedBranch string `json:"published_branch,omitempty"`
}

// Validate checks the candidate is complete enough to store.
func (c *PatchCandidate) Validate() error {
	if c.FindingID == "" {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, ErrFindingIDRequired)
	}
	if len(c.Diff) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, ErrDiffRequired)
	}
	if len(c.Diff) > MaxDiffSize {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, ErrDiffTooLarge)
	}
	if c.Confidence < 0.0 || c.Confidence > 1.0 {
		return fmt.Errorf("%w: %v (%v)", ErrInvalidCandidate, ErrInvalidConfidence, c.Confidence)
	}
	return nil
}
