package adapter

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// Detector supplies findings for a repository. The returned channel is
// closed when detection completes; the error covers startup failures only.
type Detector interface {
	Detect(ctx context.Context, repository string) (<-chan finding.Finding, error)
}

// PatchGenerator produces a candidate fix for a finding. Returns
// ErrNoCandidate when it cannot propose anything for this finding.
type PatchGenerator interface {
	Generate(ctx context.Context, f *finding.Finding) (*finding.PatchCandidate, error)
}

// PublishResult reports where a published change can be reviewed.
type PublishResult struct {
	// URL is the pull request (or equivalent) URL.
	URL string `json:"url"`

	// Branch is the branch the change was published on, if applicable.
	Branch string `json:"branch,omitempty"`
}

// Publisher opens or updates a pull request carrying a patch candidate.
type Publisher interface {
	Publish(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate) (*PublishResult, error)
}

// Verifier runs the post-apply check on a published change.
type Verifier interface {
	Verify(ctx context.Context, f *finding.Finding, c *finding.PatchCandidate, result *PublishResult) error
}

// Pending describes a candidate awaiting a human decision.
type Pending struct {
	Token       string    `json:"token"`
	FindingID   string    `json:"finding_id"`
	CandidateID string    `json:"candidate_id"`

	Repository string           `json:"repository"`
	Path       string           `json:"path"`
	Category   string           `json:"category"`
	Severity   finding.Severity `json:"severity"`
	Confidence float64          `json:"confidence"`

	RequestedAt time.Time `json:"requested_at"`
}

// Notifier announces pending approvals to interested parties. Calls are
// fire-and-forget, best-effort; a notification failure never blocks the
// pipeline.
type Notifier interface {
	NotifyPending(ctx context.Context, p Pending) error
}
