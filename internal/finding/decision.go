package finding

import (
	"errors"
	"fmt"
	"time"
)

// Verdict is the outcome of an approval decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
	VerdictDefer   Verdict = "defer"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictReject, VerdictDefer:
		return true
	}
	return false
}

// Decision validation errors.
var (
	ErrInvalidDecision = errors.New("invalid decision")
	ErrInvalidVerdict  = errors.New("verdict must be approve, reject, or defer")
	ErrActorRequired   = errors.New("actor is required")
)

// ActorAutoApprove identifies decisions made by the auto-approval policy
// rather than a human.
const ActorAutoApprove = "policy:auto-approve"

// Decision records a human (or policy) decision on a patch candidate.
// Decisions are immutable once recorded; the approval gate rejects any
// attempt to decide the same token twice.
type Decision struct {
	Verdict   Verdict   `json:"verdict"`
	Actor     string    `json:"actor"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Validate checks the decision is well-formed.
func (d *Decision) Validate() error {
	if !d.Verdict.Valid() {
		return fmt.Errorf("%w: %v (%q)", ErrInvalidDecision, ErrInvalidVerdict, d.Verdict)
	}
	if d.Actor == "" {
		return fmt.Errorf("%w: %v", ErrInvalidDecision, ErrActorRequired)
	}
	return nil
}
