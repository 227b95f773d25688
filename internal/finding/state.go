package finding

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a remediation record.
type State string

const (
	StateDetected         State = "detected"
	StatePatched          State = "patched"
	StateAwaitingApproval State = "awaiting_approval"
	StateApproved         State = "approved"
	StateRejected         State = "rejected"
	StateApplying         State = "applying"
	StateApplied          State = "applied"
	StateFailed           State = "failed"
	StateVerified         State = "verified"
)

// Event triggers a state transition.
type Event string

const (
	// EventPatchGenerated fires when the patch-generation step concludes.
	EventPatchGenerated Event = "patch_generated"

	// EventCandidateReady fires when a candidate is stored and ready for
	// approval.
	EventCandidateReady Event = "candidate_ready"

	// EventGenerationExhausted fires when no candidate was produced within
	// the retry budget.
	EventGenerationExhausted Event = "generation_exhausted"

	// EventApproved and EventRejected carry the approval gate's verdict.
	EventApproved Event = "approved"
	EventRejected Event = "rejected"

	// EventApplyStarted fires when a publish attempt begins.
	EventApplyStarted Event = "apply_started"

	// EventPublishSucceeded fires when the publisher reports success.
	EventPublishSucceeded Event = "publish_succeeded"

	// EventPublishRetry rolls an interrupted or transiently failed publish
	// attempt back so it can be retried.
	EventPublishRetry Event = "publish_retry"

	// EventPublishExhausted fires when publish retries run out.
	EventPublishExhausted Event = "publish_exhausted"

	// EventVerifyPassed and EventVerifyFailed carry the post-apply check
	// outcome.
	EventVerifyPassed Event = "verify_passed"
	EventVerifyFailed Event = "verify_failed"

	// EventRequeued is the explicit, externally triggered retry of a failed
	// record. It is the only way back to StateDetected.
	EventRequeued Event = "requeued"
)

// ErrInvalidTransition indicates the requested transition is not in the
// state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitions is the complete state machine. Anything absent is invalid.
var transitions = map[State]map[Event]State{
	StateDetected: {
		EventPatchGenerated: StatePatched,
	},
	StatePatched: {
		EventCandidateReady:      StateAwaitingApproval,
		EventGenerationExhausted: StateFailed,
	},
	StateAwaitingApproval: {
		EventApproved: StateApproved,
		EventRejected: StateRejected,
	},
	StateApproved: {
		EventApplyStarted: StateApplying,
	},
	StateApplying: {
		EventPublishSucceeded: StateApplied,
		EventPublishRetry:     StateApproved,
		EventPublishExhausted: StateFailed,
	},
	StateApplied: {
		EventVerifyPassed: StateVerified,
		EventVerifyFailed: StateFailed,
	},
	StateFailed: {
		EventRequeued: StateDetected,
	},
}

// Transition is the pure transition function (state, event) -> state.
// It returns ErrInvalidTransition for any pair outside the state machine,
// which also enforces monotonicity: no path re-enters StateDetected except
// the explicit requeue of a failed record.
func Transition(from State, event Event) (State, error) {
	next, ok := transitions[from][event]
	if !ok {
		return from, fmt.Errorf("%w: %s --(%s)-->", ErrInvalidTransition, from, event)
	}
	return next, nil
}

// Terminal reports whether the state ends processing. StateFailed is
// terminal for the orchestrator but may be requeued externally.
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateRejected, StateFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateDetected, StatePatched, StateAwaitingApproval, StateApproved,
		StateRejected, StateApplying, StateApplied, StateFailed, StateVerified:
		return true
	}
	return false
}
