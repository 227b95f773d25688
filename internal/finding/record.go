package finding

import "time"

// Class classifies an error attached to a remediation record.
type Class string

const (
	// ClassTransient covers network and rate-limit failures that are
	// retried per policy.
	ClassTransient Class = "transient"

	// ClassConflict covers concurrent state changes (e.g. the target
	// branch moved under a publish).
	ClassConflict Class = "conflict"

	// ClassPermanentRejection covers human rejection or policy denial.
	// Never retried.
	ClassPermanentRejection Class = "permanent_rejection"

	// ClassAdapterFailure covers an external capability exhausting its
	// retries. Surfaced to operators, never silently dropped.
	ClassAdapterFailure Class = "adapter_failure"
)

// Record binds one finding to its lifecycle. Exactly one record exists per
// finding; it is created on ingestion and destroyed only by explicit
// archival.
type Record struct {
	// FindingID identifies the owning finding.
	FindingID string `json:"finding_id"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Attempts counts adapter attempts for the step that last ran.
	Attempts int `json:"attempts"`

	// LastError is the most recent error message, if any.
	LastError string `json:"last_error,omitempty"`

	// LastErrorClass classifies LastError.
	LastErrorClass Class `json:"last_error_class,omitempty"`

	// UpdatedAt is when the record last transitioned.
	UpdatedAt time.Time `json:"updated_at"`
}
