// Package finding defines the core data model for remedyd: detected code
// issues, patch candidates proposed for them, approval decisions, and the
// remediation lifecycle state machine that binds them together.
//
// The package is intentionally free of I/O. State transitions are expressed
// as a pure function (Transition) so that the orchestrator can validate a
// transition before persisting it and the audit log can replay transitions
// deterministically after a restart.
package finding
