// Package adapter defines the external capability contracts the remediation
// core depends on but does not implement: the issue detector, the patch
// generator, the VCS publisher, the post-apply verifier, and the approval
// notification sink.
//
// Implementations live in subpackages (githubpub, natsnotify). The core only
// ever sees these interfaces, so tests substitute in-memory fakes and the
// detection/diagnosis machinery stays an external concern.
package adapter
