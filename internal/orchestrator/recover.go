package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/finding"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

// Recover rebuilds record state from the audit log after a restart. The
// log is the source of truth: any record cache row that disagrees with the
// replayed snapshot is overwritten, and any finding the crash left in
// Applying is rolled back to Approved so its publish can be retried.
//
// Recover must run before Run starts dispatching workers.
func (o *Orchestrator) Recover(ctx context.Context) error {
	snapshots, err := o.audit.Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay audit log: %w", err)
	}

	rolledBack := 0
	reconciled := 0
	for id, snap := range snapshots {
		if snap.State == finding.StateApplying {
			// The publish outcome is unknown; the publisher is expected
			// to tolerate a duplicate attempt (existing branch shows up
			// as a conflict).
			if _, err := o.audit.Append(ctx, &audit.Entry{
				FindingID:  id,
				From:       finding.StateApplying,
				To:         finding.StateApproved,
				Actor:      actorRecovery,
				Error:      "publish interrupted by restart",
				ErrorClass: finding.ClassTransient,
				Attempts:   snap.Attempts,
			}); err != nil {
				return fmt.Errorf("roll back %s: %w", id, err)
			}
			snap.State = finding.StateApproved
			snap.LastError = "publish interrupted by restart"
			snap.LastErrorClass = finding.ClassTransient
			rolledBack++
		}

		changed, err := o.reconcile(ctx, id, snap)
		if err != nil {
			return err
		}
		if changed {
			reconciled++
		}
	}

	o.logger.Info("recovery complete",
		zap.Int("findings", len(snapshots)),
		zap.Int("rolled_back", rolledBack),
		zap.Int("reconciled", reconciled),
	)
	return nil
}

// reconcile overwrites the record cache with the replayed snapshot when
// they disagree. Reports whether a write happened.
func (o *Orchestrator) reconcile(ctx context.Context, id string, snap *audit.Snapshot) (bool, error) {
	rec, err := o.store.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// The finding row itself is gone; nothing to reconcile onto.
		// This only happens when the store file was lost separately
		// from the log, which replay alone cannot repair.
		o.logger.Warn("audit log references unknown finding",
			zap.String("finding_id", id))
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if rec.State == snap.State &&
		rec.Attempts == snap.Attempts &&
		rec.LastError == snap.LastError &&
		rec.LastErrorClass == snap.LastErrorClass {
		return false, nil
	}

	o.logger.Warn("record cache diverged from audit log",
		zap.String("finding_id", id),
		zap.String("cached_state", string(rec.State)),
		zap.String("replayed_state", string(snap.State)),
	)
	if err := o.store.UpdateRecord(ctx, id, snap.State, snap.Attempts, snap.LastError, snap.LastErrorClass); err != nil {
		return false, fmt.Errorf("reconcile %s: %w", id, err)
	}
	return true, nil
}
