package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// Snapshot is the record state a replay derives for one finding. It carries
// the same fields as finding.Record so a live record and a replayed one can
// be compared directly.
type Snapshot struct {
	FindingID      string
	State          finding.State
	CausalSeq      int64
	Attempts       int
	LastError      string
	LastErrorClass finding.Class
	UpdatedAt      time.Time
}

// Record converts the snapshot to a finding.Record.
func (s *Snapshot) Record() *finding.Record {
	return &finding.Record{
		FindingID:      s.FindingID,
		State:          s.State,
		Attempts:       s.Attempts,
		LastError:      s.LastError,
		LastErrorClass: s.LastErrorClass,
		UpdatedAt:      s.UpdatedAt,
	}
}

// Replay folds the log from position zero into per-finding snapshots.
//
// Replay validates causal ordering as it goes: a gap or regression in a
// finding's causal sequence means the log was tampered with or corrupted,
// and replay fails loudly rather than rebuilding bad state.
func (l *Log) Replay(ctx context.Context) (map[string]*Snapshot, error) {
	entries, err := l.StreamSince(ctx, 0)
	if err != nil {
		return nil, err
	}

	snapshots := make(map[string]*Snapshot)
	for e := range entries {
		snap, ok := snapshots[e.FindingID]
		if !ok {
			snap = &Snapshot{FindingID: e.FindingID}
			snapshots[e.FindingID] = snap
		}
		if e.CausalSeq != snap.CausalSeq+1 {
			return nil, fmt.Errorf("audit log corrupt: finding %s causal seq %d follows %d",
				e.FindingID, e.CausalSeq, snap.CausalSeq)
		}
		// Every transition rewrites the attempt count and error fields,
		// mirroring what the store records, so live and replayed state
		// stay comparable field for field.
		snap.CausalSeq = e.CausalSeq
		snap.State = e.To
		snap.UpdatedAt = e.At
		snap.Attempts = e.Attempts
		snap.LastError = e.Error
		snap.LastErrorClass = e.ErrorClass
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return snapshots, nil
}
