package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// Approval is a durable approval token. A pending token has Decision nil;
// once decided, the decision never changes.
type Approval struct {
	Token       string            `json:"token"`
	FindingID   string            `json:"finding_id"`
	CandidateID string            `json:"candidate_id"`
	RequestedAt time.Time         `json:"requested_at"`
	Decision    *finding.Decision `json:"decision,omitempty"`
}

// Decided reports whether the token carries a decision.
func (a *Approval) Decided() bool {
	return a.Decision != nil
}

// CreateApproval persists a new pending approval token.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) error {
	if a.Token == "" {
		return fmt.Errorf("approval token is required")
	}
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (token, finding_id, candidate_id, requested_at)
		VALUES (?, ?, ?, ?)`,
		a.Token, a.FindingID, a.CandidateID, a.RequestedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// RecordDecision records a decision on a token exactly once. Returns false
// when the token was already decided; the stored decision is not
// overwritten.
func (s *Store) RecordDecision(ctx context.Context, token string, d *finding.Decision) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET decided = 1, verdict = ?, actor = ?, comment = ?, decided_at = ?
		WHERE token = ? AND decided = 0`,
		string(d.Verdict), d.Actor, d.Comment, d.DecidedAt.UnixNano(), token)
	if err != nil {
		return false, fmt.Errorf("record decision: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		return true, nil
	}

	// Zero rows: either the token does not exist or it was already
	// decided. The caller needs to tell those apart.
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM approvals WHERE token = ?`, token,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	if exists == 0 {
		return false, fmt.Errorf("approval %s: %w", token, ErrNotFound)
	}
	return false, nil
}

// GetApproval retrieves an approval token.
func (s *Store) GetApproval(ctx context.Context, token string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, finding_id, candidate_id, requested_at,
		       decided, verdict, actor, comment, decided_at
		FROM approvals WHERE token = ?`, token)
	a, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval %s: %w", token, ErrNotFound)
	}
	return a, err
}

// ApprovalForFinding returns the most recent approval token for a finding,
// or ErrNotFound.
func (s *Store) ApprovalForFinding(ctx context.Context, findingID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, finding_id, candidate_id, requested_at,
		       decided, verdict, actor, comment, decided_at
		FROM approvals WHERE finding_id = ?
		ORDER BY requested_at DESC LIMIT 1`, findingID)
	a, err := scanApproval(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("approval for finding %s: %w", findingID, ErrNotFound)
	}
	return a, err
}

// PendingApprovals returns all undecided tokens, oldest first.
func (s *Store) PendingApprovals(ctx context.Context) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, finding_id, candidate_id, requested_at,
		       decided, verdict, actor, comment, decided_at
		FROM approvals WHERE decided = 0
		ORDER BY requested_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

func scanApproval(scan func(dest ...any) error) (*Approval, error) {
	var (
		a           Approval
		requestedAt int64
		decided     int
		verdict     string
		actor       string
		comment     string
		decidedAt   sql.NullInt64
	)
	err := scan(&a.Token, &a.FindingID, &a.CandidateID, &requestedAt,
		&decided, &verdict, &actor, &comment, &decidedAt)
	if err != nil {
		return nil, err
	}
	a.RequestedAt = time.Unix(0, requestedAt)
	if decided == 1 {
		a.Decision = &finding.Decision{
			Verdict: finding.Verdict(verdict),
			Actor:   actor,
			Comment: comment,
		}
		if decidedAt.Valid {
			a.Decision.DecidedAt = time.Unix(0, decidedAt.Int64)
		}
	}
	return &a, nil
}
