package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// AddCandidate stores a new patch candidate for a finding.
func (s *Store) AddCandidate(ctx context.Context, c *finding.PatchCandidate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.GeneratedAt.IsZero() {
		c.GeneratedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (id, finding_id, diff, confidence, generated_at, applied)
		VALUES (?, ?, ?, ?, ?, 0)`,
		c.ID, c.FindingID, c.Diff, c.Confidence, c.GeneratedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}
	return nil
}

// GetCandidate retrieves a candidate by ID.
func (s *Store) GetCandidate(ctx context.Context, id string) (*finding.PatchCandidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, finding_id, diff, confidence, generated_at, applied,
		       published_url, published_branch
		FROM candidates WHERE id = ?`, id)
	return scanCandidate(row)
}

// CandidatesFor returns all candidates for a finding, newest first.
func (s *Store) CandidatesFor(ctx context.Context, findingID string) ([]*finding.PatchCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, finding_id, diff, confidence, generated_at, applied,
		       published_url, published_branch
		FROM candidates WHERE finding_id = ?
		ORDER BY generated_at DESC`, findingID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*finding.PatchCandidate
	for rows.Next() {
		var (
			c           finding.PatchCandidate
			generatedAt int64
			applied     int
		)
		if err := rows.Scan(&c.ID, &c.FindingID, &c.Diff, &c.Confidence,
			&generatedAt, &applied, &c.PublishedURL, &c.PublishedBranch); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.GeneratedAt = time.Unix(0, generatedAt)
		c.Applied = applied == 1
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

// MarkApplied marks a candidate as applied, recording where the publish
// landed. The guard in the UPDATE enforces the invariant that a finding has
// at most one applied candidate: if any sibling is already applied, zero
// rows change and the call fails with ErrCandidateConflict.
func (s *Store) MarkApplied(ctx context.Context, candidateID, publishedURL, publishedBranch string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE candidates SET applied = 1, published_url = ?, published_branch = ?
		WHERE id = ?
		  AND applied = 0
		  AND NOT EXISTS (
			SELECT 1 FROM candidates sibling
			WHERE sibling.finding_id = candidates.finding_id
			  AND sibling.applied = 1
		  )`, publishedURL, publishedBranch, candidateID)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish "no such candidate" from the invariant violation.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM candidates WHERE id = ?`, candidateID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check candidate: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("candidate %s: %w", candidateID, ErrNotFound)
		}
		return ErrCandidateConflict
	}
	return nil
}

func scanCandidate(row *sql.Row) (*finding.PatchCandidate, error) {
	var (
		c           finding.PatchCandidate
		generatedAt int64
		applied     int
	)
	err := row.Scan(&c.ID, &c.FindingID, &c.Diff, &c.Confidence, &generatedAt,
		&applied, &c.PublishedURL, &c.PublishedBranch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan candidate: %w", err)
	}
	c.GeneratedAt = time.Unix(0, generatedAt)
	c.Applied = applied == 1
	return &c, nil
}
