package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

// PutStatus is the outcome of a Put.
type PutStatus string

const (
	PutCreated   PutStatus = "created"
	PutDuplicate PutStatus = "duplicate"
)

// PutResult reports the outcome of ingesting a finding. FindingID is the
// stored finding's ID in both cases; for duplicates it is the ID of the
// previously ingested finding.
type PutResult struct {
	Status    PutStatus
	FindingID string
}

// Put ingests a finding, deduplicating on its fingerprint. Concurrent puts
// of the same issue yield exactly one PutCreated; the fingerprint UNIQUE
// constraint arbitrates.
//
// A created finding starts its lifecycle in StateDetected. The caller is
// responsible for appending the corresponding audit entry.
func (s *Store) Put(ctx context.Context, f *finding.Finding) (*PutResult, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.DetectedAt.IsZero() {
		f.DetectedAt = time.Now()
	}

	fp := f.Fingerprint()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO findings
			(id, fingerprint, repository, path, start_line, end_line,
			 category, severity, severity_rank, content, detected_at,
			 state, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		f.ID, fp, f.Repository, f.Path, f.StartLine, f.EndLine,
		f.Category, string(f.Severity), f.Severity.Rank(), f.Content,
		f.DetectedAt.UnixNano(), string(finding.StateDetected),
		time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert finding: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 1 {
		s.logger.Debug("finding created",
			zap.String("id", f.ID),
			zap.String("repository", f.Repository),
			zap.String("severity", string(f.Severity)),
		)
		return &PutResult{Status: PutCreated, FindingID: f.ID}, nil
	}

	// Duplicate: surface the existing finding's ID.
	var existingID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM findings WHERE fingerprint = ?`, fp,
	).Scan(&existingID)
	if err != nil {
		return nil, fmt.Errorf("lookup duplicate: %w", err)
	}
	return &PutResult{Status: PutDuplicate, FindingID: existingID}, nil
}

// Get retrieves a finding by ID.
func (s *Store) Get(ctx context.Context, id string) (*finding.Finding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repository, path, start_line, end_line, category,
		       severity, content, detected_at
		FROM findings WHERE id = ?`, id)
	return scanFinding(row)
}

// ListPending returns findings whose records are still in flight, ordered
// by severity descending then detection time ascending: higher-severity,
// older issues first. The listing is restartable; callers re-invoke with
// the same ordering after a restart.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*finding.Finding, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository, path, start_line, end_line, category,
		       severity, content, detected_at
		FROM findings
		WHERE state NOT IN (?, ?, ?)
		ORDER BY severity_rank DESC, detected_at ASC, id ASC
		LIMIT ?`,
		string(finding.StateVerified), string(finding.StateRejected),
		string(finding.StateFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()
	return collectFindings(rows)
}

// ListPendingAfter continues a ListPending scan past the given finding,
// letting callers page through a backlog larger than one batch. The cursor
// finding fixes the position in the scan order; if it no longer exists the
// scan restarts from the head.
func (s *Store) ListPendingAfter(ctx context.Context, afterID string, limit int) ([]*finding.Finding, error) {
	if afterID == "" {
		return s.ListPending(ctx, limit)
	}
	if limit <= 0 {
		limit = 100
	}

	var (
		rank       int
		detectedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT severity_rank, detected_at FROM findings WHERE id = ?`, afterID,
	).Scan(&rank, &detectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s.ListPending(ctx, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve cursor: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository, path, start_line, end_line, category,
		       severity, content, detected_at
		FROM findings
		WHERE state NOT IN (?, ?, ?)
		  AND (severity_rank < ?
		       OR (severity_rank = ? AND detected_at > ?)
		       OR (severity_rank = ? AND detected_at = ? AND id > ?))
		ORDER BY severity_rank DESC, detected_at ASC, id ASC
		LIMIT ?`,
		string(finding.StateVerified), string(finding.StateRejected),
		string(finding.StateFailed),
		rank, rank, detectedAt, rank, detectedAt, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending after: %w", err)
	}
	defer rows.Close()
	return collectFindings(rows)
}

// ListByState returns findings in the given state, same ordering as
// ListPending. Used by the API and by operators inspecting failures.
func (s *Store) ListByState(ctx context.Context, state finding.State, limit int) ([]*finding.Finding, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository, path, start_line, end_line, category,
		       severity, content, detected_at
		FROM findings
		WHERE state = ?
		ORDER BY severity_rank DESC, detected_at ASC
		LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list by state: %w", err)
	}
	defer rows.Close()
	return collectFindings(rows)
}

// GetRecord returns the remediation record for a finding.
func (s *Store) GetRecord(ctx context.Context, findingID string) (*finding.Record, error) {
	var (
		r         finding.Record
		state     string
		class     string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, state, attempts, last_error, last_error_class, updated_at
		FROM findings WHERE id = ?`, findingID,
	).Scan(&r.FindingID, &state, &r.Attempts, &r.LastError, &class, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", findingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	r.State = finding.State(state)
	r.LastErrorClass = finding.Class(class)
	r.UpdatedAt = time.Unix(0, updatedAt)
	return &r, nil
}

// UpdateRecord writes a record's state after a transition has been
// validated and audited. Attempts, error text, and classification travel
// with the state so a Failed record carries its diagnosis.
func (s *Store) UpdateRecord(ctx context.Context, findingID string, state finding.State, attempts int, lastError string, class finding.Class) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE findings
		SET state = ?, attempts = ?, last_error = ?, last_error_class = ?, updated_at = ?
		WHERE id = ?`,
		string(state), attempts, lastError, string(class),
		time.Now().UnixNano(), findingID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("record %s: %w", findingID, ErrNotFound)
	}
	return nil
}

func scanFinding(row *sql.Row) (*finding.Finding, error) {
	var (
		f          finding.Finding
		severity   string
		detectedAt int64
	)
	err := row.Scan(&f.ID, &f.Repository, &f.Path, &f.StartLine, &f.EndLine,
		&f.Category, &severity, &f.Content, &detectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan finding: %w", err)
	}
	f.Severity = finding.Severity(severity)
	f.DetectedAt = time.Unix(0, detectedAt)
	return &f, nil
}

func collectFindings(rows *sql.Rows) ([]*finding.Finding, error) {
	var findings []*finding.Finding
	for rows.Next() {
		var (
			f          finding.Finding
			severity   string
			detectedAt int64
		)
		if err := rows.Scan(&f.ID, &f.Repository, &f.Path, &f.StartLine,
			&f.EndLine, &f.Category, &severity, &f.Content, &detectedAt); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Severity = finding.Severity(severity)
		f.DetectedAt = time.Unix(0, detectedAt)
		findings = append(findings, &f)
	}
	return findings, rows.Err()
}
