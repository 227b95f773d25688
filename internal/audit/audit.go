// Package audit implements the append-only audit log: a totally ordered,
// gap-free record of every remediation state transition.
//
// The log is the recovery source of truth. Record state held in the finding
// store is a cache that Replay can rebuild from position zero; after a crash
// the orchestrator trusts the log, not the cache.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/finding"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/audit"

// subjectPrefix is the NATS subject prefix for streamed audit events:
// remediations.{finding_id}.{to_state}.
const subjectPrefix = "remediations"

// Entry is one audit log record. Entries are never mutated or deleted.
type Entry struct {
	// Seq is the global position, strictly increasing and gap-free.
	Seq int64 `json:"seq"`

	// FindingID identifies the finding that transitioned.
	FindingID string `json:"finding_id"`

	// CausalSeq is strictly increasing per finding.
	CausalSeq int64 `json:"causal_seq"`

	// From and To are the transition endpoints. From is empty for the
	// ingestion entry that creates a record in StateDetected.
	From finding.State `json:"from"`
	To   finding.State `json:"to"`

	// Actor is the system component or human identity that caused the
	// transition.
	Actor string `json:"actor"`

	// Error carries the failure message for error-driven transitions.
	Error string `json:"error,omitempty"`

	// ErrorClass classifies Error.
	ErrorClass finding.Class `json:"error_class,omitempty"`

	// Attempts is the adapter attempt count for the step that produced
	// this transition, when meaningful.
	Attempts int `json:"attempts,omitempty"`

	// At is when the transition happened.
	At time.Time `json:"at"`
}

// Log is the append-only audit log. Append serializes on a single writer
// so global sequence numbers are gap-free and monotonic across all
// orchestrator workers.
type Log struct {
	db     *sql.DB
	nc     *nats.Conn // nil disables streaming
	logger *zap.Logger

	mu sync.Mutex // single-writer append

	appendCounter metric.Int64Counter
}

// New creates the audit log on the given database handle. The handle is
// shared with the finding store so both live in one SQLite file. nc may be
// nil; streaming is then disabled.
func New(db *sql.DB, nc *nats.Conn, logger *zap.Logger) (*Log, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Log{
		db:     db,
		nc:     nc,
		logger: logger,
	}
	if err := l.initSchema(); err != nil {
		return nil, err
	}

	meter := otel.Meter(instrumentationName)
	var err error
	l.appendCounter, err = meter.Int64Counter(
		"remedyd.audit.appends_total",
		metric.WithDescription("Total number of audit log entries appended"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		logger.Warn("failed to create append counter", zap.Error(err))
	}

	return l, nil
}

func (l *Log) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		finding_id TEXT NOT NULL,
		causal_seq INTEGER NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		actor TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		error_class TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_finding ON audit_log(finding_id, causal_seq);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("init audit schema: %w", err)
	}
	return nil
}

// Append appends an entry and returns its global sequence position. The
// causal sequence number is assigned here, inside the writer lock, so it
// is strictly increasing per finding regardless of which worker appends.
func (l *Log) Append(ctx context.Context, e *Entry) (int64, error) {
	if e.FindingID == "" {
		return 0, fmt.Errorf("audit entry requires finding_id")
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var causal int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(causal_seq), 0) + 1 FROM audit_log WHERE finding_id = ?`,
		e.FindingID,
	).Scan(&causal)
	if err != nil {
		return 0, fmt.Errorf("next causal seq: %w", err)
	}
	e.CausalSeq = causal

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log
			(finding_id, causal_seq, from_state, to_state, actor, error, error_class, attempts, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.FindingID, e.CausalSeq, string(e.From), string(e.To), e.Actor,
		e.Error, string(e.ErrorClass), e.Attempts, e.At.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	e.Seq = seq

	if l.appendCounter != nil {
		l.appendCounter.Add(ctx, 1)
	}

	l.publish(e)

	return seq, nil
}

// publish streams the entry over NATS, best-effort. A publish failure is
// logged and otherwise ignored; the durable log already has the entry.
func (l *Log) publish(e *Entry) {
	if l.nc == nil {
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", subjectPrefix, e.FindingID, e.To)
	data, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("marshal audit entry", zap.Error(err))
		return
	}
	if err := l.nc.Publish(subject, data); err != nil {
		l.logger.Warn("publish audit entry",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// StreamSince returns all entries with Seq > pos in order. The channel is
// closed when the stored log is exhausted or the context is canceled.
func (l *Log) StreamSince(ctx context.Context, pos int64) (<-chan Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, finding_id, causal_seq, from_state, to_state,
		       actor, error, error_class, attempts, at
		FROM audit_log WHERE seq > ?
		ORDER BY seq ASC`, pos)
	if err != nil {
		return nil, fmt.Errorf("stream since %d: %w", pos, err)
	}

	out := make(chan Entry)
	go func() {
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				l.logger.Error("scan audit entry", zap.Error(err))
				return
			}
			select {
			case out <- *e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// EntriesFor returns the full audit history of one finding, in causal
// order.
func (l *Log) EntriesFor(ctx context.Context, findingID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, finding_id, causal_seq, from_state, to_state,
		       actor, error, error_class, attempts, at
		FROM audit_log WHERE finding_id = ?
		ORDER BY causal_seq ASC`, findingID)
	if err != nil {
		return nil, fmt.Errorf("entries for %s: %w", findingID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e          Entry
		from       string
		to         string
		errorClass string
		at         int64
	)
	if err := rows.Scan(&e.Seq, &e.FindingID, &e.CausalSeq, &from, &to,
		&e.Actor, &e.Error, &errorClass, &e.Attempts, &at); err != nil {
		return nil, fmt.Errorf("scan audit entry: %w", err)
	}
	e.From = finding.State(from)
	e.To = finding.State(to)
	e.ErrorClass = finding.Class(errorClass)
	e.At = time.Unix(0, at)
	return &e, nil
}
