// Package store persists findings, patch candidates, and approval tokens in
// SQLite. It is the durable half of the finding store contract; lifecycle
// state kept here is a rebuildable cache of the audit log, which remains the
// source of truth for recovery.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Store errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrCandidateConflict = errors.New("another candidate is already applied for this finding")
)

// Store is the SQLite-backed persistence layer.
//
// SQLite runs in WAL mode with a single connection; writes from concurrent
// workers serialize on the connection rather than fighting over the file
// lock.
type Store struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
}

// Open opens (or creates) the database at dataPath/remedyd.db and applies
// the schema.
func Open(dataPath string, logger *zap.Logger) (*Store, error) {
	dataPath = filepath.Clean(dataPath)
	if strings.TrimSpace(dataPath) == "" {
		return nil, fmt.Errorf("dataPath is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataPath, "remedyd.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		repository TEXT NOT NULL,
		path TEXT NOT NULL,
		start_line INTEGER NOT NULL,
		end_line INTEGER NOT NULL,
		category TEXT NOT NULL,
		severity TEXT NOT NULL,
		severity_rank INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		detected_at INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'detected',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_error_class TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_findings_state ON findings(state);
	CREATE INDEX IF NOT EXISTS idx_findings_pending ON findings(severity_rank DESC, detected_at ASC);

	CREATE TABLE IF NOT EXISTS candidates (
		id TEXT PRIMARY KEY,
		finding_id TEXT NOT NULL REFERENCES findings(id),
		diff BLOB NOT NULL,
		confidence REAL NOT NULL,
		generated_at INTEGER NOT NULL,
		applied INTEGER NOT NULL DEFAULT 0,
		published_url TEXT NOT NULL DEFAULT '',
		published_branch TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_candidates_finding ON candidates(finding_id);

	CREATE TABLE IF NOT EXISTS approvals (
		token TEXT PRIMARY KEY,
		finding_id TEXT NOT NULL REFERENCES findings(id),
		candidate_id TEXT NOT NULL REFERENCES candidates(id),
		requested_at INTEGER NOT NULL,
		decided INTEGER NOT NULL DEFAULT 0,
		verdict TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		decided_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_finding ON approvals(finding_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_pending ON approvals(decided) WHERE decided = 0;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so the audit log can share the same
// database file and WAL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
