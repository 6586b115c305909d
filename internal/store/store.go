// Package store is the durable, per-project SQLite database spec.md §6
// calls the "Durable store contract": execute/query on a handle, schema
// owned by the core. Grounded in kadirpekel-hector's mattn/go-sqlite3
// usage for a project-scoped embedded database.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a per-(org, project) database handle.
type Store struct {
	OrgID     string
	ProjectID string
	db        *sql.DB
}

// Open opens (creating if necessary) the SQLite file at path and ensures
// the core's schema exists.
func Open(ctx context.Context, orgID, projectID, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=2000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{OrgID: orgID, ProjectID: projectID, db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS horizons_action_proposals (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	risk_level TEXT NOT NULL,
	idempotency_key TEXT,
	context TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL,
	status TEXT NOT NULL,
	approver TEXT,
	reason TEXT,
	resolved_at INTEGER
);

CREATE TABLE IF NOT EXISTS opencraw_review_policies (
	action_type TEXT PRIMARY KEY,
	risk_level TEXT NOT NULL,
	review_mode TEXT NOT NULL,
	ttl_seconds INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS opencraw_automation_jobs (
	job_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	trigger_config TEXT NOT NULL,
	action TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_run_at INTEGER,
	next_run_at INTEGER,
	run_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS opencraw_automation_ingest_events (
	ingest_id TEXT PRIMARY KEY,
	ingest_kind TEXT NOT NULL,
	source TEXT NOT NULL,
	event_id TEXT NOT NULL,
	payload_sha256 TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	UNIQUE(ingest_kind, source, event_id)
);

CREATE TABLE IF NOT EXISTS opencraw_skills (
	skill_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	source TEXT,
	content TEXT,
	signature TEXT,
	digest_sha256 TEXT NOT NULL,
	decision TEXT NOT NULL,
	policy_reasons TEXT NOT NULL,
	active INTEGER NOT NULL,
	approved_by_operator INTEGER NOT NULL,
	scan_count INTEGER NOT NULL DEFAULT 0,
	last_scan_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS opencraw_skill_scans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	skill_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	policy_reasons TEXT NOT NULL,
	note TEXT,
	scanned_at INTEGER NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate schema: %w", err)
	}
	return nil
}

// Execute runs a mutating statement directly, with no retry. Callers that
// need spec.md's retry-with-backoff semantics should go through RetryWrite
// (retry.go).
func (s *Store) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Query runs a read statement.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}
