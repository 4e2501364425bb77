// Package store is the transactional persistence layer: runs, jobs,
// steps, logs and webhook receipts, plus the job-queue primitives the
// scheduler polls. It is backed by an embedded SQLite database opened in
// WAL mode with a single writer connection, matching the "embedded
// relational engine with write-ahead logging... single writer process"
// requirement. Every operation below is a typed method, never a raw
// query string exposed to callers outside this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowforge/runner/internal/cierr"
)

// Notifier is implemented by anything that wants to be told when new
// queue-relevant rows appear; CreateRun is the only store call that
// fires it. The scheduler
// subscribes so its poller can wake immediately instead of waiting for
// the next tick.
type Notifier interface {
	Notify(key string)
}

// Store is the single persistence handle for the daemon process. It
// embeds a dedicated single-connection writer pool and a separate
// multi-connection reader pool, since SQLite's WAL mode permits
// concurrent readers alongside the one writer.
type Store struct {
	writer *sql.DB
	reader *sql.DB

	mu       sync.Mutex
	notifier Notifier
	logSeq   int64
}

// Open creates (if absent) and opens the database file at path, applies
// schema migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, url.Values{
		"_pragma": {"journal_mode(WAL)", "foreign_keys(1)", "busy_timeout(5000)"},
	}.Encode())

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	s := &Store{writer: writer, reader: reader}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	var maxSeq sql.NullInt64
	if err := s.writer.QueryRowContext(ctx, `SELECT MAX(sequence) FROM logs`).Scan(&maxSeq); err == nil {
		s.logSeq = maxSeq.Int64
	}
	return s, nil
}

// SetNotifier registers a Notifier invoked after a mutation that may
// unblock the scheduler's poller. It is not required for correctness
// (the poller also ticks on an interval) — only for dispatch latency.
func (s *Store) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.Notify(key)
	}
}

// Close releases both connection pools.
func (s *Store) Close() error {
	werr := s.writer.Close()
	rerr := s.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			config_path TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			pipeline_name TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_data TEXT,
			branch TEXT,
			commit_sha TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON pipeline_runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON pipeline_runs(status)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			pipeline_run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			runner_image TEXT NOT NULL,
			exit_code INTEGER,
			depends_on TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			UNIQUE(pipeline_run_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(pipeline_run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			name TEXT NOT NULL,
			"order" INTEGER NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			started_at DATETIME,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_job ON steps(job_id)`,
		`CREATE TABLE IF NOT EXISTS logs (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			step_id TEXT,
			stream TEXT NOT NULL,
			content BLOB NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_job ON logs(job_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			signature TEXT,
			processed INTEGER NOT NULL DEFAULT 0,
			pipeline_run_id TEXT,
			error TEXT,
			received_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			name TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			UNIQUE(project_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			name TEXT NOT NULL,
			location TEXT NOT NULL,
			expires_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_expires ON artifacts(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.writer.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func nowPtr() *time.Time {
	t := time.Now().UTC()
	return &t
}

// wrapBusy turns a SQLITE_BUSY condition into cierr.ErrStoreBusy so
// callers can apply a uniform retry policy regardless of driver.
func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return fmt.Errorf("%w: %v", cierr.ErrStoreBusy, err)
	}
	return err
}

func isBusy(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_BUSY in the error text; there is
	// no typed sentinel exported for it, so a substring check is the
	// pragmatic match used elsewhere for driver-specific error classification.
	s := err.Error()
	return containsAny(s, "SQLITE_BUSY", "database is locked")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
